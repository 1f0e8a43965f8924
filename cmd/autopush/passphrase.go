package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PassphraseEnv, when set, supplies the passphrase without prompting.
const PassphraseEnv = "AUTOPUSH_PASSPHRASE"

// Test seams.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

var stdin io.Reader = os.Stdin

// readPassphrase returns the passphrase from the environment, from the
// terminal without echo, or from the first line of stdin when it is not a
// terminal.
func readPassphrase(w io.Writer, prompt string) (string, error) {
	if p, ok := os.LookupEnv(PassphraseEnv); ok {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(w, prompt)
	pw, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

// readNewPassphrase asks twice and fails when the answers differ.
func readNewPassphrase(w io.Writer) (string, error) {
	if p, ok := os.LookupEnv(PassphraseEnv); ok {
		return p, nil
	}
	first, err := readPassphrase(w, "New passphrase: ")
	if err != nil {
		return "", err
	}
	if !isTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := readPassphrase(w, "Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
