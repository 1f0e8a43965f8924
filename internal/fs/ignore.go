package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is read from the backup root for extra ignore patterns.
const IgnoreFileName = ".autopushignore"

// defaultIgnorePatterns are always applied regardless of config or the ignore file.
var defaultIgnorePatterns = []string{IgnoreFileName}

// rule is one parsed ignore line.
type rule struct {
	glob     string
	anchored bool // matched against the root-relative path instead of the base name
	dirOnly  bool // trailing '/': applies to directories only
	negate   bool // leading '!': re-includes what earlier rules excluded
}

// IgnoreMatcher decides which root-relative paths are excluded from a backup.
//
// The syntax is a small subset of gitignore. A pattern containing '/' is
// anchored at the root; otherwise it matches a base name at any depth.
// A trailing '/' restricts the pattern to directories and a leading '!'
// negates it. Rules are evaluated in order and the last match wins. A path
// is excluded when it or any of its parent directories is excluded, so a
// negation cannot re-include a file below an excluded directory.
type IgnoreMatcher struct {
	rules []rule
}

// NewIgnoreMatcher parses raw pattern lines. Blank lines and lines starting
// with '#' are skipped, as are patterns filepath.Match would reject.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	var rules []rule
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var r rule
		if strings.HasPrefix(line, "!") {
			r.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimRight(line, "/")
		}
		if strings.Contains(line, "/") {
			r.anchored = true
			line = strings.TrimPrefix(line, "/")
		}
		if line == "" {
			continue
		}
		if _, err := path.Match(line, ""); err != nil {
			continue
		}
		r.glob = line
		rules = append(rules, r)
	}
	return &IgnoreMatcher{rules: rules}
}

// Match reports whether rel, a file or a path of unknown type, is excluded.
func (m *IgnoreMatcher) Match(rel string) bool {
	return m.Ignored(rel, false)
}

// MatchDir reports whether the directory rel is excluded.
func (m *IgnoreMatcher) MatchDir(rel string) bool {
	return m.Ignored(rel, true)
}

// Ignored is Match or MatchDir depending on isDir.
func (m *IgnoreMatcher) Ignored(rel string, isDir bool) bool {
	if len(m.rules) == 0 || rel == "" {
		return false
	}
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == "." {
		return false
	}
	segments := strings.Split(clean, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		dir := isDir || i < len(segments)-1
		if m.excluded(prefix, segments[i], dir) {
			return true
		}
	}
	return false
}

func (m *IgnoreMatcher) excluded(rel, base string, dir bool) bool {
	excluded := false
	for _, r := range m.rules {
		if r.dirOnly && !dir {
			continue
		}
		target := base
		if r.anchored {
			target = rel
		}
		if ok, _ := path.Match(r.glob, target); ok {
			excluded = !r.negate
		}
	}
	return excluded
}

// ParseIgnoreFile returns the raw lines of an ignore file. A missing file
// yields no lines and no error.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
