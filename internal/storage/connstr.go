package storage

import (
	"fmt"
	"strings"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// ConnString is a parsed connection string.
type ConnString map[string]string

// ParseConnString splits "key=value;key=value" into named parts. Keys are
// case-insensitive. Parts without '=' are assigned, in order, to the names in
// positional, so "<keyID>;<applicationKey>" parses with
// positional = {"account", "key"}.
func ParseConnString(s string, positional ...string) (ConnString, error) {
	out := make(ConnString)
	pos := 0
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				return nil, fmt.Errorf("%w: connection string part %q has no key", freeze.ErrArgument, part)
			}
			out[k] = strings.TrimSpace(v)
			continue
		}
		if pos >= len(positional) {
			return nil, fmt.Errorf("%w: unexpected connection string part %q", freeze.ErrArgument, part)
		}
		out[positional[pos]] = part
		pos++
	}
	return out, nil
}

// Require returns the values of keys, failing on the first missing one.
func (c ConnString) Require(keys ...string) ([]string, error) {
	vals := make([]string, len(keys))
	for i, k := range keys {
		v, ok := c[k]
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: connection string is missing %q", freeze.ErrArgument, k)
		}
		vals[i] = v
	}
	return vals, nil
}

// Get returns the value of key or def when absent.
func (c ConnString) Get(key, def string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return def
}
