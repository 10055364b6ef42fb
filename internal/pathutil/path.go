// Package pathutil expands user supplied paths from flags and config files.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR and ${VAR} tokens and a leading "~" in p. Relative
// paths stay relative and an empty path stays empty.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	if len(p) > 1 && p[1] != '/' && p[1] != '\\' {
		// ~user is not supported.
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}
