// Package hostident works out who and where this client is: the short
// machine name the lock server records and the default user name.
package hostident

import (
	"context"
	"os"
	"os/user"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// Self returns the local machine name truncated at the first '.'.
func Self(ctx context.Context) (string, error) {
	name := ""
	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		name = info.Hostname
	}
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			return "", err
		}
		name = h
	}
	return Short(name), nil
}

// Short truncates name at its first '.'.
func Short(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Username returns the login name of the current user without any domain
// prefix, falling back to $USER and $USERNAME.
func Username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return stripDomain(u.Username)
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return stripDomain(v)
		}
	}
	return ""
}

func stripDomain(name string) string {
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		return name[i+1:]
	}
	return name
}
