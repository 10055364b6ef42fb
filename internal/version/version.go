// Package version reports the gridlock build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/gridlock"

// buildVersion is set via -ldflags "-X pkt.systems/gridlock/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the ldflags version, the module version from build info or
// a pseudo-version derived from VCS stamps, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudo(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// String is Module and Current separated by a space.
func String() string {
	return Module() + " " + Current()
}

func pseudo(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	when, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + when.UTC().Format("20060102150405") + "-" + rev
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
