package gridlock

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Space: "/spaces/highlands/", Username: "alice"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server != "localhost:8168" {
		t.Fatalf("expected default server with default port, got %q", cfg.Server)
	}
	if cfg.Space != "spaces/highlands" {
		t.Fatalf("expected trimmed space, got %q", cfg.Space)
	}
	if cfg.DialTimeout != DefaultDialTimeout || cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("expected timeout defaults, got dial=%s request=%s", cfg.DialTimeout, cfg.RequestTimeout)
	}
	if cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("expected tick default, got %s", cfg.TickInterval)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if !filepath.IsAbs(cfg.SpaceRoot) && cfg.SpaceRoot != "." {
		t.Fatalf("unexpected space root %q", cfg.SpaceRoot)
	}
}

func TestConfigValidateKeepsExplicitPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server = "locks.example.net:9000"
	cfg.Username = "bob"
	cfg.Self = "builder01.example.net"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server != "locks.example.net:9000" {
		t.Fatalf("server %q", cfg.Server)
	}
	if cfg.Self != "builder01" {
		t.Fatalf("expected self cut at first dot, got %q", cfg.Self)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"long username":    {Username: strings.Repeat("u", 33)},
		"negative extent":  {Username: "alice", XExtent: -1},
		"bad port":         {Username: "alice", Server: "locks:99999"},
		"bad branch":       {Username: "alice", Branch: "feature/x"},
		"negative timeout": {Username: "alice", RequestTimeout: -time.Second},
		"bad log level":    {Username: "alice", LogLevel: "chatty"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigClientConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Username = "alice"
	cfg.Self = "hostA"
	cfg.Space = "spaces/highlands"
	cfg.Branch = "beta"
	cfg.XExtent = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cc := cfg.ClientConfig()
	if cc.Server != cfg.Server || cc.Space != cfg.Space || cc.Branch != "beta" {
		t.Fatalf("unexpected client config %+v", cc)
	}
	if cc.XExtent != 2 || cc.ZExtent != DefaultZExtent {
		t.Fatalf("unexpected extents %d,%d", cc.XExtent, cc.ZExtent)
	}
	if cc.Self != "hostA" || cc.Username != "alice" {
		t.Fatalf("unexpected identity %q/%q", cc.Self, cc.Username)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GRIDLOCK_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(dir, ConfigFileName) {
		t.Fatalf("unexpected config path %q", path)
	}
}

func TestDefaultConfigDirHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GRIDLOCK_CONFIG_DIR", "")
	t.Setenv("HOME", home)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != filepath.Join(home, ".gridlock") {
		t.Fatalf("unexpected config dir %q", got)
	}
}
