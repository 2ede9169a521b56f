package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocksServer.Port != 1080 || !cfg.SocksServer.Authentication.NoAuth {
		t.Fatalf("unexpected default config: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}
	if got := cfg.ResolveTimeout(); got != 10*time.Second {
		t.Fatalf("expected default resolve timeout of 10s, got %v", got)
	}
}

func TestLoadParsesDNSTimeoutSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"dnsTimeoutSeconds":2.5}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.ResolveTimeout(); got != 2500*time.Millisecond {
		t.Fatalf("expected resolve timeout 2.5s, got %v", got)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"socksServer":{"port":9050}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocksServer.Port != 9050 {
		t.Fatalf("expected overridden port 9050, got %d", cfg.SocksServer.Port)
	}
	// Untouched keys retain their compiled-in defaults.
	if !cfg.SocksServer.Authentication.NoAuth {
		t.Fatalf("expected noAuth default to survive partial override")
	}
	if cfg.SocksServer.MaxConnNum != 1024 {
		t.Fatalf("expected maxConnNum default to survive partial override, got %d", cfg.SocksServer.MaxConnNum)
	}
}
