package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"proxyaddr":"10.0.0.1:3128","host":"backend.example.com","password":"secret","localaddr":"127.0.0.1:2222","nocomp":true}`)

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}

	if cfg.ProxyAddr != "10.0.0.1:3128" || cfg.Host != "backend.example.com" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
	if cfg.Password != "secret" || cfg.LocalAddr != "127.0.0.1:2222" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
	if !cfg.NoComp {
		t.Fatalf("expected NoComp=true")
	}
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
