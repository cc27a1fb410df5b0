package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen.Addr != ":3333" {
		t.Fatalf("listen.addr = %q, want default", cfg.Listen.Addr)
	}
	if cfg.Session.IdleTimeoutMinutes != 5 {
		t.Fatalf("idle timeout = %d, want default", cfg.Session.IdleTimeoutMinutes)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
listen:
  addr: "127.0.0.1:9000"
dispatch:
  command_timeout_seconds: 45
  denied_hosts:
    - internal.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen.Addr != "127.0.0.1:9000" {
		t.Fatalf("listen.addr = %q", cfg.Listen.Addr)
	}
	if cfg.Dispatch.CommandTimeoutSeconds != 45 {
		t.Fatalf("command timeout = %d", cfg.Dispatch.CommandTimeoutSeconds)
	}
	if len(cfg.Dispatch.DeniedHosts) != 1 || cfg.Dispatch.DeniedHosts[0] != "internal.example.com" {
		t.Fatalf("denied hosts = %v", cfg.Dispatch.DeniedHosts)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 7
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsInvalidStartPage(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
dispatch:
  start_page: example.org
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "dispatch.start_page") {
		t.Fatalf("expected start_page error, got %v", err)
	}
}

func TestLoadRejectsDeniedHostWithScheme(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
dispatch:
  denied_hosts:
    - https://example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "denied_hosts") {
		t.Fatalf("expected denied_hosts error, got %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("config version = %d", cfg.ConfigVersion)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
