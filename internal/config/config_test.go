package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.yaml")
	body := `
storage:
  driver: sqlite
  dsn: agentmux.db
backend:
  default: mock
discord:
  enabled: true
  token: xoxb-test
  allow_from: ["123", "456"]
  dm_policy: open
  group_policy: allowlist
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "agentmux.db" {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
	if !cfg.Discord.Enabled || cfg.Discord.Token != "xoxb-test" {
		t.Fatalf("Discord = %+v", cfg.Discord)
	}
	if len(cfg.Discord.AllowFrom) != 2 || cfg.Discord.AllowFrom[0] != "123" {
		t.Fatalf("AllowFrom = %v", cfg.Discord.AllowFrom)
	}
	if cfg.Discord.GroupPolicy != "allowlist" {
		t.Fatalf("GroupPolicy = %q", cfg.Discord.GroupPolicy)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.json5")
	body := `{
  // trailing commas and comments are fine in json5
  storage: { driver: "pg", dsn: "postgres://localhost/agentmux" },
  backend: { default: "acp", binary: "/usr/local/bin/agent" },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "pg" {
		t.Fatalf("Driver = %q, want pg", cfg.Storage.Driver)
	}
	if cfg.Backend.Default != "acp" || cfg.Backend.Binary != "/usr/local/bin/agent" {
		t.Fatalf("Backend = %+v", cfg.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.yaml")
	if err := os.WriteFile(path, []byte("storage: [this is not a mapping"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error for malformed yaml")
	}
}

// TestResolveSecretsLeavesTokenEmptyWithoutKeyring confirms that a TokenRef
// pointing at an OS keyring entry that can't be resolved (no keyring service
// available, or the entry doesn't exist) leaves Token empty rather than
// erroring Load out — secret resolution is best-effort.
func TestResolveSecretsLeavesTokenEmptyWithoutKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.yaml")
	body := `
discord:
  enabled: true
  token_ref: agentmux-discord-token-that-does-not-exist
telegram:
  enabled: true
  token_ref: agentmux-telegram-token-that-does-not-exist
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "" {
		t.Fatalf("Discord.Token = %q, want empty (keyring entry doesn't exist)", cfg.Discord.Token)
	}
	if cfg.Telegram.Token != "" {
		t.Fatalf("Telegram.Token = %q, want empty (keyring entry doesn't exist)", cfg.Telegram.Token)
	}
}

func TestNewWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  default: mock\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(next *Config) {
		reloaded <- next
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if w.Current().Backend.Default != "mock" {
		t.Fatalf("initial Backend.Default = %q, want mock", w.Current().Backend.Default)
	}

	if err := os.WriteFile(path, []byte("backend:\n  default: acp\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case next := <-reloaded:
		if next.Backend.Default != "acp" {
			t.Fatalf("reloaded Backend.Default = %q, want acp", next.Backend.Default)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if w.Current().Backend.Default != "acp" {
		t.Fatalf("Current().Backend.Default = %q, want acp", w.Current().Backend.Default)
	}
}
