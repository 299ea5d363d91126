// Package config loads agentmux's static configuration: platform adapter
// credentials/policy, storage selection, and backend defaults, from a YAML
// (or JSON5) file with optional live reload.
//
// Grounded on the teacher's internal/config adapters (per-platform struct
// shape, DM/group policy fields) with secret resolution simplified to
// zalando/go-keyring lookups and hot-reload via fsnotify.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const keyringService = "agentmux"

// DiscordConfig configures the Discord gateway adapter.
type DiscordConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Token       string   `yaml:"token" json:"token"`
	TokenRef    string   `yaml:"token_ref" json:"token_ref"` // keyring lookup key, used when Token is empty
	AllowFrom   []string `yaml:"allow_from" json:"allow_from"`
	DMPolicy    string   `yaml:"dm_policy" json:"dm_policy"`
	GroupPolicy string   `yaml:"group_policy" json:"group_policy"`
}

// TelegramConfig configures the Telegram bot adapter.
type TelegramConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Token       string   `yaml:"token" json:"token"`
	TokenRef    string   `yaml:"token_ref" json:"token_ref"`
	AllowFrom   []string `yaml:"allow_from" json:"allow_from"`
	DMPolicy    string   `yaml:"dm_policy" json:"dm_policy"`
	GroupPolicy string   `yaml:"group_policy" json:"group_policy"`
}

// SlackConfig configures the Slack Socket Mode adapter.
type SlackConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	BotToken    string   `yaml:"bot_token" json:"bot_token"`
	AppToken    string   `yaml:"app_token" json:"app_token"`
	AllowFrom   []string `yaml:"allow_from" json:"allow_from"`
	DMPolicy    string   `yaml:"dm_policy" json:"dm_policy"`
	GroupPolicy string   `yaml:"group_policy" json:"group_policy"`
}

// WebConfig configures the web-admin device-pairing channel.
type WebConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// StorageConfig selects and configures the Session Store backend.
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" or "pg"
	DSN    string `yaml:"dsn" json:"dsn"`
}

// RedisConfig enables the optional cross-process Message Bus relay, used
// when multiple agentmux instances share one set of platform adapters.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Addr       string `yaml:"addr" json:"addr"`
	InstanceID string `yaml:"instance_id" json:"instance_id"`
}

// BackendConfig configures the default AI agent backend and its workspace.
type BackendConfig struct {
	Default      string `yaml:"default" json:"default"` // "acp", "clijson", "directsdk", "mock"
	Binary       string `yaml:"binary" json:"binary"`
	WorkspaceDir string `yaml:"workspace_dir" json:"workspace_dir"`
}

// Config is the top-level configuration document.
type Config struct {
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Backend  BackendConfig  `yaml:"backend" json:"backend"`
	Discord  DiscordConfig  `yaml:"discord" json:"discord"`
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Slack    SlackConfig    `yaml:"slack" json:"slack"`
	Web      WebConfig      `yaml:"web" json:"web"`
}

// Load reads path as YAML, or as JSON5 when its extension is .json/.json5,
// then resolves any *_ref secret references through the OS keyring.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse json5: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	resolveSecrets(&cfg)
	return &cfg, nil
}

func resolveSecrets(cfg *Config) {
	if cfg.Discord.Token == "" && cfg.Discord.TokenRef != "" {
		if v, err := keyring.Get(keyringService, cfg.Discord.TokenRef); err == nil {
			cfg.Discord.Token = v
		}
	}
	if cfg.Telegram.Token == "" && cfg.Telegram.TokenRef != "" {
		if v, err := keyring.Get(keyringService, cfg.Telegram.TokenRef); err == nil {
			cfg.Telegram.Token = v
		}
	}
}

// Watcher reloads Config from disk whenever the file changes and invokes
// onChange with the new value.
type Watcher struct {
	path     string
	mu       sync.Mutex
	current  *Config
	watcher  *fsnotify.Watcher
}

// NewWatcher loads path once and starts watching it for writes.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch dir: %w", err)
	}

	w := &Watcher{path: path, current: cfg, watcher: fw}

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := Load(path)
				if err != nil {
					continue
				}
				w.mu.Lock()
				w.current = next
				w.mu.Unlock()
				if onChange != nil {
					onChange(next)
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) Close() error { return w.watcher.Close() }
