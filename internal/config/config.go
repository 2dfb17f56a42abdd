// Package config reads user settings from a TOML file with TABTREE_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/lotas/tabtree/internal/llm"
	"github.com/lotas/tabtree/internal/naming"
	"github.com/lotas/tabtree/internal/storage"
)

const DefaultPort = 19192

// Settings is the loaded configuration. Reads are live: a SetNaming is
// visible to the next Naming call.
type Settings struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

// DefaultPath returns ~/.config/tabtree/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tabtree", "config.toml"), nil
}

// Load reads the config file at path, or DefaultPath when path is empty.
// A missing file is not an error; defaults apply.
func Load(path string) (*Settings, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("TABTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("server.port", "TABTREE_SERVER_PORT", "TABTREE_PORT")

	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("data.dir", "")
	v.SetDefault("naming.mode", string(naming.ModeBuiltin))
	v.SetDefault("naming.base_url", "https://api.openai.com/v1")
	v.SetDefault("naming.api_key", "")
	v.SetDefault("naming.model", "gpt-3.5-turbo")
	v.SetDefault("naming.timeout", naming.DefaultTimeout)
	v.SetDefault("builtin.url", llm.DefaultBuiltinURL)
	v.SetDefault("builtin.models", llm.DefaultModels)
	v.SetDefault("builtin.cooldown", llm.DefaultCooldown)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return &Settings{v: v, path: path}, nil
}

// Path returns the config file location.
func (s *Settings) Path() string { return s.path }

func (s *Settings) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetInt("server.port")
}

// DataDir returns the data directory, ~/.local/share/tabtree unless set.
func (s *Settings) DataDir() (string, error) {
	s.mu.RLock()
	dir := s.v.GetString("data.dir")
	s.mu.RUnlock()
	if dir == "" {
		return storage.DefaultDataDir()
	}
	if rest, ok := strings.CutPrefix(dir, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, rest)
	}
	return dir, nil
}

// Naming returns the current naming settings.
func (s *Settings) Naming() naming.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return naming.Settings{
		Mode:    naming.Mode(s.v.GetString("naming.mode")),
		BaseURL: s.v.GetString("naming.base_url"),
		APIKey:  s.v.GetString("naming.api_key"),
		Model:   s.v.GetString("naming.model"),
	}
}

func (s *Settings) NamingTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetDuration("naming.timeout")
}

func (s *Settings) BuiltinURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString("builtin.url")
}

func (s *Settings) BuiltinModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetStringSlice("builtin.models")
}

func (s *Settings) BuiltinCooldown() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetDuration("builtin.cooldown")
}

// SetNaming validates and persists new naming settings to the config file.
func (s *Settings) SetNaming(ns naming.Settings) error {
	switch ns.Mode {
	case naming.ModeBuiltin, naming.ModeCustom, naming.ModeLocal:
	default:
		return fmt.Errorf("unknown naming mode %q", ns.Mode)
	}
	if ns.Mode == naming.ModeCustom && ns.BaseURL == "" {
		return errors.New("custom naming mode needs a base URL")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set("naming.mode", string(ns.Mode))
	s.v.Set("naming.base_url", ns.BaseURL)
	s.v.Set("naming.api_key", ns.APIKey)
	s.v.Set("naming.model", ns.Model)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
