package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lotas/tabtree/internal/llm"
	"github.com/lotas/tabtree/internal/naming"
)

func TestDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Port() != DefaultPort {
		t.Errorf("Port = %d", s.Port())
	}
	want := naming.Settings{Mode: naming.ModeBuiltin, BaseURL: "https://api.openai.com/v1", Model: "gpt-3.5-turbo"}
	if diff := cmp.Diff(want, s.Naming()); diff != "" {
		t.Errorf("naming (-want +got):\n%s", diff)
	}
	if s.NamingTimeout() != 8*time.Second {
		t.Errorf("NamingTimeout = %v", s.NamingTimeout())
	}
	if s.BuiltinURL() != llm.DefaultBuiltinURL || s.BuiltinCooldown() != time.Minute {
		t.Errorf("builtin = %q, %v", s.BuiltinURL(), s.BuiltinCooldown())
	}
	if diff := cmp.Diff(llm.DefaultModels, s.BuiltinModels()); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}
	dir, err := s.DataDir()
	if err != nil || !strings.HasSuffix(dir, filepath.Join(".local", "share", "tabtree")) {
		t.Errorf("DataDir = %q, %v", dir, err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 20000

[data]
dir = "/var/lib/tabtree"

[naming]
mode = "custom"
base_url = "http://localhost:11434/v1"
model = "llama3"
timeout = "3s"

[builtin]
models = ["a", "b"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Port() != 20000 {
		t.Errorf("Port = %d", s.Port())
	}
	if dir, _ := s.DataDir(); dir != "/var/lib/tabtree" {
		t.Errorf("DataDir = %q", dir)
	}
	got := s.Naming()
	if got.Mode != naming.ModeCustom || got.BaseURL != "http://localhost:11434/v1" || got.Model != "llama3" {
		t.Errorf("Naming = %+v", got)
	}
	if s.NamingTimeout() != 3*time.Second {
		t.Errorf("NamingTimeout = %v", s.NamingTimeout())
	}
	if diff := cmp.Diff([]string{"a", "b"}, s.BuiltinModels()); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[naming\nmode = "), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABTREE_NAMING_MODE", "local")
	t.Setenv("TABTREE_PORT", "21000")

	s, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Naming().Mode != naming.ModeLocal {
		t.Errorf("Mode = %q", s.Naming().Mode)
	}
	if s.Port() != 21000 {
		t.Errorf("Port = %d", s.Port())
	}
}

func TestSetNamingPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := naming.Settings{Mode: naming.ModeCustom, BaseURL: "https://api.example.com/v1", APIKey: "sk-1", Model: "m"}
	if err := s.SetNaming(want); err != nil {
		t.Fatalf("SetNaming: %v", err)
	}
	if diff := cmp.Diff(want, s.Naming()); diff != "" {
		t.Errorf("live read (-want +got):\n%s", diff)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if diff := cmp.Diff(want, reloaded.Naming()); diff != "" {
		t.Errorf("after reload (-want +got):\n%s", diff)
	}
}

func TestSetNamingValidates(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "config.toml"))
	tests := []naming.Settings{
		{Mode: "clever"},
		{Mode: naming.ModeCustom},
	}
	for _, ns := range tests {
		if err := s.SetNaming(ns); err == nil {
			t.Errorf("SetNaming(%+v) should fail", ns)
		}
	}
	if s.Naming().Mode != naming.ModeBuiltin {
		t.Errorf("rejected settings were applied: %+v", s.Naming())
	}
}
