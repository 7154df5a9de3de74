package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Setenv("TEST_DISCORD_TOKEN", "tok-123")
	path := writeConfig(t, `
discord:
  token: ${TEST_DISCORD_TOKEN}
provider:
  keys: [sk-a, "  ", sk-b]
  temperature: 0.2
  top_p: 0.9
  frequency_penalty: null
  stream: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.Token != "tok-123" {
		t.Errorf("token = %q, env not expanded", cfg.Discord.Token)
	}
	if !slices.Equal(cfg.Provider.Keys, []string{"sk-a", "sk-b"}) {
		t.Errorf("keys = %q", cfg.Provider.Keys)
	}
	if cfg.Provider.Temperature == nil || *cfg.Provider.Temperature != 0.2 {
		t.Errorf("temperature = %v", cfg.Provider.Temperature)
	}
	if cfg.Provider.TopP == nil || *cfg.Provider.TopP != 0.9 {
		t.Errorf("top_p = %v", cfg.Provider.TopP)
	}
	if cfg.Provider.FrequencyPenalty != nil {
		t.Errorf("explicit null should clear frequency_penalty, got %v", *cfg.Provider.FrequencyPenalty)
	}
	if cfg.Provider.Stream {
		t.Error("stream: false not applied")
	}
	if cfg.Provider.Model != "gpt-4o-mini" || cfg.Discord.TypingInterval != 10*time.Second {
		t.Errorf("defaults not merged: model=%q typing=%v", cfg.Provider.Model, cfg.Discord.TypingInterval)
	}
	if cfg.Completion.HistoryBudget != 3072 {
		t.Errorf("history_budget = %d, want 0.75*4096", cfg.Completion.HistoryBudget)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
discord:
  token: x
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing token", "provider: {name: openai}\n", "discord.token"},
		{"bad provider", "discord: {token: x}\nprovider: {name: cohere}\n", "provider.name"},
		{"bad ratio", "discord: {token: x}\ncompletion: {shape_ratio: 1.5}\n", "shape_ratio"},
		{"bad unit", "discord: {token: x}\ncompletion: {length_unit: words}\n", "length_unit"},
		{"bad format", "discord: {token: x}\nlogging: {format: xml}\n", "logging.format"},
		{"newer version", "version: 9\ndiscord: {token: x}\n", "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadKeysFile(t *testing.T) {
	path := writeConfig(t, `
discord: {token: x}
provider:
  keys: [ignored]
  keys_file: keys.txt
`)
	keysPath := filepath.Join(filepath.Dir(path), "keys.txt")
	if err := os.WriteFile(keysPath, []byte("# pool\nsk-1\n\nsk-2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.KeysFile != keysPath {
		t.Errorf("keys_file = %q, want %q", cfg.Provider.KeysFile, keysPath)
	}
	if !slices.Equal(cfg.Provider.Keys, []string{"sk-1", "sk-2"}) {
		t.Errorf("keys = %q", cfg.Provider.Keys)
	}
}

func TestStorePersistsIntoConfig(t *testing.T) {
	t.Setenv("TEST_KEY_ONE", "sk-one")
	path := writeConfig(t, `# relay settings
discord:
  token: ${DISCORD_TOKEN} # from env
provider:
  model: gpt-4o
  keys:
    - ${TEST_KEY_ONE}
    - sk-two
    - sk-three
`)

	store := NewStore(path, "")
	if err := store.PersistCredentials(context.Background(), []string{"sk-one", "sk-three", "sk-four"}); err != nil {
		t.Fatalf("PersistCredentials() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	got := string(data)
	for _, want := range []string{"# relay settings", "${DISCORD_TOKEN}", "# from env", "${TEST_KEY_ONE}", "- sk-three", "- sk-four", "model: gpt-4o"} {
		if !strings.Contains(got, want) {
			t.Errorf("persisted config lost %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "sk-two") || strings.Contains(got, "sk-one") {
		t.Errorf("evicted key or expanded secret written:\n%s", got)
	}

	t.Setenv("DISCORD_TOKEN", "x")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !slices.Equal(cfg.Provider.Keys, []string{"sk-one", "sk-three", "sk-four"}) {
		t.Errorf("reloaded keys = %q", cfg.Provider.Keys)
	}
}

func TestStorePersistsEmptyPool(t *testing.T) {
	path := writeConfig(t, "discord:\n  token: x\n")
	store := NewStore(path, "")
	if err := store.PersistCredentials(context.Background(), nil); err != nil {
		t.Fatalf("PersistCredentials() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Provider.Keys) != 0 {
		t.Errorf("keys = %q", cfg.Provider.Keys)
	}
}

func TestStorePersistsKeysFile(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys.txt")
	store := NewStore(filepath.Join(dir, "relay.yaml"), keysPath)
	if store.Path() != keysPath {
		t.Errorf("Path() = %q", store.Path())
	}

	if err := store.PersistCredentials(context.Background(), []string{"sk-1", "sk-3"}); err != nil {
		t.Fatal(err)
	}
	keys, err := ReadKeysFile(keysPath)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(keys, []string{"sk-1", "sk-3"}) {
		t.Errorf("keys = %q", keys)
	}
	info, _ := os.Stat(keysPath)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("keys file mode = %v", info.Mode().Perm())
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "relay.yaml")

	written, err := WriteDefault(path, false)
	if err != nil || !written {
		t.Fatalf("WriteDefault() = %v, %v", written, err)
	}
	written, err = WriteDefault(path, false)
	if err != nil || written {
		t.Errorf("second WriteDefault() = %v, %v; want existing file kept", written, err)
	}

	t.Setenv("DISCORD_TOKEN", "tok")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(default) error = %v", err)
	}

	want := Default()
	want.Discord.Token = "tok"
	want.Provider.Keys = []string{"sk-env"}
	want.Completion.HistoryBudget = 3072
	if cfg.Provider.Model != want.Provider.Model ||
		*cfg.Provider.Temperature != *want.Provider.Temperature ||
		cfg.Provider.TopP != nil ||
		cfg.Delivery != want.Delivery ||
		cfg.Attachments != want.Attachments ||
		cfg.Logging != want.Logging ||
		cfg.Observability != want.Observability ||
		cfg.Completion != want.Completion ||
		!slices.Equal(cfg.Provider.Keys, want.Provider.Keys) {
		t.Errorf("default file drifted from Default():\n%+v", cfg)
	}
}

func TestWatcher(t *testing.T) {
	path := writeConfig(t, "discord: {token: x}\n")
	other := filepath.Join(filepath.Dir(path), "other.txt")

	var calls atomic.Int32
	w := &Watcher{Files: []string{path}, Debounce: 20 * time.Millisecond, OnChange: func() { calls.Add(1) }}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
	_ = os.WriteFile(other, []byte("ignored"), 0o600)
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("unrelated file triggered OnChange")
	}

	if err := NewStore(path, "").PersistCredentials(context.Background(), []string{"sk-new"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("OnChange not called after config write")
	}
}

func TestReadSkipsValidation(t *testing.T) {
	path := writeConfig(t, "provider:\n  keys: [sk-1]\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject a config without a token")
	}
	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !slices.Equal(cfg.Provider.Keys, []string{"sk-1"}) {
		t.Errorf("keys = %q", cfg.Provider.Keys)
	}
}
