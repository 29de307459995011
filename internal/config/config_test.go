package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  group_log: -100200300
  poll_timeout: "10s"
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    min_level: "warn"
    rate_per_sec: 1
reddit:
  client_id: "cid"
  client_secret: "secret"
  user_agent: "subwatch/1.0"
watcher:
  interval: "10s"
  subscription_timeout: "5s"
  retry_backoff: "20s"
  fetch_limit: 5
storage:
  driver: "file"
  path: "./subs.json"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.GroupLog != -100200300 {
		t.Fatalf("group_log = %d", cfg.Telegram.GroupLog)
	}
	if cfg.Watcher.FetchLimit != 5 {
		t.Fatalf("fetch_limit = %d", cfg.Watcher.FetchLimit)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nsubreddits: []\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Watcher.Interval = "ten seconds"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Reddit.ClientSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing credential error")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv(envTelegramToken, "999:env")
	t.Setenv(envRedditClientSecret, "env-secret")

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Reddit.ClientSecret != "env-secret" {
		t.Fatalf("client_secret = %q", cfg.Reddit.ClientSecret)
	}
	// Fields without an override keep the file value.
	if cfg.Reddit.ClientID != "cid" {
		t.Fatalf("client_id = %q", cfg.Reddit.ClientID)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	oldCfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	newCfg := *oldCfg
	newCfg.Watcher.Interval = "30s"
	newCfg.Logging.Level = "debug"

	changed, _ := SummarizeChange(oldCfg, &newCfg)
	want := map[string]bool{"logging": true, "watcher": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q", c)
		}
	}
}
