package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("expected default port 8765, got %d", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "localhost:8765" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr())
	}
	if cfg.Queue.MaxAttempts != 1 {
		t.Errorf("expected retries disabled by default, got %d attempts", cfg.Queue.MaxAttempts)
	}
	if cfg.Notion.Version == "" || cfg.Notion.BaseURL == "" {
		t.Error("expected notion transport defaults")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9999
notion:
  token: file-token
  databaseId: db-1
  requestTimeout: 5s
redis:
  enabled: true
  receiptTTL: 1h
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LS_NOTION_TOKEN", "env-token")
	t.Setenv("LS_KAFKA_BROKERS", "a:1,b:2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port from file, got %d", cfg.Server.Port)
	}
	if cfg.Notion.Token != "env-token" {
		t.Errorf("expected env override, got %q", cfg.Notion.Token)
	}
	if cfg.Notion.RequestTimeout != 5*time.Second {
		t.Errorf("expected 5s request timeout, got %v", cfg.Notion.RequestTimeout)
	}
	if !cfg.Redis.Enabled || cfg.Redis.ReceiptTTL != time.Hour {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := Load("")
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error without token and database id")
	}
	for _, want := range []string{"notion.token", "notion.databaseId"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}

	cfg.Notion.Token = "t"
	cfg.Notion.DatabaseID = "d"
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("expected port error, got %v", err)
	}
}
