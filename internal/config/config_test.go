package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8790 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Realtime.PongWait != 60*time.Second {
		t.Errorf("pong wait = %v", cfg.Realtime.PongWait)
	}
	if len(cfg.Realtime.NotificationEvents) != 3 {
		t.Errorf("notification events = %v", cfg.Realtime.NotificationEvents)
	}
	if cfg.Chat.EchoPolicy != "content" {
		t.Errorf("echo policy = %q", cfg.Chat.EchoPolicy)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.FilePath == "" {
		t.Errorf("database = %+v", cfg.Database)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := []byte(`
chat:
  echo_policy: id
  echo_window: 3s
realtime:
  reconnect:
    max_attempts: 5
`)
	if err := os.WriteFile(filepath.Join(dir, "config", "config.yaml"), yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Setenv("BACKEND_URL", "https://api.example.test")
	t.Setenv("DERMA_SESSION_PUBLIC_ROUTES", "/login, /signup")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.EchoPolicy != "id" || cfg.Chat.EchoWindow != 3*time.Second {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Realtime.Reconnect.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Realtime.Reconnect.MaxAttempts)
	}
	if cfg.Backend.BaseURL != "https://api.example.test" {
		t.Errorf("base url = %q", cfg.Backend.BaseURL)
	}
	if got := cfg.Session.PublicRoutes; len(got) != 2 || got[1] != "/signup" {
		t.Errorf("public routes = %v", got)
	}
}
