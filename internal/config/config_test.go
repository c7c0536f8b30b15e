package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaultsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.NitterInstances) == 0 {
		t.Fatal("expected default instances to be populated")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
}

func TestLoadReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	const body = `{"storage_path": "custom.db", "nitter_instances": ["https://a.example"], "max_requests_per_instance_per_minute": 5, "backoff_base_seconds": 3, "enable_sse": false}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoragePath != "custom.db" {
		t.Errorf("unexpected storage path: %q", cfg.StoragePath)
	}
	if cfg.EnableSSE {
		t.Error("expected enable_sse to be false")
	}
	if cfg.MaxRequestsPerInstancePerMinute != 5 {
		t.Errorf("unexpected max requests: %d", cfg.MaxRequestsPerInstancePerMinute)
	}
}

func TestLoadEnvFileDoesNotOverrideExistingEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FOO=from-file\nBAR=\"quoted\"\n# a comment\n\nBAZ=plain\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	os.Setenv("FOO", "from-environment")
	defer os.Unsetenv("FOO")
	defer os.Unsetenv("BAR")
	defer os.Unsetenv("BAZ")

	LoadEnvFile(path)

	if os.Getenv("FOO") != "from-environment" {
		t.Errorf("expected existing env var to win, got %q", os.Getenv("FOO"))
	}
	if os.Getenv("BAR") != "quoted" {
		t.Errorf("expected quotes to be stripped, got %q", os.Getenv("BAR"))
	}
	if os.Getenv("BAZ") != "plain" {
		t.Errorf("unexpected BAZ value: %q", os.Getenv("BAZ"))
	}
}

func TestLoadEnvFileMissingFileIsNotAnError(t *testing.T) {
	LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env"))
}
