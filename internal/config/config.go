// Package config loads the typed configuration that bootstraps the fetch
// orchestration engine: gateway instances, rate limits, storage paths, and
// the optional target seed list.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nitterfetch/nitterfetch/internal/model"
)

// Config holds every recognised configuration key.
type Config struct {
	StoragePath                     string              `json:"storage_path"`
	LogPath                         string              `json:"log_path"`
	NitterInstances                 []string            `json:"nitter_instances"`
	UserAgent                       string              `json:"user_agent"`
	MaxRequestsPerInstancePerMinute int                 `json:"max_requests_per_instance_per_minute"`
	BackoffBaseSeconds              int                 `json:"backoff_base_seconds"`
	EnableSSE                       bool                `json:"enable_sse"`
	KeepOnlyLastNPerTarget          *int                `json:"keep_only_last_n_per_target,omitempty"`
	Targets                         []model.SeedTarget  `json:"targets,omitempty"`
}

// defaults mirrors the values a freshly-created config.json would carry,
// in the teacher's "ship a working example file" idiom.
func defaults() Config {
	return Config{
		StoragePath:                     "nitterfetch.db",
		LogPath:                         "nitterfetch.log",
		NitterInstances:                 []string{"https://nitter.net"},
		UserAgent:                       "nitterfetch/1.0",
		MaxRequestsPerInstancePerMinute: 20,
		BackoffBaseSeconds:              2,
		EnableSSE:                       true,
	}
}

// Load reads a JSON config file at path, writing out the defaults first if
// the file does not yet exist — matching the original scraper's
// config.json/config.example.json bootstrap.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaults(path); err != nil {
			return Config{}, fmt.Errorf("write default config: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func writeDefaults(path string) error {
	data, err := json.MarshalIndent(defaults(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadEnvFile loads KEY=value pairs from a .env-style file into the
// process environment, skipping keys already set. It does not error if
// the file is absent — env overlays are optional.
//
// Kept close to the teacher's own loader: a small, self-contained parser
// that already fits this repo's idiom.
func LoadEnvFile(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
