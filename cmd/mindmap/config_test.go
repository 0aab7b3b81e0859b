package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubenschmidt/mindmap/internal/session"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("explicit missing file should fail, got %+v", cfg)
	}

	t.Chdir(t.TempDir())
	cfg, err = loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != "8000" || cfg.Session.Capacity != session.DefaultCapacity || cfg.Hume.MaxAttempts != 30 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Session.Interval != session.DefaultInterval || cfg.Hume.JobTimeout != 5*time.Minute {
		t.Errorf("durations = %v, %v", cfg.Session.Interval, cfg.Hume.JobTimeout)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindmap.yaml")
	yaml := "server:\n  port: \"9000\"\nsession:\n  capacity: 50\n  interval: 250ms\nhume:\n  max_attempts: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HUME_API_KEY", "secret")
	t.Setenv("SESSION_CAPACITY", "75")
	t.Setenv("TRACE_DRIVER", "sqlite")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != "9000" || cfg.Hume.MaxAttempts != 5 || cfg.Session.Interval != 250*time.Millisecond {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Session.Capacity != 75 || cfg.Hume.APIKey != "secret" || cfg.Trace.Driver != "sqlite" {
		t.Errorf("env values not applied: %+v", cfg)
	}
	if !cfg.humeClient().Configured() {
		t.Error("hume client should be configured from HUME_API_KEY")
	}
}
