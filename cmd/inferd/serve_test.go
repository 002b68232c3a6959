package main

import (
	"testing"
	"time"

	"inferd/internal/config"
)

func TestApplyOverrides(t *testing.T) {
	cmd := newServeCommand()
	for flag, val := range map[string]string{
		"addr":            ":9999",
		"max-queue-depth": "7",
		"request-timeout": "90s",
		"log-level":       "debug",
	} {
		if err := cmd.Flags().Set(flag, val); err != nil {
			t.Fatalf("set %s: %v", flag, err)
		}
	}

	o := &serveOptions{
		addr:           ":9999",
		maxQueueDepth:  7,
		requestTimeout: 90 * time.Second,
		logLevel:       "debug",
	}
	cfg := config.Default()
	applyOverrides(cmd, o, &cfg)

	if cfg.Addr != ":9999" || cfg.MaxQueueDepth != 7 || cfg.LogLevel != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.RequestTimeout.Std() != 90*time.Second {
		t.Errorf("timeout override not applied: %v", cfg.RequestTimeout.Std())
	}
	// Untouched keys keep their defaults.
	if cfg.ModelsDir != config.Default().ModelsDir {
		t.Errorf("models dir changed unexpectedly: %q", cfg.ModelsDir)
	}
}

func TestApplyOverridesSkipsUnsetFlags(t *testing.T) {
	cmd := newServeCommand()
	o := &serveOptions{maxQueueDepth: 99}
	cfg := config.Default()
	applyOverrides(cmd, o, &cfg)
	if cfg.MaxQueueDepth != config.Default().MaxQueueDepth {
		t.Errorf("unset flag overrode config: %d", cfg.MaxQueueDepth)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("INFERD_TEST_KEY", "from-env")
	if got := envOr("INFERD_TEST_KEY", "fallback"); got != "from-env" {
		t.Errorf("envOr = %q", got)
	}
	if got := envOr("INFERD_TEST_KEY_UNSET", "fallback"); got != "fallback" {
		t.Errorf("envOr fallback = %q", got)
	}
}
