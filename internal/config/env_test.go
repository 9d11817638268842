package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("SPECGUILD_API_KEY", "secret")

	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.HTTPPort != "3100" {
		t.Errorf("HTTPPort = %q, want 3100", env.HTTPPort)
	}
	if env.IdleCompleteAfter != 10*time.Minute {
		t.Errorf("IdleCompleteAfter = %s, want 10m", env.IdleCompleteAfter)
	}
	if env.IdleFailAfter != 20*time.Minute {
		t.Errorf("IdleFailAfter = %s, want 20m", env.IdleFailAfter)
	}
	if env.PushEnabled() {
		t.Error("push should be disabled without VAPID keys")
	}
}

func TestLoadEnvRequiresAPIKey(t *testing.T) {
	// envconfig only checks presence, so the variable has to be unset.
	t.Setenv("SPECGUILD_API_KEY", "")
	os.Unsetenv("SPECGUILD_API_KEY")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestLoadEnvRejectsInvertedIdleThresholds(t *testing.T) {
	t.Setenv("SPECGUILD_API_KEY", "secret")
	t.Setenv("SPECGUILD_IDLE_COMPLETE_AFTER", "30m")
	t.Setenv("SPECGUILD_IDLE_FAIL_AFTER", "20m")
	if _, err := LoadEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		e := &BaseEnv{LogLevel: tt.in}
		if got := e.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
