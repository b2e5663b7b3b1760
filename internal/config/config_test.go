package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"MEMO_NODE_NODE_ID", "MEMO_NODE_SYNC_PORT", "MEMO_NODE_WEBSOCKET_PORT",
		"MEMO_NODE_SYNC_INTERVAL", "MEMO_NODE_LOG_LEVEL", "MEMO_NODE_STORAGE_PATH",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	os.Args = []string{"memonoded", "--node-id", "pi-one"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SyncPort != defaultSyncPort {
		t.Errorf("SyncPort = %d, want %d", cfg.SyncPort, defaultSyncPort)
	}
	if cfg.WebSocketPort != defaultWebSocketPort {
		t.Errorf("WebSocketPort = %d, want %d", cfg.WebSocketPort, defaultWebSocketPort)
	}
	if cfg.SyncInterval != defaultSyncInterval {
		t.Errorf("SyncInterval = %d, want %d", cfg.SyncInterval, defaultSyncInterval)
	}
	if cfg.TranscriptionThreads != defaultTranscriptionThreads {
		t.Errorf("TranscriptionThreads = %d, want %d", cfg.TranscriptionThreads, defaultTranscriptionThreads)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"memonoded", "--node-id", "pi-one"}
	t.Setenv("MEMO_NODE_SYNC_PORT", "9090")
	t.Setenv("MEMO_NODE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SyncPort != 9090 {
		t.Errorf("SyncPort = %d, want 9090", cfg.SyncPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"memonoded", "--node-id", "pi-one", "--sync-port", "3000", "--log-level", "warn"}
	t.Setenv("MEMO_NODE_SYNC_PORT", "9090")
	t.Setenv("MEMO_NODE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SyncPort != 3000 {
		t.Errorf("SyncPort = %d, want 3000 (CLI should override env)", cfg.SyncPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateMissingNodeID(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"memonoded", "--node-id", ""}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for empty node-id, got nil")
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"memonoded", "--node-id", "pi-one", "--sync-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidatePortCollision(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"memonoded", "--node-id", "pi-one", "--sync-port", "7700", "--websocket-port", "7700"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when sync-port and websocket-port collide")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"memonoded", "--node-id", "pi-one", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
