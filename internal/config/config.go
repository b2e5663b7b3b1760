// Package config loads runtime configuration for a memo-node daemon.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for a memo-node daemon.
// Precedence: CLI flags > environment variables > user config file > defaults.
type Config struct {
	NodeID string

	AudioServiceUUID        string
	AudioCharacteristicUUID string

	TranscriptionModel   string
	TranscriptionThreads int

	StoragePath string

	SyncPort     int
	SyncInterval int // seconds between pull-sync rounds

	WebSocketPort int
	ListenAddress string
	HTTPSEndpoint string // optional outbound webhook URL

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultTranscriptionThreads = 4
	defaultSyncPort             = 7700
	defaultSyncInterval         = 30
	defaultWebSocketPort        = 7701
	defaultListenAddress        = "0.0.0.0"
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
)

// envPrefix is the prefix for all memo-node environment variables.
const envPrefix = "MEMO_NODE_"

// Load parses configuration from CLI flags, environment variables, and the
// user config file, in that precedence order (flags win, then env, then
// file, then built-in defaults).
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("memonoded", flag.ContinueOnError)

	fs.StringVar(&cfg.NodeID, "node-id", defaultNodeID(), "unique identifier for this node")
	fs.StringVar(&cfg.AudioServiceUUID, "audio-service-uuid", "", "BLE GATT service UUID advertised by the wearable device")
	fs.StringVar(&cfg.AudioCharacteristicUUID, "audio-characteristic-uuid", "", "BLE GATT characteristic UUID carrying opus bundles")
	fs.StringVar(&cfg.TranscriptionModel, "transcription-model", "base.en", "speech-to-text model name")
	fs.IntVar(&cfg.TranscriptionThreads, "transcription-threads", defaultTranscriptionThreads, "worker threads given to the speech-to-text engine")
	fs.StringVar(&cfg.StoragePath, "storage-path", defaultStoragePath(), "path to the sqlite database file")
	fs.IntVar(&cfg.SyncPort, "sync-port", defaultSyncPort, "TCP port for the peer replication server")
	fs.IntVar(&cfg.SyncInterval, "sync-interval", defaultSyncInterval, "seconds between pull-sync rounds with each known peer")
	fs.IntVar(&cfg.WebSocketPort, "websocket-port", defaultWebSocketPort, "TCP port for the realtime transcription websocket")
	fs.StringVar(&cfg.ListenAddress, "listen-address", defaultListenAddress, "bind address for the websocket and sync servers")
	fs.StringVar(&cfg.HTTPSEndpoint, "https-endpoint", "", "optional HTTPS endpoint to POST transcriptions to")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	applyFileOverrides(set, cfg)
	applyEnvOverrides(set, cfg)

	cfg.StoragePath = expandHome(cfg.StoragePath)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyFileOverrides reads KEY=VALUE lines from the user config file, if
// present, and applies them to any field not already set via CLI flag.
// This is the middle layer of the flags > env > file > defaults precedence.
func applyFileOverrides(set map[string]bool, cfg *Config) {
	path := userConfigPath()
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	applyMap(set, cfg, func(flagName string) (string, bool) {
		v, ok := values[flagName]
		return v, ok
	})
}

// applyEnvOverrides checks environment variables for any flag not explicitly
// provided on the command line.
func applyEnvOverrides(set map[string]bool, cfg *Config) {
	applyMap(set, cfg, func(flagName string) (string, bool) {
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		v, ok := os.LookupEnv(envVar)
		return v, ok && v != ""
	})
}

// applyMap is the shared field-setting logic used by both the file and env
// override layers; lookup resolves a flag name to a raw string value.
func applyMap(set map[string]bool, cfg *Config, lookup func(flagName string) (string, bool)) {
	fields := []struct {
		name string
		set  func(string)
	}{
		{"node-id", func(v string) { cfg.NodeID = v }},
		{"audio-service-uuid", func(v string) { cfg.AudioServiceUUID = v }},
		{"audio-characteristic-uuid", func(v string) { cfg.AudioCharacteristicUUID = v }},
		{"transcription-model", func(v string) { cfg.TranscriptionModel = v }},
		{"transcription-threads", func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.TranscriptionThreads = n
			}
		}},
		{"storage-path", func(v string) { cfg.StoragePath = v }},
		{"sync-port", func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.SyncPort = n
			}
		}},
		{"sync-interval", func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.SyncInterval = n
			}
		}},
		{"websocket-port", func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.WebSocketPort = n
			}
		}},
		{"listen-address", func(v string) { cfg.ListenAddress = v }},
		{"https-endpoint", func(v string) { cfg.HTTPSEndpoint = v }},
		{"log-level", func(v string) { cfg.LogLevel = v }},
		{"log-format", func(v string) { cfg.LogFormat = v }},
	}

	for _, f := range fields {
		if set[f.name] {
			continue
		}
		if v, ok := lookup(f.name); ok {
			f.set(v)
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node-id must not be empty")
	}
	if c.SyncPort < 1 || c.SyncPort > 65535 {
		return fmt.Errorf("sync-port must be between 1 and 65535, got %d", c.SyncPort)
	}
	if c.WebSocketPort < 1 || c.WebSocketPort > 65535 {
		return fmt.Errorf("websocket-port must be between 1 and 65535, got %d", c.WebSocketPort)
	}
	if c.SyncPort == c.WebSocketPort {
		return fmt.Errorf("sync-port and websocket-port must differ, both %d", c.SyncPort)
	}
	if c.SyncInterval < 1 {
		return fmt.Errorf("sync-interval must be positive, got %d", c.SyncInterval)
	}
	if c.TranscriptionThreads < 1 {
		return fmt.Errorf("transcription-threads must be positive, got %d", c.TranscriptionThreads)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// WebhookConfigured reports whether an outbound HTTPS endpoint is set.
func (c *Config) WebhookConfigured() bool {
	return c.HTTPSEndpoint != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "memo-node"
	}
	return hostname
}

func defaultStoragePath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "./memo-node.db"
	}
	return filepath.Join(dir, ".local", "share", "memo-node", "memo-node.db")
}

// expandHome resolves a leading "~" in path to the current user's home
// directory, matching the spec's storage.path convention.
func expandHome(path string) string {
	if path == "~" {
		if dir, err := os.UserHomeDir(); err == nil {
			return dir
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if dir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(dir, path[2:])
		}
	}
	return path
}

func userConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "memo-node", "config.toml")
}
