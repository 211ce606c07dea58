// Package config reads the environment into one struct. Flags in cmd take
// precedence; the environment covers deployments that cannot pass flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const configDirName = ".config/tidemux"

// Backend selects how shell sessions are created.
type Backend string

const (
	// BackendTmux runs shells inside the private tmux server so they
	// survive a server restart.
	BackendTmux Backend = "tmux"
	// BackendPty runs shells on a raw pty owned by this process.
	BackendPty Backend = "pty"
)

type Config struct {
	Host            string
	Port            int
	DBPath          string
	TriggersPath    string
	Token           string
	AllowNonLoop    bool
	AllowedOrigins  []string
	Backend         Backend
	Shell           string
	NoOpen          bool
	TOTPSecret      string
	TSNetHostname   string
	WorkingGrace    time.Duration
	ReadyTraceSize  int
	ReadyTraceLog   bool
	SlackWebhookURL string
}

// Dir returns the config directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	dir := filepath.Join(home, configDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// FromEnv builds the config from TIDEMUX_* variables, filling defaults for
// anything unset. A missing token is generated fresh per process.
func FromEnv() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:           envOr("TIDEMUX_HOST", "127.0.0.1"),
		Port:           envInt("TIDEMUX_PORT", 7070),
		DBPath:         envOr("TIDEMUX_DB", filepath.Join(dir, "tidemux.db")),
		TriggersPath:   envOr("TIDEMUX_TRIGGERS", filepath.Join(dir, "triggers.yaml")),
		Token:          os.Getenv("TIDEMUX_TOKEN"),
		AllowNonLoop:   envBool("TIDEMUX_ALLOW_NON_LOOPBACK"),
		Backend:        Backend(envOr("TIDEMUX_BACKEND", string(BackendTmux))),
		Shell:          envOr("TIDEMUX_SHELL", defaultShell()),
		NoOpen:         envBool("TIDEMUX_NO_OPEN"),
		TOTPSecret:     os.Getenv("TIDEMUX_TOTP_SECRET"),
		TSNetHostname:  os.Getenv("TIDEMUX_TSNET_HOSTNAME"),
		WorkingGrace:   time.Duration(envInt("TIDEMUX_WORKING_GRACE_MS", 0)) * time.Millisecond,
		ReadyTraceSize: envInt("TIDEMUX_READY_TRACE_SIZE", 0),
		ReadyTraceLog:  envBool("TIDEMUX_READY_TRACE_LOG"),
	}
	cfg.SlackWebhookURL = os.Getenv("TIDEMUX_SLACK_WEBHOOK")

	if origins := os.Getenv("TIDEMUX_WS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	switch cfg.Backend {
	case BackendTmux, BackendPty:
	default:
		return Config{}, fmt.Errorf("bad TIDEMUX_BACKEND %q (want tmux or pty)", cfg.Backend)
	}

	if cfg.Token == "" {
		cfg.Token, err = randomToken()
		if err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Loopback reports whether the configured host binds loopback only.
func (c Config) Loopback() bool {
	return c.Host == "127.0.0.1" || c.Host == "::1" || c.Host == "localhost"
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
