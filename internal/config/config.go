// Package config provides configuration loading for the hub.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the hub.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	TLSEnabled    bool
	TLSCertPath   string
	TLSKeyPath    string
	TLSSelfSigned bool

	// Auth settings
	JWTCookieName  string
	LicensePath    string
	ActivateWindow time.Duration
	ActivateMax    int
	NoAuth         bool

	// Storage
	DataDir       string
	DBPath        string
	ScrollbackDir string
	HooksDir      string

	// Scheduler / idle settings
	MaxConcurrentSessions int
	DispatchInterval      time.Duration
	IdlePollInterval      time.Duration
	IdleThreshold         time.Duration

	// Tunnel Manager settings
	SSHKeepaliveInterval time.Duration
	SSHBackoffInitial    time.Duration
	SSHBackoffMax        time.Duration
	SSHDialTimeout       time.Duration

	// Port scanner settings
	PortScanInterval time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSBackpressureCap int

	// PTY settings
	DefaultShell string
	DefaultRows  int
	DefaultCols  int

	ScrollbackFlushInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	agentideDir := filepath.Join(home, ".agentide")

	cfg := &Config{
		Port:           getEnvInt("PORT", 3000),
		Host:           getEnv("HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		TLSEnabled:    getEnvBool("TLS", false),
		TLSCertPath:   getEnv("TLS_CERT", filepath.Join(agentideDir, "tls", "cert.pem")),
		TLSKeyPath:    getEnv("TLS_KEY", filepath.Join(agentideDir, "tls", "key.pem")),
		TLSSelfSigned: getEnvBool("TLS_SELF_SIGNED", false),

		JWTCookieName:  getEnv("JWT_COOKIE_NAME", "agentide_session"),
		LicensePath:    getEnv("LICENSE_PATH", filepath.Join(agentideDir, "license.key")),
		ActivateWindow: getEnvDuration("ACTIVATE_RATE_WINDOW", 15*time.Minute),
		ActivateMax:    getEnvInt("ACTIVATE_RATE_MAX", 5),

		DataDir:       getEnv("DATA_DIR", "."),
		DBPath:        getEnv("DB_PATH", "c3.db"),
		ScrollbackDir: getEnv("SCROLLBACK_DIR", "scrollback"),
		HooksDir:      getEnv("HOOKS_DIR", ".c3-hooks"),

		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 4),
		DispatchInterval:      getEnvDuration("DISPATCH_INTERVAL", 500*time.Millisecond),
		IdlePollInterval:      getEnvDuration("IDLE_POLL_INTERVAL", 2*time.Second),
		IdleThreshold:         getEnvDuration("IDLE_THRESHOLD", 8*time.Second),

		SSHKeepaliveInterval: getEnvDuration("SSH_KEEPALIVE_INTERVAL", 30*time.Second),
		SSHBackoffInitial:    getEnvDuration("SSH_BACKOFF_INITIAL", 1*time.Second),
		SSHBackoffMax:        getEnvDuration("SSH_BACKOFF_MAX", 60*time.Second),
		SSHDialTimeout:       getEnvDuration("SSH_DIAL_TIMEOUT", 10*time.Second),

		PortScanInterval: getEnvDuration("PORT_SCAN_INTERVAL", 5*time.Second),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
		WSBackpressureCap: getEnvInt("WS_BACKPRESSURE_CAP", 4*1024*1024),

		DefaultShell: getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:  getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:  getEnvInt("DEFAULT_COLS", 80),

		ScrollbackFlushInterval: getEnvDuration("SCROLLBACK_FLUSH_INTERVAL", 2*time.Second),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}

	return cfg, nil
}

// IsLoopback reports whether host is a loopback bind address, per the
// authRequired derivation rule (127.0.0.1/::1 -> no auth required).
func IsLoopback(host string) bool {
	h := strings.TrimSpace(host)
	return h == "127.0.0.1" || h == "::1" || h == "localhost" || h == ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
