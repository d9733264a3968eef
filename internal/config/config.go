// Package config defines runtime defaults, validation limits, and
// rate-limiting parameters for the relay, loaded from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines a sliding-window limit: at most Max events per
// Window for a given key.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

// Config holds every tunable the relay consumes. It is built once at process
// start (or per test) and passed by reference; nothing reads it globally.
type Config struct {
	Port           string
	AllowedOrigins []string

	MaxConnectionsPerIP int
	MaxMessageLength    int
	MaxUsernameLength   int
	MaxRoomNameLength   int

	MessageRate RateLimitConfig
	JoinRate    RateLimitConfig

	MaxMessageHistory int
	EnablePersistence bool
	PersistDir        string

	DefaultRooms []string

	EditWindow    time.Duration
	DeleteWindow  time.Duration
	TypingTimeout time.Duration
}

// New returns a Config populated with defaults for every setting.
func New() *Config {
	return &Config{
		Port:           ":8080",
		AllowedOrigins: []string{"*"},

		MaxConnectionsPerIP: 10,
		MaxMessageLength:    1000,
		MaxUsernameLength:   50,
		MaxRoomNameLength:   100,

		MessageRate: RateLimitConfig{Max: 50, Window: time.Minute},
		JoinRate:    RateLimitConfig{Max: 10, Window: time.Minute},

		MaxMessageHistory: 100,
		EnablePersistence: true,
		PersistDir:        "data",

		DefaultRooms: []string{"General", "Tech Talk", "Random", "Gaming", "Music"},

		EditWindow:    15 * time.Minute,
		DeleteWindow:  time.Hour,
		TypingTimeout: 3 * time.Second,
	}
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset or unparseable.
func FromEnv() *Config {
	cfg := New()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}

	cfg.MaxConnectionsPerIP = envInt("MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP)
	cfg.MaxMessageLength = envInt("MAX_MESSAGE_LENGTH", cfg.MaxMessageLength)
	cfg.MaxUsernameLength = envInt("MAX_USERNAME_LENGTH", cfg.MaxUsernameLength)
	cfg.MaxRoomNameLength = envInt("MAX_ROOM_NAME_LENGTH", cfg.MaxRoomNameLength)

	window := envDuration("RATE_LIMIT_WINDOW", cfg.MessageRate.Window)
	cfg.MessageRate = RateLimitConfig{
		Max:    envInt("MAX_MESSAGES_PER_WINDOW", cfg.MessageRate.Max),
		Window: window,
	}
	cfg.JoinRate = RateLimitConfig{
		Max:    envInt("MAX_JOINS_PER_WINDOW", cfg.JoinRate.Max),
		Window: window,
	}

	cfg.MaxMessageHistory = envInt("MAX_MESSAGE_HISTORY", cfg.MaxMessageHistory)
	cfg.EnablePersistence = envBool("ENABLE_MESSAGE_PERSISTENCE", cfg.EnablePersistence)
	if dir := os.Getenv("PERSIST_DIR"); dir != "" {
		cfg.PersistDir = dir
	}
	if rooms := os.Getenv("DEFAULT_ROOMS"); rooms != "" {
		cfg.DefaultRooms = parseList(rooms)
	}

	return cfg
}

// Sanitize clamps invalid values back to defaults so a misconfigured
// environment cannot disable validation entirely.
func (c *Config) Sanitize() {
	def := New()
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = def.MaxMessageLength
	}
	if c.MaxUsernameLength <= 0 {
		c.MaxUsernameLength = def.MaxUsernameLength
	}
	if c.MaxRoomNameLength <= 0 {
		c.MaxRoomNameLength = def.MaxRoomNameLength
	}
	if c.MessageRate.Max <= 0 {
		c.MessageRate.Max = def.MessageRate.Max
	}
	if c.MessageRate.Window <= 0 {
		c.MessageRate.Window = def.MessageRate.Window
	}
	if c.JoinRate.Max <= 0 {
		c.JoinRate.Max = def.JoinRate.Max
	}
	if c.JoinRate.Window <= 0 {
		c.JoinRate.Window = def.JoinRate.Window
	}
	if c.MaxMessageHistory <= 0 {
		c.MaxMessageHistory = def.MaxMessageHistory
	}
	if c.EditWindow <= 0 {
		c.EditWindow = def.EditWindow
	}
	if c.DeleteWindow <= 0 {
		c.DeleteWindow = def.DeleteWindow
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = def.TypingTimeout
	}
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
