package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 1000, cfg.MaxMessageLength)
	assert.Equal(t, 50, cfg.MaxUsernameLength)
	assert.Equal(t, 100, cfg.MaxRoomNameLength)
	assert.Equal(t, 50, cfg.MessageRate.Max)
	assert.Equal(t, time.Minute, cfg.MessageRate.Window)
	assert.Equal(t, 10, cfg.JoinRate.Max)
	assert.Equal(t, 100, cfg.MaxMessageHistory)
	assert.True(t, cfg.EnablePersistence)
	assert.Equal(t, 15*time.Minute, cfg.EditWindow)
	assert.Equal(t, time.Hour, cfg.DeleteWindow)
	assert.Equal(t, 3*time.Second, cfg.TypingTimeout)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("MAX_MESSAGE_LENGTH", "500")
	t.Setenv("MAX_MESSAGES_PER_WINDOW", "20")
	t.Setenv("RATE_LIMIT_WINDOW", "30000")
	t.Setenv("ENABLE_MESSAGE_PERSISTENCE", "false")
	t.Setenv("PERSIST_DIR", "/tmp/relay-data")
	t.Setenv("DEFAULT_ROOMS", "Lobby,Support")

	cfg := FromEnv()

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 500, cfg.MaxMessageLength)
	assert.Equal(t, 20, cfg.MessageRate.Max)
	assert.Equal(t, 30*time.Second, cfg.MessageRate.Window, "a bare integer is milliseconds")
	assert.Equal(t, 30*time.Second, cfg.JoinRate.Window, "both limiters share the window")
	assert.False(t, cfg.EnablePersistence)
	assert.Equal(t, "/tmp/relay-data", cfg.PersistDir)
	assert.Equal(t, []string{"Lobby", "Support"}, cfg.DefaultRooms)
}

func TestFromEnvDurationSyntax(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "45s")
	cfg := FromEnv()
	assert.Equal(t, 45*time.Second, cfg.MessageRate.Window)
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_MESSAGE_LENGTH", "not-a-number")
	t.Setenv("MAX_CONNECTIONS_PER_IP", "-3")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	t.Setenv("ENABLE_MESSAGE_PERSISTENCE", "perhaps")

	cfg := FromEnv()
	def := New()

	assert.Equal(t, def.MaxMessageLength, cfg.MaxMessageLength)
	assert.Equal(t, def.MaxConnectionsPerIP, cfg.MaxConnectionsPerIP)
	assert.Equal(t, def.MessageRate.Window, cfg.MessageRate.Window)
	assert.Equal(t, def.EnablePersistence, cfg.EnablePersistence)
}

func TestSanitizeClampsInvalidValues(t *testing.T) {
	cfg := &Config{
		MaxMessageLength: -1,
		MessageRate:      RateLimitConfig{Max: 0, Window: -time.Second},
		EditWindow:       -time.Minute,
	}
	cfg.Sanitize()
	def := New()

	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, def.MaxMessageLength, cfg.MaxMessageLength)
	assert.Equal(t, def.MessageRate, cfg.MessageRate)
	assert.Equal(t, def.JoinRate, cfg.JoinRate)
	assert.Equal(t, def.EditWindow, cfg.EditWindow)
	assert.Equal(t, def.TypingTimeout, cfg.TypingTimeout)
}
