package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, WindowLimit{Max: 5, Window: time.Minute}, cfg.EventLimits[EventRequestJoin])
	assert.Equal(t, 5*time.Minute, cfg.UploadTokenTTL)
	assert.Error(t, cfg.Validate(), "a jwt secret is required")
}

func TestSanitize(t *testing.T) {
	cfg := Config{
		Port:           "9090",
		AllowedOrigins: []string{" http://a.example ", "", "http://b.example"},
		EventLimits: map[string]WindowLimit{
			EventRequestJoin: {Max: 2, Window: time.Second},
			EventCreateRoom:  {Max: 0, Window: time.Second},
		},
	}.sanitize()

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, DefaultConfig().MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, DefaultConfig().RateLimit, cfg.RateLimit)
	assert.Equal(t, WindowLimit{Max: 2, Window: time.Second}, cfg.EventLimits[EventRequestJoin])
	assert.Equal(t, DefaultEventLimits()[EventCreateRoom], cfg.EventLimits[EventCreateRoom], "invalid limits fall back")
	assert.Equal(t, DefaultEventLimits()[EventSendMessage], cfg.EventLimits[EventSendMessage])
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("SERVER_PORT", ":7000")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "9")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("UPLOAD_TOKEN_TTL", "90s")

	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, RateLimitConfig{Burst: 9, RefillInterval: 3 * time.Second}, cfg.RateLimit)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 90*time.Second, cfg.UploadTokenTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cipherroom.yaml")
	content := `
port: ":6000"
allowed_origins:
  - http://a.example
  - "*"
jwt_secret: from-file
event_limits:
  request-join:
    max: 1
    window: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "*"}, cfg.AllowedOrigins)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, WindowLimit{Max: 1, Window: 30 * time.Second}, cfg.EventLimits[EventRequestJoin])
	assert.Equal(t, DefaultEventLimits()[EventCreateRoom], cfg.EventLimits[EventCreateRoom])
}

func TestParseInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseInterval("5"))
	assert.Equal(t, 1500*time.Millisecond, parseInterval("1.5s"))
	assert.Zero(t, parseInterval(""))
	assert.Zero(t, parseInterval("-1"))
	assert.Zero(t, parseInterval("soon"))
}
