package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the per-connection frame flood guard.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// WindowLimit is a fixed-window quota: at most Max hits per Window.
type WindowLimit struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// EventLimits gates individual socket events, keyed by event name and
	// counted per username.
	EventLimits    map[string]WindowLimit
	HandshakeLimit WindowLimit
	SweepInterval  time.Duration

	JWTSecret string
	JWTIssuer string

	RedisAddr      string
	DatabasePath   string
	AdminToken     string
	UploadTokenTTL time.Duration

	ShutdownTimeout time.Duration
	LogDevelopment  bool
}

// DefaultEventLimits returns the quotas applied to rate-gated events.
func DefaultEventLimits() map[string]WindowLimit {
	return map[string]WindowLimit{
		EventCreateRoom:         {Max: 10, Window: time.Minute},
		EventRequestJoin:        {Max: 5, Window: time.Minute},
		EventSendMessage:        {Max: 60, Window: 10 * time.Second},
		EventScreenshotDetected: {Max: 10, Window: time.Minute},
		EventRequestUploadToken: {Max: 20, Window: time.Minute},
	}
}

// DefaultConfig returns a Config populated with default values for all
// settings.
func DefaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		EventLimits:     DefaultEventLimits(),
		HandshakeLimit:  WindowLimit{Max: 30, Window: time.Minute},
		SweepInterval:   time.Minute,
		JWTIssuer:       "cipherroom",
		UploadTokenTTL:  5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// sanitize replaces unusable values with defaults.
func (c Config) sanitize() Config {
	def := DefaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	limits := DefaultEventLimits()
	for event, l := range c.EventLimits {
		if l.Max > 0 && l.Window > 0 {
			limits[event] = l
		}
	}
	c.EventLimits = limits

	if c.HandshakeLimit.Max <= 0 || c.HandshakeLimit.Window <= 0 {
		c.HandshakeLimit = def.HandshakeLimit
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.UploadTokenTTL <= 0 {
		c.UploadTokenTTL = def.UploadTokenTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	return c
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (set JWT_SECRET or --jwt-secret)")
	}
	return nil
}

// Config keys shared by the command's flags, the config file and the
// environment.
const (
	KeyPort                    = "port"
	KeyAllowedOrigins          = "allowed_origins"
	KeyMaxMessageSize          = "max_message_size"
	KeyRateLimitBurst          = "rate_limit_burst"
	KeyRateLimitRefillInterval = "rate_limit_refill_interval"
	KeyEventLimits             = "event_limits"
	KeyHandshakeMax            = "handshake_limit_max"
	KeyHandshakeWindow         = "handshake_limit_window"
	KeySweepInterval           = "sweep_interval"
	KeyJWTSecret               = "jwt_secret"
	KeyJWTIssuer               = "jwt_issuer"
	KeyRedisAddr               = "redis_addr"
	KeyDatabasePath            = "database_path"
	KeyAdminToken              = "admin_token"
	KeyUploadTokenTTL          = "upload_token_ttl"
	KeyShutdownTimeout         = "shutdown_timeout"
	KeyLogDevelopment          = "log_development"
)

// envNames maps keys whose environment variable is not simply the upper-cased
// key.
var envNames = map[string]string{
	KeyPort: "SERVER_PORT",
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault(KeyPort, def.Port)
	v.SetDefault(KeyAllowedOrigins, strings.Join(def.AllowedOrigins, ","))
	v.SetDefault(KeyMaxMessageSize, def.MaxMessageSize)
	v.SetDefault(KeyRateLimitBurst, def.RateLimit.Burst)
	v.SetDefault(KeyRateLimitRefillInterval, def.RateLimit.RefillInterval.String())
	v.SetDefault(KeyHandshakeMax, def.HandshakeLimit.Max)
	v.SetDefault(KeyHandshakeWindow, def.HandshakeLimit.Window.String())
	v.SetDefault(KeySweepInterval, def.SweepInterval.String())
	v.SetDefault(KeyJWTSecret, "")
	v.SetDefault(KeyJWTIssuer, def.JWTIssuer)
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyDatabasePath, "")
	v.SetDefault(KeyAdminToken, "")
	v.SetDefault(KeyUploadTokenTTL, def.UploadTokenTTL.String())
	v.SetDefault(KeyShutdownTimeout, def.ShutdownTimeout.String())
	v.SetDefault(KeyLogDevelopment, false)

	v.AutomaticEnv()
	for key, env := range envNames {
		_ = v.BindEnv(key, env)
	}
}

// LoadConfig builds a sanitized Config from v.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:           v.GetString(KeyPort),
		MaxMessageSize: v.GetInt64(KeyMaxMessageSize),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt(KeyRateLimitBurst),
			RefillInterval: parseInterval(v.GetString(KeyRateLimitRefillInterval)),
		},
		HandshakeLimit: WindowLimit{
			Max:    v.GetInt(KeyHandshakeMax),
			Window: parseInterval(v.GetString(KeyHandshakeWindow)),
		},
		SweepInterval:   parseInterval(v.GetString(KeySweepInterval)),
		JWTSecret:       v.GetString(KeyJWTSecret),
		JWTIssuer:       v.GetString(KeyJWTIssuer),
		RedisAddr:       v.GetString(KeyRedisAddr),
		DatabasePath:    v.GetString(KeyDatabasePath),
		AdminToken:      v.GetString(KeyAdminToken),
		UploadTokenTTL:  parseInterval(v.GetString(KeyUploadTokenTTL)),
		ShutdownTimeout: parseInterval(v.GetString(KeyShutdownTimeout)),
		LogDevelopment:  v.GetBool(KeyLogDevelopment),
	}

	// Flags and the environment carry one comma separated string; a config
	// file may carry a list.
	if raw, ok := v.Get(KeyAllowedOrigins).(string); ok {
		cfg.AllowedOrigins = parseOrigins(raw)
	} else {
		cfg.AllowedOrigins = v.GetStringSlice(KeyAllowedOrigins)
	}

	if v.IsSet(KeyEventLimits) {
		var limits map[string]WindowLimit
		if err := v.UnmarshalKey(KeyEventLimits, &limits); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", KeyEventLimits, err)
		}
		cfg.EventLimits = limits
	}

	return cfg.sanitize(), nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseInterval accepts a Go duration or a bare number of seconds. Invalid
// values yield zero so sanitize can apply the default.
func parseInterval(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return 0
}
