package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/ratelimit"
	"github.com/Tyrowin/cipherroom/internal/server"
)

// flagKeys binds command flags to config keys.
var flagKeys = map[string]string{
	"port":             server.KeyPort,
	"allowed-origins":  server.KeyAllowedOrigins,
	"max-message-size": server.KeyMaxMessageSize,
	"jwt-secret":       server.KeyJWTSecret,
	"jwt-issuer":       server.KeyJWTIssuer,
	"redis-addr":       server.KeyRedisAddr,
	"database":         server.KeyDatabasePath,
	"admin-token":      server.KeyAdminToken,
	"dev":              server.KeyLogDevelopment,
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:          "cipherroom",
		Short:        "Relay server for end-to-end encrypted chat rooms",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := newLogger(cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			code := run(cmd.Context(), cfg, log)
			if code != 0 {
				return fmt.Errorf("server exited with code %d", code)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("port", "", "listen address, e.g. :8080")
	flags.String("allowed-origins", "", "comma separated WebSocket origins, * for any")
	flags.Int64("max-message-size", 0, "maximum inbound frame size in bytes")
	flags.String("jwt-secret", "", "HS256 secret used to verify bearer tokens")
	flags.String("jwt-issuer", "", "required token issuer")
	flags.String("redis-addr", "", "redis address for shared rate limits; empty uses memory")
	flags.String("database", "", "sqlite path for the room archive; empty disables it")
	flags.String("admin-token", "", "bearer token for the admin endpoints; empty disables them")
	flags.Bool("dev", false, "human readable development logging")

	server.SetDefaults(v)
	for flag, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(newTokenCmd(v))
	return root
}

// initConfig reads the config file when one is given. Flags and the
// environment override it.
func initConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newLimiter returns the Redis backed limiter when an address is configured
// and the in-memory one otherwise. The second return value is the sweeper to
// run for the memory backend.
func newLimiter(ctx context.Context, addr string, log *zap.Logger) (ratelimit.Limiter, *ratelimit.Memory, func() error, error) {
	if addr == "" {
		mem := ratelimit.NewMemory(ratelimit.WithLogger(log))
		return mem, mem, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	log.Info("using redis rate limiter", zap.String("addr", addr))
	return ratelimit.NewRedis(client, "cipherroom:ratelimit:"), nil, client.Close, nil
}
