package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/cipherroom/internal/auth"
	"github.com/Tyrowin/cipherroom/internal/server"
)

// newTokenCmd mints a bearer token with the server's secret, for local
// development and smoke tests.
func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		username string
		userID   string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a username",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if userID == "" {
				userID = uuid.NewString()
			}

			verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(auth.Identity{UserID: userID, Username: username}, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "username the token vouches for")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id claim (random when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}
