package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/KuroShiba3/task-planning-agent/config"
	srv "github.com/KuroShiba3/task-planning-agent/internal/server"
)

func tokenCMD() *cobra.Command {
	var subject string
	var ttl time.Duration
	var cfgPath string

	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured")
			}
			signed, err := srv.SignJWT(subject, []byte(cfg.Server.JWTSecret), ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "operator", "token subject claim")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return token
}
