package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/admin"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long:  "token signs an HS256 token with the configured api.jwt_secret.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.API.JWTSecret == "" {
			return errors.New("api.jwt_secret is not set")
		}
		tok, err := admin.IssueToken([]byte(cfg.API.JWTSecret), tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Token lifetime")
}
