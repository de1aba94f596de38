package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/buildbox/internal/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed JWT for the HTTP, WebSocket and MCP gateways",
	Long: `Issue an HS256 bearer token signed with the configured JWT secret
(gateways.http.jwt.secret or BUILDBOX_JWT_SECRET).`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "user", "", "user ID to put in the token subject (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if cfg.Gateways.HTTP == nil || cfg.Gateways.HTTP.JWT == nil || cfg.Gateways.HTTP.JWT.Secret == "" {
		return fmt.Errorf("no JWT secret configured: set gateways.http.jwt.secret or BUILDBOX_JWT_SECRET")
	}
	jc := cfg.Gateways.HTTP.JWT
	a, err := auth.New(auth.Config{JWTSecret: jc.Secret, Issuer: jc.Issuer, Audience: jc.Audience})
	if err != nil {
		return err
	}
	token, err := a.IssueToken(tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
