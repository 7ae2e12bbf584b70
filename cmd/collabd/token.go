package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/collabd/internal/config"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

// newTokenCmd mints a credential for local testing. The signing secret
// comes from the same config the server reads.
func newTokenCmd(configPath *string) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a credential for a principal",
		Long: `Issue a signed credential for the given email. The principal must also
exist in the identity store for the server to accept it.

Examples:
  # Issue a token and connect with it
  collabd token --email alice@example.com
  websocat "ws://localhost:3000/ws?token=$(collabd token --email alice@example.com)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			email = strings.TrimSpace(email)
			if email == "" {
				return reportErr(cmd, errors.New("--email is required"))
			}
			tokens, err := loadTokens(*configPath)
			if err != nil {
				return reportErr(cmd, err)
			}
			token, err := tokens.Issue(email)
			if err != nil {
				return reportErr(cmd, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "principal email to embed in the token")
	return cmd
}

// newRevokeCmd adds a token to the shared denylist, the same way
// POST /api/v1/logout does.
func newRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithFile(*configPath)
			if err != nil {
				return reportErr(cmd, fmt.Errorf("loading config: %w", err))
			}
			tokens, err := tokensFrom(cfg)
			if err != nil {
				return reportErr(cmd, err)
			}

			b := &backends{}
			defer b.Close()
			if err := connectKV(cfg, b); err != nil {
				return reportErr(cmd, err)
			}

			a := auth.NewAuthenticator(tokens, b.kv, nil, auth.WithCache(b.kv))
			if err := a.Revoke(cmd.Context(), args[0]); err != nil {
				return reportErr(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", auth.Fingerprint(args[0]))
			return nil
		},
	}
}

func loadTokens(configPath string) (*auth.Tokens, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return tokensFrom(cfg)
}

func tokensFrom(cfg *config.Config) (*auth.Tokens, error) {
	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret.Value(), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	return tokens, nil
}
