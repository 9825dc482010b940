package main

import (
	"fmt"

	"github.com/spf13/cobra"

	collaberrors "github.com/erdlab/collab/internal/errors"
	"github.com/erdlab/collab/pkg/auth"
)

func tokenCmd() *cobra.Command {
	var (
		configDir string
		secret    string
		name      string
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed access token",
		Long: `Mint a signed access token for a user, for development and testing.

The token is signed with the same secret the server verifies against and
printed to stdout.

Examples:
  collabd token alice
  collabd token alice --name="Alice P." --secret=dev-secret`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(configDir, secret, args[0], name)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "Directory containing collabd.json")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (overrides collabd.json)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name embedded in the token")

	return cmd
}

func runToken(configDir, secret, userID, name string) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	if secret != "" {
		cfg.Auth.Secret = secret
	}

	secretBytes, err := cfg.Secret()
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(secretBytes)
	if err != nil {
		return collaberrors.FromError(err, "E201")
	}

	token, err := verifier.Issue(auth.Identity{UserID: userID, DisplayName: name}, cfg.TokenTTL())
	if err != nil {
		return collaberrors.New("E203").Wrap(err)
	}
	fmt.Println(token)
	return nil
}
