package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/erdlab/collab/internal/config"
	collaberrors "github.com/erdlab/collab/internal/errors"
	"github.com/erdlab/collab/pkg/auth"
	"github.com/erdlab/collab/pkg/metrics"
	"github.com/erdlab/collab/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configDir string
		addr      string
		secret    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		Long: `Start the collaboration server.

Configuration is read from collabd.json in the working directory (or the
directory given by --config); a missing file falls back to defaults, in
which case the signing secret must come from --secret or COLLABD_SECRET.

Examples:
  collabd serve
  collabd serve --config=/etc/collabd
  collabd serve --addr=:9000 --secret=dev-secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configDir, addr, secret)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "Directory containing collabd.json")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides collabd.json)")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (overrides collabd.json)")

	return cmd
}

func runServe(configDir, addr, secret string) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if secret != "" {
		cfg.Auth.Secret = secret
	} else if env := os.Getenv("COLLABD_SECRET"); env != "" && cfg.Auth.Secret == "" && cfg.Auth.SecretFile == "" {
		cfg.Auth.Secret = env
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	secretBytes, err := cfg.Secret()
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(secretBytes)
	if err != nil {
		return collaberrors.FromError(err, "E201")
	}

	serverConfig, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	presenceConfig, err := cfg.PresenceConfig()
	if err != nil {
		return err
	}

	metrics.Init(metrics.Config{})

	srv := server.New(serverConfig, verifier, presenceConfig, logger)
	if err := srv.Run(); err != nil {
		return collaberrors.New("E301").Wrap(err)
	}
	return nil
}

// loadConfig reads collabd.json when present and falls back to defaults
// otherwise; an invalid file is always an error.
func loadConfig(dir string) (*config.Config, error) {
	if !config.Exists(dir) {
		return config.New(), nil
	}
	return config.Load(dir)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
