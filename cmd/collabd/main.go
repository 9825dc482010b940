package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	collaberrors "github.com/erdlab/collab/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabd",
		Short: "Real-time collaboration server for shared diagram documents",
		Long: `collabd is the synchronization server behind the shared diagram editor.

It owns the authoritative version of every open document, orders and
broadcasts accepted operations, rejects conflicting edits, and tracks
who is online in each document:

  • Versioned operation log with conflict detection
  • Presence, cursor, and activity propagation
  • Session resumption across reconnects
  • Prometheus metrics on /metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		tokenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, collaberrors.Sprint(err))
		os.Exit(1)
	}
}
