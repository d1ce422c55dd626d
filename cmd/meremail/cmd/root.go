package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/meremail/meremail/internal/config"
	"github.com/meremail/meremail/internal/fileutil"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meremail",
	Short: "Personal mail server",
	Long: `meremail is a single-user mail server that archives an IMAP
account into a local SQLite database, screens new senders into buckets,
applies filtering rules, and sends outgoing mail through an SMTP relay.

The serve command runs the whole system: IMAP ingestion, the send
queue, daily maintenance, and the HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Data directory holds the database, attachments, and backups;
		// it must exist and stay private to the user.
		if err := fileutil.SecureMkdirAll(cfg.Data.DataDir, 0700); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.meremail/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
