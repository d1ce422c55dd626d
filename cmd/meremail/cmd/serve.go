package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meremail/meremail/internal/api"
	"github.com/meremail/meremail/internal/imap"
	"github.com/meremail/meremail/internal/importer"
	"github.com/meremail/meremail/internal/rules"
	"github.com/meremail/meremail/internal/scheduler"
	"github.com/meremail/meremail/internal/sendqueue"
	"github.com/meremail/meremail/internal/smtp"
	"github.com/meremail/meremail/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mail server",
	Long: `Run meremail as a long-running daemon.

The daemon runs in the foreground and performs:
  - IMAP IDLE on the primary folder plus periodic sweeps of the
    auxiliary folders, importing new mail as it arrives
  - Outgoing delivery through the SMTP relay with retry backoff
  - Daily database backup and trash/junk retention cleanup
  - HTTP API server on the configured port (default: 8080)

Credentials come from config.toml or the environment; see the README
for the full list of settings.

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	// A rule application that survived a restart in pending or running
	// state was interrupted; it will not resume.
	if n, err := st.FailStaleApplications(time.Now()); err != nil {
		logger.Warn("failed to reap stale rule applications", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted rule applications failed", "count", n)
	}

	imp := importer.New(st, logger, cfg.Data.DataDir, cfg.Data.EMLBackupEnabled)

	imapCfg := &imap.Config{
		Host:          cfg.IMAP.Host,
		Port:          cfg.IMAP.Port,
		TLS:           cfg.IMAP.Secure,
		STARTTLS:      !cfg.IMAP.Secure,
		Username:      cfg.IMAP.Username,
		Password:      cfg.IMAP.Password,
		PrimaryFolder: cfg.IMAP.PrimaryFolder,
	}
	syncState, err := imap.LoadSyncState(cfg.Data.DataDir)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	ingester := imap.NewIngester(imapCfg, imp, logger)
	poller := imap.NewPoller(imapCfg, imp, syncState, logger)

	relay := smtp.NewClient(&smtp.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Secure:   cfg.SMTP.Secure,
	})
	queue := sendqueue.New(st, relay, logger, cfg.Data.DataDir, cfg.SMTP.Username,
		smtp.Address{Name: cfg.Sender.Name, Email: cfg.Sender.Email})

	sched, err := scheduler.New(st, logger, cfg.Data.DataDir)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	apiServer := api.NewServer(cfg, st, rules.NewRunner(st, logger), logger, cfg.Data.DataDir)

	fmt.Printf("meremail started\n")
	fmt.Printf("  API server: http://127.0.0.1:%d\n", cfg.Server.Port)
	fmt.Printf("  IMAP:       %s (primary folder %s)\n", imapCfg.Addr(), cfg.IMAP.PrimaryFolder)
	fmt.Printf("  Data:       %s\n", cfg.Data.DataDir)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return ingester.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("Shutdown complete.")
	return nil
}
