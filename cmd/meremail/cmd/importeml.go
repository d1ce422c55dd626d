package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meremail/meremail/internal/importer"
	"github.com/meremail/meremail/internal/store"
)

var importEMLFolder string

var importEMLCmd = &cobra.Command{
	Use:   "import-eml <path>...",
	Short: "Import .eml files into the archive",
	Long: `Import raw RFC 5322 .eml files into the meremail archive.

Each path may be a single .eml file or a directory, which is walked
recursively. Messages are deduplicated by Message-ID, threaded, and
run through the screener and rules exactly like mail arriving over
IMAP.

Examples:
  meremail import-eml ~/mail-export/
  meremail import-eml --folder Sent ~/sent-export/`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		imp := importer.New(st, logger, cfg.Data.DataDir, cfg.Data.EMLBackupEnabled)

		var imported, skipped, failed int
		importFile := func(path string) {
			raw, err := os.ReadFile(path)
			if err != nil {
				logger.Error("read failed", "path", path, "error", err)
				failed++
				return
			}
			msg, err := importer.BuildImportable(raw, importEMLFolder, 0, nil)
			if err != nil {
				logger.Error("parse failed", "path", path, "error", err)
				failed++
				return
			}
			res, err := imp.Import(msg)
			if err != nil {
				logger.Error("import failed", "path", path, "error", err)
				failed++
				return
			}
			if res.Imported {
				imported++
			} else {
				skipped++
			}
		}

		for _, root := range args {
			walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if cmd.Context().Err() != nil {
					return cmd.Context().Err()
				}
				if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".eml") {
					return nil
				}
				importFile(path)
				return nil
			})
			if walkErr != nil {
				return walkErr
			}
		}

		out := cmd.OutOrStdout()
		if failed > 0 {
			fmt.Fprintln(out, "Import complete (with errors).")
		} else {
			fmt.Fprintln(out, "Import complete.")
		}
		fmt.Fprintf(out, "  Imported:      %d messages\n", imported)
		fmt.Fprintf(out, "  Skipped (dup): %d messages\n", skipped)
		fmt.Fprintf(out, "  Errors:        %d\n", failed)

		if failed > 0 {
			return fmt.Errorf("import completed with %d errors", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importEMLCmd)

	importEMLCmd.Flags().StringVar(
		&importEMLFolder, "folder", "INBOX",
		"IMAP folder name to record on imported messages",
	)
}
