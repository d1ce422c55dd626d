package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meremail/meremail/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", cfg.DatabasePath())
		fmt.Printf("  Contacts:    %d\n", stats.ContactCount)
		fmt.Printf("  Threads:     %d\n", stats.ThreadCount)
		fmt.Printf("  Messages:    %d\n", stats.MessageCount)
		fmt.Printf("  Attachments: %d\n", stats.AttachmentCount)
		fmt.Printf("  Rules:       %d\n", stats.RuleCount)
		fmt.Printf("  Size:        %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
