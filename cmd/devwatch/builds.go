package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"devwatch/internal/journal"
)

var (
	buildsJournalPath string
	buildsLimit       int
)

var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "Show recent build results from the journal",
	RunE:  runBuilds,
}

func init() {
	buildsCmd.Flags().StringVar(&buildsJournalPath, "journal", ".devwatch/journal.db", "Path to the build journal database")
	buildsCmd.Flags().IntVar(&buildsLimit, "limit", 20, "Maximum number of records to show")
}

func runBuilds(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(buildsJournalPath)
	if err != nil {
		return err
	}
	jrnl, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	records, err := jrnl.RecentBuilds(context.Background(), buildsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No build records.")
		return nil
	}

	for _, rec := range records {
		status := "ok"
		if !rec.Ok {
			status = "failed"
		}
		fmt.Printf("%s  %-8s %-20s", rec.RecordedAt.Format("2006-01-02 15:04:05"), status, rec.Handle)
		if rec.BatchID != "" {
			fmt.Printf("  %s", rec.BatchID)
		}
		fmt.Println()
		if rec.Error != "" {
			fmt.Printf("    %s\n", rec.Error)
		}
	}
	return nil
}
