package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devwatch",
	Short: "devwatch - development-mode extension build watcher",
	Long:  `devwatch keeps an application's extensions continuously built while you edit their sources, and streams processed change batches to local consumers.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(buildsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
