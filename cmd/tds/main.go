// Command tds is the tidesync CLI: it runs the sync daemon and offers
// operational subcommands against the local durable queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tds",
	Short: "Hybrid online/offline synchronization engine",
	Long: `tds keeps a client working while disconnected: mutations are queued
durably with idempotency keys, reconciled with the server of record on
reconnect, and conflicts are resolved deterministically. Server events
stream back over a live channel with ordered backfill.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".tidesync/config.yaml",
		"path to the configuration file")

	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Sync commands"})
	rootCmd.AddGroup(&cobra.Group{ID: "ops", Title: "Operational commands"})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
