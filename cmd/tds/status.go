package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/config"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "ops",
	Short:   "Show queue and conflict statistics",
	Long: `Print the durable queue's status counts, the age of the oldest
pending mutation, and conflict counts by severity.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()
		ctx := context.Background()

		stats, err := st.GetMutationStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.RenderHeader("Mutation queue"))
		if len(stats.ByStatus) == 0 {
			fmt.Printf("  %s\n", ui.RenderMuted("empty"))
		}
		for _, status := range []string{"pending", "processing", "completed", "failed", "conflict"} {
			count, ok := stats.ByStatus[status]
			if !ok {
				continue
			}
			marker := ui.RenderAccent("•")
			switch status {
			case "failed":
				marker = ui.RenderError("•")
			case "conflict":
				marker = ui.RenderWarn("•")
			case "completed":
				marker = ui.RenderSuccess("•")
			}
			fmt.Printf("  %s %-12s %d\n", marker, status, count)
		}
		if stats.OldestPendingAge > 0 {
			fmt.Printf("  %s oldest pending: %v\n", ui.RenderMuted("›"), stats.OldestPendingAge.Round(1e9))
		}
		if stats.RetriedCount > 0 {
			fmt.Printf("  %s retried at least once: %d\n", ui.RenderMuted("›"), stats.RetriedCount)
		}

		severities, err := st.CountConflictsBySeverity(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading conflict stats: %v\n", err)
			os.Exit(1)
		}
		if len(severities) > 0 {
			fmt.Println(ui.RenderHeader("Conflicts by severity"))
			for _, sev := range []string{"critical", "high", "medium", "low"} {
				if count, ok := severities[sev]; ok {
					fmt.Printf("  %s %-10s %d\n", ui.RenderWarn("•"), sev, count)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// openStore opens the configured durable store or exits.
func openStore() *store.Store {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}
