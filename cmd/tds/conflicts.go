package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "ops",
	Short:   "Inspect and approve conflict resolutions",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client overrides awaiting approval",
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()

		pending, err := st.ListPendingApprovalConflicts(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			fmt.Printf("%s No conflicts awaiting approval\n", ui.RenderSuccess("✓"))
			return
		}

		fmt.Println(ui.RenderHeader("Pending approval"))
		for _, c := range pending {
			fmt.Printf("  %s %s  mutation=%s  severity=%s  fields=%v\n",
				ui.RenderWarn("•"), ui.RenderAccent(c.ID), c.MutationID, c.Severity, c.ConflictingFields)
		}
	},
}

var approveBy string

var conflictsApproveCmd = &cobra.Command{
	Use:   "approve <conflict-id>",
	Short: "Approve a pending client override",
	Long: `Commit an approved client override: the conflict's client data is
recorded as the apply result and the parked mutation completes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()

		q := queue.New(st, nil)
		mutationID, err := q.ApproveOverride(context.Background(), args[0], approveBy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Approved %s, mutation %s completed\n",
			ui.RenderSuccess("✓"), ui.RenderAccent(args[0]), ui.RenderAccent(mutationID))
	},
}

func init() {
	conflictsApproveCmd.Flags().StringVar(&approveBy, "by", "", "approver identity")
	conflictsApproveCmd.MarkFlagRequired("by")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsApproveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
