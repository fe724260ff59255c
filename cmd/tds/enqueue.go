package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/schema"
	"github.com/tidesync/tidesync/internal/ui"
)

var (
	enqueueKind     string
	enqueuePayload  string
	enqueueKey      string
	enqueueTenant   string
	enqueueUser     string
	enqueuePriority int
	enqueueVersion  int64
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "sync",
	Short:   "Enqueue a mutation into the durable queue",
	Long: `Persist a mutation for the next sync pass. The idempotency key
guards against double application: re-running the same enqueue within
the TTL window reports the original result instead of queueing again.`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()

		q := queue.New(st, nil)
		id, err := q.Enqueue(context.Background(), &schema.Mutation{
			Kind:           enqueueKind,
			Payload:        json.RawMessage(enqueuePayload),
			IdempotencyKey: enqueueKey,
			BaseVersion:    enqueueVersion,
			Priority:       enqueuePriority,
			TenantID:       enqueueTenant,
			UserID:         enqueueUser,
		})
		if err != nil {
			var dup *queue.DuplicateOperationError
			if errors.As(err, &dup) {
				fmt.Printf("%s Already applied; stored result: %s\n",
					ui.RenderWarn("!"), string(dup.Result))
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Enqueued %s\n", ui.RenderSuccess("✓"), ui.RenderAccent(id))
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "", "operation discriminator, e.g. equipment.updated")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "JSON payload")
	enqueueCmd.Flags().StringVar(&enqueueKey, "key", "", "idempotency key")
	enqueueCmd.Flags().StringVar(&enqueueTenant, "tenant", "default", "tenant")
	enqueueCmd.Flags().StringVar(&enqueueUser, "user", "cli", "user")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 5, "priority, 1 highest to 10 lowest")
	enqueueCmd.Flags().Int64Var(&enqueueVersion, "base-version", 0, "last-known server version")
	enqueueCmd.MarkFlagRequired("kind")
	enqueueCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(enqueueCmd)
}
