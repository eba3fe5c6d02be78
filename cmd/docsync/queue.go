package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-docsync/network"
)

func (a *app) newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline queue",
	}
	cmd.AddCommand(a.newQueueStatusCmd(), a.newQueueDrainCmd(), a.newQueueClearCmd())
	return cmd
}

func (a *app) newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue size, oldest operation and last drain metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.openClient(cmd.Context(), network.NewManualSource(false))
			if err != nil {
				return err
			}
			defer client.Close()

			status := client.OfflineQueueStatus(cmd.Context())
			if a.jsonOutput {
				return a.printJSON(status)
			}

			fmt.Fprintf(a.out, "Queued operations: %d\n", status.QueueSize)
			if op := status.OldestOperation; op != nil {
				fmt.Fprintf(a.out, "Oldest: %s %s (%s priority, queued %s, %d retries)\n",
					op.Type(), op.Path, op.Priority,
					time.UnixMilli(op.QueuedAt).Format(time.RFC3339), op.RetryCount)
			}
			if m := status.Metrics; m != nil {
				fmt.Fprintf(a.out, "Last drain: %s, %d total, %d succeeded, %d rescheduled, %d dropped, avg %.1fms\n",
					time.UnixMilli(m.LastProcessedAt).Format(time.RFC3339),
					m.TotalOperations, m.SucceededOperations, m.RescheduledOperations,
					m.FailedOperations, m.AverageProcessingTime)
			}
			return nil
		},
	}
}

func (a *app) newQueueDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations against the server once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.openClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			metrics, err := client.ProcessOfflineQueue(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(metrics)
			}
			fmt.Fprintf(a.out, "Drained %d operations: %d succeeded, %d rescheduled, %d dropped, %d pending\n",
				metrics.TotalOperations, metrics.SucceededOperations, metrics.RescheduledOperations,
				metrics.FailedOperations, metrics.PendingOperations)
			return nil
		},
	}
}

func (a *app) newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.openClient(cmd.Context(), network.NewManualSource(false))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.ClearOfflineQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Offline queue cleared")
			return nil
		},
	}
}
