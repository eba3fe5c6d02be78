package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-docsync/network"
)

func (a *app) newWatchCmd() *cobra.Command {
	var reconnectMax time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow server connectivity and drain the queue on every reconnect",
		Long: `watch keeps a WebSocket connection to the server's /ws endpoint. While the
connection is up the client is online; when it drops the client goes offline
and redials with exponential backoff. Each reconnect drains the offline queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			source := network.NewWebSocketSource(network.WebSocketConfig{
				URL:      a.cfg.WebSocketURL(),
				MaxDelay: reconnectMax,
				Logger:   a.logger.Logger,
			})
			client, err := a.openClient(ctx, source)
			if err != nil {
				return err
			}
			defer client.Close()

			client.AddNetworkListener(func(online bool) {
				state := "offline"
				if online {
					state = "online"
				}
				fmt.Fprintf(a.out, "%s %s (queued: %d)\n",
					time.Now().Format(time.RFC3339), state,
					client.OfflineQueueStatus(ctx).QueueSize)
			})

			fmt.Fprintf(a.out, "Watching %s, press Ctrl+C to stop\n", a.cfg.WebSocketURL())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&reconnectMax, "reconnect-max", 30*time.Second, "Maximum delay between reconnect attempts")
	return cmd
}
