package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	docsync "github.com/c0deZ3R0/go-docsync"
	"github.com/c0deZ3R0/go-docsync/conflict"
	"github.com/c0deZ3R0/go-docsync/queue"
)

type writeFlags struct {
	strategy  string
	priority  string
	noOffline bool
	user      string
	session   string
}

func (f *writeFlags) register(cmd *cobra.Command, withStrategy bool) {
	if withStrategy {
		cmd.Flags().StringVar(&f.strategy, "strategy", "", "Conflict strategy: client_wins, server_wins, merge or manual (default: configured rules)")
	}
	cmd.Flags().StringVar(&f.priority, "priority", "medium", "Queue priority if the write is queued: high, medium or low")
	cmd.Flags().BoolVar(&f.noOffline, "no-offline", false, "Fail instead of queueing when the server is unreachable")
	cmd.Flags().StringVar(&f.user, "user", "", "User ID recorded on a queued write")
	cmd.Flags().StringVar(&f.session, "session", "", "Session ID recorded on a queued write")
}

func (f *writeFlags) options() ([]docsync.Option, error) {
	priority, err := queue.ParsePriority(f.priority)
	if err != nil {
		return nil, err
	}
	opts := []docsync.Option{
		docsync.WithPriority(priority),
		docsync.WithOffline(!f.noOffline),
		docsync.WithUser(f.user, f.session),
	}
	if f.strategy != "" {
		strategy, err := conflict.ParseStrategy(f.strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, docsync.WithStrategy(strategy))
	}
	return opts, nil
}

func parseDocument(arg string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(arg), &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return doc, nil
}

// report prints a write result and turns hard failures into errors.
func report[T any](a *app, path string, res docsync.Result[T]) error {
	if a.jsonOutput {
		out := map[string]any{"path": path, "success": res.Success, "queued": res.Queued}
		if res.Error != nil {
			out["error"] = res.Error.Error()
		}
		if err := a.printJSON(out); err != nil {
			return err
		}
	}
	switch {
	case res.Success:
		if !a.jsonOutput {
			fmt.Fprintf(a.out, "%s: ok\n", path)
		}
		return nil
	case res.Queued:
		if !a.jsonOutput {
			fmt.Fprintf(a.out, "%s: queued for offline sync (%v)\n", path, res.Error)
		}
		return nil
	}
	return res.Error
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Read a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.openClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			res := docsync.GetDoc[map[string]any](cmd.Context(), client, args[0])
			if !res.Success {
				return res.Error
			}
			if !res.Exists {
				return fmt.Errorf("%s: not found", args[0])
			}
			return a.printJSON(res.Data)
		},
	}
}

func (a *app) newSetCmd() *cobra.Command {
	var flags writeFlags
	cmd := &cobra.Command{
		Use:   "set <path> <json>",
		Short: "Write a document, resolving conflicts with the current server copy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseDocument(args[1])
			if err != nil {
				return err
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			client, err := a.openClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			return report(a, args[0], docsync.SetDoc(cmd.Context(), client, args[0], doc, opts...))
		},
	}
	flags.register(cmd, true)
	return cmd
}

func (a *app) newUpdateCmd() *cobra.Command {
	var flags writeFlags
	cmd := &cobra.Command{
		Use:   "update <path> <json>",
		Short: "Merge fields into an existing document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseDocument(args[1])
			if err != nil {
				return err
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			client, err := a.openClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			return report(a, args[0], docsync.UpdateDoc(cmd.Context(), client, args[0], doc, opts...))
		},
	}
	flags.register(cmd, false)
	return cmd
}

func (a *app) newDeleteCmd() *cobra.Command {
	var flags writeFlags
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			client, err := a.openClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			return report(a, args[0], docsync.DeleteDoc(cmd.Context(), client, args[0], opts...))
		},
	}
	flags.register(cmd, false)
	return cmd
}
