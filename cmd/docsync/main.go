// Command docsync reads and writes documents through the offline-tolerant
// sync client and runs a development document server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	docsync "github.com/c0deZ3R0/go-docsync"
	"github.com/c0deZ3R0/go-docsync/config"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/network"
	"github.com/c0deZ3R0/go-docsync/remote/httpstore"
)

// app carries state shared by every subcommand.
type app struct {
	cfgFile    string
	jsonOutput bool

	cfg    *config.Config
	logger *logging.Logger
	out    io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "docsync",
		Short: "Offline-tolerant document sync client",
		Long: `docsync talks to a document server through a client that retries failed
calls, resolves conflicting writes and queues writes it could not deliver.

Queued writes are persisted in the configured storage backend and replayed
by "docsync queue drain" or automatically by "docsync watch" once the server
is reachable again.

Configuration is read from --config (YAML) and DOCSYNC_* environment
variables, e.g. DOCSYNC_REMOTE_URL or DOCSYNC_STORAGE_DRIVER.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Print results as JSON")

	root.AddCommand(
		a.newGetCmd(),
		a.newSetCmd(),
		a.newUpdateCmd(),
		a.newDeleteCmd(),
		a.newQueueCmd(),
		a.newWatchCmd(),
		a.newServeCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.Logging)
	slog.SetDefault(a.logger.Logger)
	return nil
}

// openClient builds an initialized client. A nil source means "assume online".
func (a *app) openClient(ctx context.Context, source network.Source) (*docsync.Client, error) {
	store, err := a.cfg.OpenStore(a.logger.Logger)
	if err != nil {
		return nil, err
	}
	rules, _, err := a.cfg.Rules(a.logger.Logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	remote := httpstore.NewClient(a.cfg.Remote.URL,
		httpstore.WithTimeout(a.cfg.Remote.Timeout),
		httpstore.WithLogger(a.logger.Logger))

	opts := []docsync.ClientOption{
		docsync.WithRemoteStore(remote),
		docsync.WithKeyValueStore(store),
		docsync.WithConflictRules(rules),
		docsync.WithRetryDefaults(a.cfg.RetryConfig()),
		docsync.WithQueueConfig(a.cfg.QueueConfig()),
		docsync.WithProcessorConfig(a.cfg.ProcessorConfig()),
		docsync.WithLogger(a.logger.Logger),
	}
	if source != nil {
		opts = append(opts, docsync.WithConnectivity(source))
	}

	client, err := docsync.New(opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
