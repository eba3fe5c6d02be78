// Package docsync wraps a remote document store with retries, conflict
// resolution and a durable offline queue that drains when connectivity returns.
package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-docsync/conflict"
	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/network"
	"github.com/c0deZ3R0/go-docsync/queue"
	"github.com/c0deZ3R0/go-docsync/remote"
	"github.com/c0deZ3R0/go-docsync/retry"
	"github.com/c0deZ3R0/go-docsync/storage"
	"github.com/c0deZ3R0/go-docsync/storage/memory"
)

// Client is the entry point for document reads and writes.
type Client struct {
	remote remote.DocumentStore
	store  storage.KeyValueStore
	source network.Source
	rules  *conflict.RuleSet
	retry  retry.Config

	queueConfig     queue.Config
	processorConfig queue.ProcessorConfig

	queue     *queue.Queue
	processor *queue.Processor
	network   *network.Manager

	logger *logging.Logger
	clock  func() time.Time

	mu          sync.RWMutex
	initialized bool
	closed      bool
}

// New builds a client. Call Initialize before relying on the offline queue
// or reconnect drains.
func New(opts ...ClientOption) (*Client, error) {
	c := &Client{retry: retry.DefaultConfig()}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, syncErrors.NewWithComponent(syncErrors.OpInit, "docsync", err)
		}
	}

	if c.remote == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpInit,
			fmt.Errorf("remote store is required (use WithRemoteStore(...))"))
	}
	if c.store == nil {
		c.store = memory.New()
	}
	if c.source == nil {
		c.source = network.NewManualSource(true)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(logging.Component("docsync"))
	}
	if c.clock == nil {
		c.clock = time.Now
	}

	if c.queueConfig.Logger == nil {
		c.queueConfig.Logger = c.logger.With(slog.String("component", "offline-queue"))
	}
	if c.queueConfig.Clock == nil {
		c.queueConfig.Clock = c.clock
	}
	if c.processorConfig.Logger == nil {
		c.processorConfig.Logger = c.logger.With(slog.String("component", "queue-processor"))
	}
	if c.processorConfig.Clock == nil {
		c.processorConfig.Clock = c.clock
	}
	if c.processorConfig.Retry.MaxRetries == 0 {
		c.processorConfig.Retry = c.retry
	}
	if c.processorConfig.Retry.RetryIf == nil {
		c.processorConfig.Retry.RetryIf = retry.UnlessRejected
	}

	c.queue = queue.New(c.store, c.queueConfig)
	c.processor = queue.NewProcessor(c.queue, c.remote, c.processorConfig)
	c.network = network.NewManager(c.source, c.remote, c.processor, network.Config{
		Logger: c.logger.With(slog.String("component", "network")),
	})
	return c, nil
}

// Initialize loads the persisted queue and starts watching connectivity.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return syncErrors.New(syncErrors.OpInit, fmt.Errorf("client is closed"))
	}
	if c.initialized {
		return nil
	}

	if err := c.queue.Load(ctx); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpInit, "docsync")
	}
	if err := c.network.Initialize(ctx); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpInit, "docsync")
	}
	c.initialized = true

	c.logger.Info("Document sync initialized",
		slog.Bool("online", c.network.Online()),
		slog.Int("queued", c.queue.Len()))
	return nil
}

// Close stops connectivity tracking, waits for a running drain and closes
// the key-value store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if err := c.network.Dispose(); err != nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return syncErrors.WrapOpComponent(firstErr, syncErrors.OpClose, "docsync")
}

// Online reports the last known connectivity state.
func (c *Client) Online() bool {
	return c.network.Online()
}

// Network exposes the connectivity state machine.
func (c *Client) Network() *network.Manager {
	return c.network
}

// AddNetworkListener registers fn for connectivity transitions.
func (c *Client) AddNetworkListener(fn network.Listener) (unsubscribe func()) {
	return c.network.AddListener(fn)
}

// StoreForOfflineSync queues a write for later replay without contacting the remote store.
func (c *Client) StoreForOfflineSync(ctx context.Context, path string, data map[string]any, opType queue.Type, opts ...Option) (queue.Operation, error) {
	o := c.options(opts)
	mutation, err := queue.NewMutation(opType, data)
	if err != nil {
		return queue.Operation{}, err
	}
	return c.queue.Enqueue(ctx, queue.Operation{
		Path:      path,
		Mutation:  mutation,
		UserID:    o.UserID,
		SessionID: o.SessionID,
	}, queue.EnqueueOptions{
		Priority:    o.Priority,
		Deduplicate: o.Deduplicate,
	})
}

// ProcessOfflineQueue drains the queue once.
func (c *Client) ProcessOfflineQueue(ctx context.Context) (queue.Metrics, error) {
	return c.processor.Drain(ctx)
}

// ClearOfflineQueue drops every queued operation.
func (c *Client) ClearOfflineQueue(ctx context.Context) error {
	return c.queue.Clear(ctx)
}

// OfflineQueueStatus reports queue size, the last drain metrics and the oldest operation.
func (c *Client) OfflineQueueStatus(ctx context.Context) queue.Status {
	return c.queue.Status(ctx)
}
