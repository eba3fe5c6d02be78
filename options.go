package docsync

import (
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-docsync/conflict"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/network"
	"github.com/c0deZ3R0/go-docsync/queue"
	"github.com/c0deZ3R0/go-docsync/remote"
	"github.com/c0deZ3R0/go-docsync/retry"
	"github.com/c0deZ3R0/go-docsync/storage"
)

// Options controls a single document call.
type Options struct {
	// Strategy overrides the rule set for this call. Empty means "use the rules".
	Strategy  conflict.Strategy
	MergeFunc conflict.MergeFunc

	// EnableOffline queues writes that exhaust their retries.
	// Default: true
	EnableOffline bool

	// Priority of a queued write.
	// Default: medium
	Priority queue.Priority

	// Deduplicate replaces queued writes of the same type for the same path.
	// Default: true
	Deduplicate bool

	Retry     retry.Config
	UserID    string
	SessionID string
}

// Option configures Options.
type Option func(*Options)

// WithStrategy resolves conflicts with s instead of the configured rules.
func WithStrategy(s conflict.Strategy) Option {
	return func(o *Options) { o.Strategy = s }
}

// WithMergeFunc sets the merge callback used by the merge strategy.
func WithMergeFunc(fn conflict.MergeFunc) Option {
	return func(o *Options) { o.MergeFunc = fn }
}

// WithOffline toggles queueing of writes that could not reach the remote store.
func WithOffline(enabled bool) Option {
	return func(o *Options) { o.EnableOffline = enabled }
}

// WithPriority sets the queue tier for a write that ends up queued.
func WithPriority(p queue.Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithDeduplicate toggles replacement of earlier queued writes to the same path.
func WithDeduplicate(enabled bool) Option {
	return func(o *Options) { o.Deduplicate = enabled }
}

// WithRetry overrides the client's retry configuration for this call.
func WithRetry(config retry.Config) Option {
	return func(o *Options) { o.Retry = config }
}

// WithUser tags a queued write with the acting user and session.
func WithUser(userID, sessionID string) Option {
	return func(o *Options) {
		o.UserID = userID
		o.SessionID = sessionID
	}
}

func (c *Client) options(opts []Option) Options {
	o := Options{
		EnableOffline: true,
		Priority:      queue.PriorityMedium,
		Deduplicate:   true,
		Retry:         c.retry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Retry.RetryIf == nil {
		o.Retry.RetryIf = retry.UnlessRejected
	}
	return o
}

// ClientOption configures a Client in New.
type ClientOption func(*Client) error

// WithRemoteStore sets the remote document store. Required.
func WithRemoteStore(store remote.DocumentStore) ClientOption {
	return func(c *Client) error {
		c.remote = store
		return nil
	}
}

// WithKeyValueStore sets where the offline queue and its metrics are persisted.
// The client owns the store and closes it in Close.
// Default: an in-memory store
func WithKeyValueStore(store storage.KeyValueStore) ClientOption {
	return func(c *Client) error {
		c.store = store
		return nil
	}
}

// WithConnectivity sets the connectivity source driving reconnect drains.
// Default: a manual source that starts online
func WithConnectivity(source network.Source) ClientOption {
	return func(c *Client) error {
		c.source = source
		return nil
	}
}

// WithConflictRules sets the path rules consulted when a call names no strategy.
func WithConflictRules(rules *conflict.RuleSet) ClientOption {
	return func(c *Client) error {
		c.rules = rules
		return nil
	}
}

// WithRetryDefaults sets the retry configuration used by every call.
func WithRetryDefaults(config retry.Config) ClientOption {
	return func(c *Client) error {
		c.retry = config
		return nil
	}
}

// WithQueueConfig configures the offline queue.
func WithQueueConfig(config queue.Config) ClientOption {
	return func(c *Client) error {
		c.queueConfig = config
		return nil
	}
}

// WithProcessorConfig configures queue draining.
func WithProcessorConfig(config queue.ProcessorConfig) ClientOption {
	return func(c *Client) error {
		c.processorConfig = config
		return nil
	}
}

// WithLogger sets the logger shared by the client and its components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = &logging.Logger{Logger: logger}
		return nil
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) error {
		c.clock = clock
		return nil
	}
}
