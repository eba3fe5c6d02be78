// Package queue holds the durable, priority-ordered offline queue and the
// processor that replays it against the remote store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/storage"
)

const (
	// DefaultStorageKey holds the serialized operation list.
	DefaultStorageKey = "docsync:offline_queue"
	// DefaultMetricsKey holds the serialized Metrics of the last drain.
	DefaultMetricsKey = "docsync:queue_metrics"
)

// Config configures a Queue.
type Config struct {
	// MaxQueueSize bounds the number of queued operations.
	// Default: 1000
	MaxQueueSize int `mapstructure:"max_size"`

	StorageKey string `mapstructure:"storage_key"`
	MetricsKey string `mapstructure:"metrics_key"`

	Logger           *slog.Logger     `mapstructure:"-"`
	MetricsCollector MetricsCollector `mapstructure:"-"`
	Clock            func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	c := Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.StorageKey == "" {
		c.StorageKey = DefaultStorageKey
	}
	if c.MetricsKey == "" {
		c.MetricsKey = DefaultMetricsKey
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("queue")).Logger
	}
	if c.MetricsCollector == nil {
		c.MetricsCollector = &NoOpMetricsCollector{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// EnqueueOptions controls placement of a new operation.
type EnqueueOptions struct {
	Priority Priority
	// Deduplicate removes queued operations with the same path and type first.
	Deduplicate bool
}

// Status describes the queue for diagnostics.
type Status struct {
	QueueSize       int        `json:"queueSize"`
	Metrics         *Metrics   `json:"metrics,omitempty"`
	OldestOperation *Operation `json:"oldestOperation,omitempty"`
}

// Queue is the in-memory view of the persisted operation list. Every mutation
// persists the full list. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	store  storage.KeyValueStore
	config Config
	logger *logging.Logger
	ops    []Operation
	loaded bool
}

// New creates a queue persisting through store. Call Load before use, or let
// the first mutation load it lazily.
func New(store storage.KeyValueStore, config Config) *Queue {
	config.setDefaults()
	return &Queue{
		store:  store,
		config: config,
		logger: &logging.Logger{Logger: config.Logger},
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.config
}

func (q *Queue) now() int64 {
	return q.config.Clock().UnixMilli()
}

// Load replaces the in-memory list with the persisted one. Malformed blobs and
// entries are dropped and the cleaned list re-persisted; only a failing store
// produces an error.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *Queue) loadLocked(ctx context.Context) error {
	blob, err := q.store.Get(ctx, q.config.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		q.ops = nil
		q.loaded = true
		return nil
	}
	if err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpLoad, "queue", syncErrors.ErrCodeStorageFailure)
	}

	ops, dropped, corrupt := decodeOperations(blob)
	q.ops = ops
	q.loaded = true

	if !corrupt && dropped == 0 {
		return nil
	}

	q.logger.LogWarning(ctx,
		syncErrors.NewCorruptionError(fmt.Errorf("persisted queue was malformed")).
			WithMetadata("dropped_entries", dropped).
			WithMetadata("blob_is_list", !corrupt),
		"Self-healing offline queue",
		slog.Int("kept", len(ops)))

	if err := q.persistLocked(ctx); err != nil {
		q.logger.LogError(ctx, err, "Failed to persist cleaned offline queue")
	}
	return nil
}

// decodeOperations keeps only structurally valid entries. corrupt is true
// when the blob is not a JSON list at all.
func decodeOperations(blob []byte) (ops []Operation, dropped int, corrupt bool) {
	var entries []json.RawMessage
	if err := json.Unmarshal(blob, &entries); err != nil || entries == nil {
		return nil, 0, true
	}

	ops = make([]Operation, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil || !validRecord(fields) {
			dropped++
			continue
		}
		var op Operation
		if err := json.Unmarshal(raw, &op); err != nil || seen[op.ID] {
			dropped++
			continue
		}
		seen[op.ID] = true
		ops = append(ops, op)
	}
	return ops, dropped, false
}

func (q *Queue) ensureLoaded(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	return q.loadLocked(ctx)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	ops := q.ops
	if ops == nil {
		ops = []Operation{}
	}
	blob, err := json.Marshal(ops)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpPersist, err)
	}
	if err := q.store.Set(ctx, q.config.StorageKey, blob); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpPersist, "queue", syncErrors.ErrCodeStorageFailure)
	}
	return nil
}

// Enqueue inserts op in tier order and persists the queue. Missing ID,
// Timestamp and QueuedAt are filled in. A full queue evicts the oldest entry
// of the lowest tier present. If the persisted list cannot be read the
// operation is rejected and nothing is written. A failed persist leaves the
// operation queued in memory.
func (q *Queue) Enqueue(ctx context.Context, op Operation, opts EnqueueOptions) (Operation, error) {
	if op.Mutation == nil {
		return op, syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("operation has no mutation"))
	}
	if op.Path == "" {
		return op, syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("operation has no path"))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoaded(ctx); err != nil {
		return op, err
	}

	now := q.now()
	if op.ID == "" {
		op.ID = newID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = now
	}
	if op.QueuedAt == 0 {
		op.QueuedAt = now
	}
	if opts.Priority != "" {
		op.Priority = opts.Priority
	}
	if op.Priority == "" {
		op.Priority = PriorityMedium
	}

	if opts.Deduplicate {
		kept := q.ops[:0]
		for _, existing := range q.ops {
			if existing.Path == op.Path && existing.Type() == op.Type() {
				continue
			}
			kept = append(kept, existing)
		}
		q.ops = kept
	}

	for len(q.ops) >= q.config.MaxQueueSize {
		q.evictLocked(ctx)
	}

	q.ops = insertByTier(q.ops, op)

	q.logger.Debug("Operation queued",
		slog.String("id", op.ID),
		slog.String("path", op.Path),
		slog.String("type", string(op.Type())),
		slog.String("priority", string(op.Priority)),
		slog.Int("queue_size", len(q.ops)))

	return op, q.persistLocked(ctx)
}

// evictLocked removes the first queued entry of the lowest tier present.
func (q *Queue) evictLocked(ctx context.Context) {
	victim := -1
	for i, existing := range q.ops {
		if victim == -1 || existing.Priority.rank() > q.ops[victim].Priority.rank() {
			victim = i
		}
	}
	if victim == -1 {
		return
	}
	evicted := q.ops[victim]
	q.ops = append(q.ops[:victim], q.ops[victim+1:]...)

	q.config.MetricsCollector.RecordEviction(evicted)
	q.logger.LogWarning(ctx,
		syncErrors.NewCapacityWarning(fmt.Errorf("queue full at %d operations", q.config.MaxQueueSize)).
			WithMetadata("evicted_id", evicted.ID).
			WithMetadata("evicted_path", evicted.Path).
			WithMetadata("evicted_priority", string(evicted.Priority)),
		"Evicted operation from full offline queue")
}

// insertByTier places op after every operation of the same or higher tier.
func insertByTier(ops []Operation, op Operation) []Operation {
	idx := sort.Search(len(ops), func(i int) bool {
		return ops[i].Priority.rank() > op.Priority.rank()
	})
	ops = append(ops, Operation{})
	copy(ops[idx+1:], ops[idx:])
	ops[idx] = op
	return ops
}

// Snapshot returns a copy of the queued operations in order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear empties the queue and removes the persisted list.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = nil
	q.loaded = true
	if err := q.store.Delete(ctx, q.config.StorageKey); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpPersist, "queue", syncErrors.ErrCodeStorageFailure)
	}
	q.logger.Info("Offline queue cleared")
	return nil
}

// Status reports the queue size, the last persisted metrics and the operation
// enqueued earliest.
func (q *Queue) Status(ctx context.Context) Status {
	q.mu.Lock()
	if err := q.ensureLoaded(ctx); err != nil {
		q.logger.LogError(ctx, err, "Failed to load offline queue for status")
	}
	status := Status{QueueSize: len(q.ops)}
	for i := range q.ops {
		if status.OldestOperation == nil || q.ops[i].QueuedAt < status.OldestOperation.QueuedAt {
			oldest := q.ops[i]
			status.OldestOperation = &oldest
		}
	}
	q.mu.Unlock()

	if m, ok := q.Metrics(ctx); ok {
		status.Metrics = &m
	}
	return status
}

// Metrics returns the persisted metrics of the last drain, if any.
func (q *Queue) Metrics(ctx context.Context) (Metrics, bool) {
	blob, err := q.store.Get(ctx, q.config.MetricsKey)
	if err != nil {
		return Metrics{}, false
	}
	var m Metrics
	if err := json.Unmarshal(blob, &m); err != nil {
		return Metrics{}, false
	}
	return m, true
}

func (q *Queue) saveMetrics(ctx context.Context, m Metrics) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, q.config.MetricsKey, blob)
}

// drainSnapshot returns the operations a drain pass should process.
func (q *Queue) drainSnapshot(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out, nil
}

// commitDrain replaces the processed snapshot with the rescheduled operations.
// Operations removed from the queue during the pass stay removed; operations
// enqueued during the pass are kept, and the result is re-sorted by tier.
func (q *Queue) commitDrain(ctx context.Context, snapshot, rescheduled []Operation) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inSnapshot := make(map[string]bool, len(snapshot))
	for _, op := range snapshot {
		inSnapshot[op.ID] = true
	}
	current := make(map[string]bool, len(q.ops))
	var added []Operation
	for _, op := range q.ops {
		current[op.ID] = true
		if !inSnapshot[op.ID] {
			added = append(added, op)
		}
	}

	next := make([]Operation, 0, len(rescheduled)+len(added))
	for _, op := range rescheduled {
		if current[op.ID] {
			next = append(next, op)
		}
	}
	next = append(next, added...)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Priority.rank() < next[j].Priority.rank()
	})

	q.ops = next
	return len(next), q.persistLocked(ctx)
}
