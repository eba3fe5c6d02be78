package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/remote"
	"github.com/c0deZ3R0/go-docsync/remote/memstore"
	"github.com/c0deZ3R0/go-docsync/retry"
	"github.com/c0deZ3R0/go-docsync/storage/memory"
)

type recordingCollector struct {
	NoOpMetricsCollector
	mu      sync.Mutex
	drops   []Operation
	replays int
	drains  int
}

func (c *recordingCollector) RecordDrop(op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, op)
}

func (c *recordingCollector) RecordReplay(opType Type, success bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replays++
}

func (c *recordingCollector) RecordDrain(m Metrics, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drains++
}

func newTestProcessor(q *Queue, rs remote.DocumentStore, maxRetryCount int, collector MetricsCollector) *Processor {
	return NewProcessor(q, rs, ProcessorConfig{
		BatchSize:        10,
		BatchDelay:       time.Millisecond,
		MaxRetryCount:    maxRetryCount,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		Retry:            retry.Config{MaxRetries: 1},
		Logger:           logging.Discard().Logger,
		MetricsCollector: collector,
		Clock:            func() time.Time { return testNow },
	})
}

func TestDrain_EmptyQueueWritesNothing(t *testing.T) {
	store := memory.New()
	q := newTestQueue(t, store, 10)
	p := newTestProcessor(q, memstore.New(), 5, nil)

	metrics, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.PendingOperations)
	assert.Equal(t, 0, metrics.TotalOperations)
	assert.Equal(t, 0, store.Writes())

	_, ok := q.Metrics(context.Background())
	assert.False(t, ok)
}

func TestDrain_AllSucceed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rs := memstore.New()
	require.NoError(t, rs.Put("docs/updated", remote.Document{"old": true}))
	require.NoError(t, rs.Put("docs/deleted", remote.Document{"old": true}))

	q := newTestQueue(t, store, 10)
	collector := &recordingCollector{}
	p := newTestProcessor(q, rs, 5, collector)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, setOp(fmt.Sprintf("docs/%d", i), map[string]any{"n": i}), EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, Operation{Path: "docs/updated", Mutation: UpdateMutation{Data: map[string]any{"new": true}}}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Operation{Path: "docs/deleted", Mutation: DeleteMutation{}}, EnqueueOptions{})
	require.NoError(t, err)

	metrics, err := p.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, metrics.TotalOperations)
	assert.Equal(t, 5, metrics.SucceededOperations)
	assert.Equal(t, 0, metrics.PendingOperations)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, newTestQueue(t, store, 10).Len())

	doc, ok := rs.Peek("docs/1")
	require.True(t, ok)
	assert.Equal(t, float64(1), doc["n"])
	assert.Equal(t, float64(testNow.UnixMilli()), doc["queuedAt"])

	updated, _ := rs.Peek("docs/updated")
	assert.Equal(t, true, updated["old"])
	assert.Equal(t, true, updated["new"])

	_, ok = rs.Peek("docs/deleted")
	assert.False(t, ok)

	persisted, ok := q.Metrics(ctx)
	require.True(t, ok)
	assert.Equal(t, metrics, persisted)
	assert.Equal(t, 5, collector.replays)
	assert.Equal(t, 1, collector.drains)
}

func TestDrain_RetryMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rs := memstore.New()
	rs.FailAlways(memstore.OpSet, nil)

	q := newTestQueue(t, store, 10)
	collector := &recordingCollector{}
	p := newTestProcessor(q, rs, 3, collector)

	queued, err := q.Enqueue(ctx, setOp("docs/stuck", map[string]any{"v": 1}), EnqueueOptions{})
	require.NoError(t, err)

	for pass := 1; pass < 3; pass++ {
		metrics, err := p.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, metrics.RescheduledOperations)

		reloaded := newTestQueue(t, store, 10).Snapshot()
		require.Len(t, reloaded, 1)
		assert.Equal(t, queued.ID, reloaded[0].ID)
		assert.Equal(t, pass, reloaded[0].RetryCount)
		wantTs := testNow.Add(retry.Backoff(pass, time.Second, time.Minute)).UnixMilli()
		assert.Equal(t, wantTs, reloaded[0].Timestamp)
	}

	metrics, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.FailedOperations)
	assert.Equal(t, 0, metrics.PendingOperations)
	assert.Equal(t, 0, newTestQueue(t, store, 10).Len())
	require.Len(t, collector.drops, 1)
	assert.Equal(t, queued.ID, collector.drops[0].ID)
}

func TestDrain_FailureDoesNotBlockSiblings(t *testing.T) {
	ctx := context.Background()
	rs := memstore.New()
	q := newTestQueue(t, memory.New(), 10)
	p := newTestProcessor(q, rs, 5, nil)

	_, err := q.Enqueue(ctx, Operation{Path: "docs/missing", Mutation: UpdateMutation{Data: map[string]any{"a": 1}}}, EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, setOp(fmt.Sprintf("docs/%d", i), nil), EnqueueOptions{})
		require.NoError(t, err)
	}

	metrics, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.SucceededOperations)
	assert.Equal(t, 1, metrics.RescheduledOperations)
	assert.Equal(t, []string{"docs/missing"}, paths(q.Snapshot()))
	assert.Equal(t, 3, rs.Len())
}

func TestDrain_BatchesWithDelay(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, memory.New(), 20)
	p := NewProcessor(q, memstore.New(), ProcessorConfig{
		BatchSize:  2,
		BatchDelay: 20 * time.Millisecond,
		Retry:      retry.Config{MaxRetries: 1},
		Logger:     logging.Discard().Logger,
	})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, setOp(fmt.Sprintf("docs/%d", i), nil), EnqueueOptions{})
		require.NoError(t, err)
	}

	start := time.Now()
	metrics, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 5, metrics.SucceededOperations)
}

func TestDrain_RespectBackoffSkipsIneligible(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, memory.New(), 10)
	rs := memstore.New()
	p := NewProcessor(q, rs, ProcessorConfig{
		RespectBackoff: true,
		Retry:          retry.Config{MaxRetries: 1},
		Logger:         logging.Discard().Logger,
		Clock:          func() time.Time { return testNow },
	})

	_, err := q.Enqueue(ctx, Operation{
		Path:       "docs/later",
		Mutation:   SetMutation{Data: map[string]any{}},
		RetryCount: 1,
		Timestamp:  testNow.Add(time.Minute).UnixMilli(),
	}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, setOp("docs/now", nil), EnqueueOptions{})
	require.NoError(t, err)

	metrics, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.SucceededOperations)
	assert.Equal(t, 1, metrics.PendingOperations)
	assert.Equal(t, 1, rs.Calls(memstore.OpSet))

	ops := q.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)
}

// blockingStore holds Set calls until release is closed.
type blockingStore struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Set(ctx context.Context, path string, data remote.Document, merge bool) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Store.Set(ctx, path, data, merge)
}

func TestDrain_KeepsOperationsEnqueuedMidDrain(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := newTestQueue(t, store, 10)
	rs := &blockingStore{Store: memstore.New(), entered: make(chan struct{}), release: make(chan struct{})}
	p := newTestProcessor(q, rs, 5, nil)

	_, err := q.Enqueue(ctx, setOp("docs/first", nil), EnqueueOptions{})
	require.NoError(t, err)

	done := make(chan Metrics)
	go func() {
		m, err := p.Drain(ctx)
		assert.NoError(t, err)
		done <- m
	}()

	<-rs.entered
	late, err := q.Enqueue(ctx, Operation{Path: "docs/late", Mutation: DeleteMutation{}}, EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)
	close(rs.release)

	metrics := <-done
	assert.Equal(t, 1, metrics.SucceededOperations)
	assert.Equal(t, 1, metrics.PendingOperations)

	ops := newTestQueue(t, store, 10).Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, late.ID, ops[0].ID)
}

func TestDrain_ClearDuringDrainWins(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, memory.New(), 10)
	rs := &blockingStore{Store: memstore.New(), entered: make(chan struct{}), release: make(chan struct{})}
	rs.FailAlways(memstore.OpSet, nil)
	p := newTestProcessor(q, rs, 5, nil)

	_, err := q.Enqueue(ctx, setOp("docs/a", nil), EnqueueOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Drain(ctx)
		assert.NoError(t, err)
	}()

	<-rs.entered
	require.NoError(t, q.Clear(ctx))
	close(rs.release)
	<-done

	assert.Equal(t, 0, q.Len())
}

func TestDrain_CancelledContextLeavesQueue(t *testing.T) {
	q := newTestQueue(t, memory.New(), 10)
	rs := memstore.New()
	p := newTestProcessor(q, rs, 5, nil)

	_, err := q.Enqueue(context.Background(), setOp("docs/a", nil), EnqueueOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

func TestDefaultProcessorConfig(t *testing.T) {
	c := DefaultProcessorConfig()
	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, 100*time.Millisecond, c.BatchDelay)
	assert.Equal(t, 5, c.MaxRetryCount)
}
