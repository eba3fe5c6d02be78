package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-docsync/conflict"
	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/network"
	"github.com/c0deZ3R0/go-docsync/queue"
	"github.com/c0deZ3R0/go-docsync/remote"
	"github.com/c0deZ3R0/go-docsync/remote/memstore"
	"github.com/c0deZ3R0/go-docsync/retry"
	"github.com/c0deZ3R0/go-docsync/storage/memory"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type fixture struct {
	client *Client
	remote *memstore.Store
	kv     *memory.Store
	source *network.ManualSource
}

func newFixture(t *testing.T, opts ...ClientOption) *fixture {
	t.Helper()
	f := &fixture{
		remote: memstore.New(memstore.WithClock(func() time.Time { return testNow })),
		kv:     memory.New(),
		source: network.NewManualSource(true),
	}
	base := []ClientOption{
		WithRemoteStore(f.remote),
		WithKeyValueStore(f.kv),
		WithConnectivity(f.source),
		WithRetryDefaults(fastRetry()),
		WithProcessorConfig(queue.ProcessorConfig{BatchDelay: time.Millisecond, Retry: retry.Config{MaxRetries: 1}}),
		WithLogger(logging.Discard().Logger),
		WithClock(func() time.Time { return testNow }),
	}
	client, err := New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	f.client = client
	return f
}

func (f *fixture) persistedOps(t *testing.T) []queue.Operation {
	t.Helper()
	q := queue.New(f.kv, queue.Config{Logger: logging.Discard().Logger})
	require.NoError(t, q.Load(context.Background()))
	return q.Snapshot()
}

type note struct {
	Title   string  `json:"title"`
	Version float64 `json:"version,omitempty"`
}

func TestNew_RequiresRemote(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeValidationFailure))
}

func TestSetDoc_RecoversWithinRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.remote.FailNext(memstore.OpSet, 2, nil)

	res := SetDoc(context.Background(), f.client, "notes/1", map[string]any{"title": "hello"})
	require.True(t, res.Success, "error: %v", res.Error)
	assert.False(t, res.Queued)
	assert.Equal(t, 3, f.remote.Calls(memstore.OpSet))
	assert.Empty(t, f.persistedOps(t))

	doc, ok := f.remote.Peek("notes/1")
	require.True(t, ok)
	assert.Equal(t, "hello", doc["title"])
	assert.Equal(t, float64(1), doc[FieldVersion])
	assert.Equal(t, float64(testNow.UnixMilli()), doc[FieldUpdatedAt])
	assert.Equal(t, float64(testNow.UnixMilli()), doc[FieldSyncedAt])
}

func TestSetDoc_QueuesOriginalPayloadOnExhaustion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"title": "server", "tags": "a", "version": 3}))
	f.remote.FailAlways(memstore.OpSet, nil)

	payload := map[string]any{"title": "client"}
	res := SetDoc(context.Background(), f.client, "notes/1", payload, WithStrategy(conflict.Merge))

	assert.False(t, res.Success)
	assert.True(t, res.Queued)
	assert.True(t, syncErrors.HasCode(res.Error, syncErrors.ErrCodeTransientRemote))
	assert.Equal(t, 3, f.remote.Calls(memstore.OpSet))

	ops := f.persistedOps(t)
	require.Len(t, ops, 1)
	assert.Equal(t, queue.TypeSet, ops[0].Type())
	assert.Equal(t, "notes/1", ops[0].Path)
	assert.Equal(t, queue.SetMutation{Data: map[string]any{"title": "client"}}, ops[0].Mutation)
	assert.Equal(t, queue.PriorityMedium, ops[0].Priority)
	assert.Equal(t, testNow.UnixMilli(), ops[0].QueuedAt)
	assert.Equal(t, map[string]any{"title": "client"}, payload, "caller payload is untouched")
}

func TestSetDoc_OfflineDisabledDoesNotQueue(t *testing.T) {
	f := newFixture(t)
	f.remote.FailAlways(memstore.OpSet, nil)

	res := SetDoc(context.Background(), f.client, "notes/1", map[string]any{"title": "x"}, WithOffline(false))
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.Error(t, res.Error)
	assert.Empty(t, f.persistedOps(t))
}

func TestSetDoc_RejectedWriteIsNotRetriedOrQueued(t *testing.T) {
	f := newFixture(t)
	f.remote.FailAlways(memstore.OpSet, syncErrors.NewRemoteRejectedError(syncErrors.OpSet, fmt.Errorf("permission denied")))

	res := SetDoc(context.Background(), f.client, "notes/1", map[string]any{"title": "x"})
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.Equal(t, 1, f.remote.Calls(memstore.OpSet))
	assert.Empty(t, f.persistedOps(t))
}

func TestSetDoc_VersionFollowsExistingDocument(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"title": "old", "version": 3}))

	res := SetDoc(context.Background(), f.client, "notes/1", map[string]any{"title": "new"})
	require.True(t, res.Success)

	doc, _ := f.remote.Peek("notes/1")
	assert.Equal(t, "new", doc["title"])
	assert.Equal(t, float64(4), doc[FieldVersion])
}

func TestSetDoc_ServerWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"title": "server", "version": 2}))

	res := SetDoc(context.Background(), f.client, "notes/1",
		map[string]any{"title": "client", "extra": true},
		WithStrategy(conflict.ServerWins))
	require.True(t, res.Success)

	doc, _ := f.remote.Peek("notes/1")
	assert.Equal(t, "server", doc["title"])
	assert.Equal(t, true, doc["extra"])
	assert.Equal(t, float64(3), doc[FieldVersion])
}

func TestSetDoc_ManualRecordsConflicts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"title": "server", "body": "same"}))

	res := SetDoc(context.Background(), f.client, "notes/1",
		map[string]any{"title": "client", "body": "same"},
		WithStrategy(conflict.Manual))
	require.True(t, res.Success)

	doc, _ := f.remote.Peek("notes/1")
	assert.Equal(t, "client", doc["title"])
	conflicts, ok := doc[conflict.ConflictsKey].([]any)
	require.True(t, ok, "conflicts stored as a list: %#v", doc[conflict.ConflictsKey])
	require.Len(t, conflicts, 1)
	assert.Equal(t, map[string]any{"field": "title", "clientValue": "client", "serverValue": "server"}, conflicts[0])
}

func TestSetDoc_RulesPickStrategy(t *testing.T) {
	rules, err := conflict.NewRuleSet(conflict.ClientWins, conflict.Rule{Name: "settings", Pattern: "settings/*", Strategy: conflict.ServerWins})
	require.NoError(t, err)
	f := newFixture(t, WithConflictRules(rules))

	require.NoError(t, f.remote.Put("settings/theme", remote.Document{"value": "dark"}))
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"value": "server"}))

	ctx := context.Background()
	require.True(t, SetDoc(ctx, f.client, "settings/theme", map[string]any{"value": "light"}).Success)
	require.True(t, SetDoc(ctx, f.client, "notes/1", map[string]any{"value": "client"}).Success)
	require.True(t, SetDoc(ctx, f.client, "notes/1", map[string]any{"value": "forced"}, WithStrategy(conflict.ServerWins)).Success)

	theme, _ := f.remote.Peek("settings/theme")
	assert.Equal(t, "dark", theme["value"])
	n, _ := f.remote.Peek("notes/1")
	assert.Equal(t, "client", n["value"])
}

func TestGetDoc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	missing := GetDoc[note](ctx, f.client, "notes/none")
	assert.True(t, missing.Success)
	assert.False(t, missing.Exists)
	assert.Equal(t, note{}, missing.Data)

	require.True(t, SetDoc(ctx, f.client, "notes/1", note{Title: "typed"}).Success)

	got := GetDoc[note](ctx, f.client, "notes/1")
	require.True(t, got.Success)
	assert.True(t, got.Exists)
	assert.Equal(t, note{Title: "typed", Version: 1}, got.Data)

	raw := GetDoc[map[string]any](ctx, f.client, "notes/1")
	require.True(t, raw.Success)
	assert.Equal(t, "typed", raw.Data["title"])
}

func TestGetDoc_FailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.remote.FailAlways(memstore.OpGet, nil)

	res := GetDoc[note](context.Background(), f.client, "notes/1")
	assert.False(t, res.Success)
	assert.Error(t, res.Error)
	assert.Equal(t, 3, f.remote.Calls(memstore.OpGet))
}

func TestSetDoc_RejectsNonObjectPayload(t *testing.T) {
	f := newFixture(t)
	res := SetDoc(context.Background(), f.client, "notes/1", []string{"not", "an", "object"})
	assert.False(t, res.Success)
	assert.True(t, syncErrors.HasCode(res.Error, syncErrors.ErrCodeValidationFailure))
	assert.Equal(t, 0, f.remote.Calls(memstore.OpSet))
}

func TestUpdateDoc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"title": "a", "version": 7}))

	res := UpdateDoc(ctx, f.client, "notes/1", map[string]any{"body": "text"})
	require.True(t, res.Success)

	doc, _ := f.remote.Peek("notes/1")
	assert.Equal(t, "a", doc["title"])
	assert.Equal(t, "text", doc["body"])
	assert.Equal(t, float64(7), doc[FieldVersion], "updates do not bump the version")
	assert.Equal(t, float64(testNow.UnixMilli()), doc[FieldUpdatedAt])
}

func TestUpdateDoc_MissingDocumentIsNotQueued(t *testing.T) {
	f := newFixture(t)

	res := UpdateDoc(context.Background(), f.client, "notes/none", map[string]any{"body": "text"})
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.Empty(t, f.persistedOps(t))
}

func TestWritesQueueDuringOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.remote.Put("notes/1", remote.Document{"title": "a"}))
	require.NoError(t, f.remote.DisableNetwork(ctx))

	upd := UpdateDoc(ctx, f.client, "notes/1", map[string]any{"title": "b"}, WithPriority(queue.PriorityHigh), WithUser("u1", "s1"))
	del := DeleteDoc(ctx, f.client, "notes/2", WithPriority(queue.PriorityLow))
	set := SetDoc(ctx, f.client, "notes/3", map[string]any{"title": "c"})

	for _, queued := range []bool{upd.Queued, del.Queued, set.Queued} {
		assert.True(t, queued)
	}

	ops := f.persistedOps(t)
	require.Len(t, ops, 3)
	assert.Equal(t, []queue.Type{queue.TypeUpdate, queue.TypeSet, queue.TypeDelete},
		[]queue.Type{ops[0].Type(), ops[1].Type(), ops[2].Type()})
	assert.Equal(t, "u1", ops[0].UserID)
	assert.Equal(t, "s1", ops[0].SessionID)
}

func TestSetDoc_DeduplicatesQueuedWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.remote.DisableNetwork(ctx))

	SetDoc(ctx, f.client, "notes/1", map[string]any{"n": 1})
	SetDoc(ctx, f.client, "notes/1", map[string]any{"n": 2})
	SetDoc(ctx, f.client, "notes/1", map[string]any{"n": 3}, WithDeduplicate(false))

	ops := f.persistedOps(t)
	require.Len(t, ops, 2)
	assert.Equal(t, queue.SetMutation{Data: map[string]any{"n": float64(2)}}, ops[0].Mutation)
	assert.Equal(t, queue.SetMutation{Data: map[string]any{"n": float64(3)}}, ops[1].Mutation)
}

func TestProcessOfflineQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.remote.DisableNetwork(ctx))

	res := SetDoc(ctx, f.client, "notes/1", map[string]any{"title": "offline"})
	require.True(t, res.Queued)

	status := f.client.OfflineQueueStatus(ctx)
	assert.Equal(t, 1, status.QueueSize)
	require.NotNil(t, status.OldestOperation)
	assert.Equal(t, "notes/1", status.OldestOperation.Path)
	assert.Nil(t, status.Metrics)

	require.NoError(t, f.remote.EnableNetwork(ctx))
	metrics, err := f.client.ProcessOfflineQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.SucceededOperations)
	assert.Equal(t, 0, metrics.PendingOperations)

	doc, ok := f.remote.Peek("notes/1")
	require.True(t, ok)
	assert.Equal(t, "offline", doc["title"])
	assert.Equal(t, float64(testNow.UnixMilli()), doc["queuedAt"])

	status = f.client.OfflineQueueStatus(ctx)
	assert.Equal(t, 0, status.QueueSize)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1, status.Metrics.TotalOperations)
}

func TestStoreForOfflineSyncAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	op, err := f.client.StoreForOfflineSync(ctx, "notes/1", map[string]any{"a": 1}, queue.TypeUpdate, WithPriority(queue.PriorityHigh))
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, queue.PriorityHigh, op.Priority)

	_, err = f.client.StoreForOfflineSync(ctx, "notes/1", nil, queue.Type("rename"))
	assert.Error(t, err)

	assert.Equal(t, 1, f.client.OfflineQueueStatus(ctx).QueueSize)
	require.NoError(t, f.client.ClearOfflineQueue(ctx))
	assert.Equal(t, 0, f.client.OfflineQueueStatus(ctx).QueueSize)
	assert.Empty(t, f.persistedOps(t))
}

func TestReconnectDrainsQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var transitions atomic.Int32
	unsubscribe := f.client.AddNetworkListener(func(bool) { transitions.Add(1) })
	defer unsubscribe()

	f.source.SetOnline(false)
	assert.False(t, f.client.Online())

	for i := 0; i < 5; i++ {
		res := SetDoc(ctx, f.client, fmt.Sprintf("notes/%d", i), map[string]any{"n": i})
		require.True(t, res.Queued, "error: %v", res.Error)
	}
	assert.Equal(t, 5, f.client.OfflineQueueStatus(ctx).QueueSize)

	f.source.SetOnline(true)
	require.Eventually(t, func() bool {
		return f.client.OfflineQueueStatus(ctx).QueueSize == 0 && !f.client.Network().Draining()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), transitions.Load())
	assert.Equal(t, 5, f.remote.Len())
	status := f.client.OfflineQueueStatus(ctx)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 0, status.Metrics.PendingOperations)
}

func TestInitializeLoadsPersistedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.StoreForOfflineSync(ctx, "notes/1", map[string]any{"a": 1}, queue.TypeSet)
	require.NoError(t, err)

	next, err := New(
		WithRemoteStore(f.remote),
		WithKeyValueStore(f.kv),
		WithLogger(logging.Discard().Logger),
	)
	require.NoError(t, err)
	require.NoError(t, next.Initialize(ctx))
	require.NoError(t, next.Initialize(ctx))

	assert.Equal(t, 1, next.OfflineQueueStatus(ctx).QueueSize)
	assert.True(t, next.Online())
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Close())
	require.NoError(t, f.client.Close())
	assert.Error(t, f.client.Initialize(context.Background()))
}

// lockedKV fails reads until unlocked.
type lockedKV struct {
	*memory.Store
	locked atomic.Bool
}

func (s *lockedKV) Get(ctx context.Context, key string) ([]byte, error) {
	if s.locked.Load() {
		return nil, fmt.Errorf("database is locked")
	}
	return s.Store.Get(ctx, key)
}

func TestSetDoc_UnreadableQueueIsNotReportedQueued(t *testing.T) {
	ctx := context.Background()
	kv := &lockedKV{Store: memory.New()}
	seed := queue.New(kv.Store, queue.Config{Logger: logging.Discard().Logger})
	_, err := seed.Enqueue(ctx, queue.Operation{Path: "notes/0", Mutation: queue.DeleteMutation{}}, queue.EnqueueOptions{})
	require.NoError(t, err)

	rs := memstore.New()
	rs.FailAlways(memstore.OpSet, nil)
	client, err := New(
		WithRemoteStore(rs),
		WithKeyValueStore(kv),
		WithRetryDefaults(fastRetry()),
		WithLogger(logging.Discard().Logger),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	kv.locked.Store(true)
	res := SetDoc(ctx, client, "notes/1", map[string]any{"title": "x"})
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.True(t, syncErrors.HasCode(res.Error, syncErrors.ErrCodeTransientRemote))

	kv.locked.Store(false)
	check := queue.New(kv.Store, queue.Config{Logger: logging.Discard().Logger})
	require.NoError(t, check.Load(ctx))
	ops := check.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, "notes/0", ops[0].Path)
}

// panickingRemote panics on every read and delete.
type panickingRemote struct {
	*memstore.Store
}

func (panickingRemote) Get(context.Context, string) (remote.Snapshot, error) {
	panic("driver bug")
}

func (panickingRemote) Delete(context.Context, string) error {
	panic("driver bug")
}

func TestDocumentCalls_PanicIsReportedWithOperation(t *testing.T) {
	f := newFixture(t, WithRemoteStore(panickingRemote{Store: memstore.New()}))
	ctx := context.Background()

	opOf := func(t *testing.T, err error) syncErrors.Operation {
		t.Helper()
		var se *syncErrors.SyncError
		require.True(t, errors.As(err, &se), "error: %v", err)
		return se.Op
	}

	get := GetDoc[note](ctx, f.client, "notes/1")
	assert.False(t, get.Success)
	assert.Equal(t, syncErrors.OpGet, opOf(t, get.Error))
	assert.Contains(t, get.Error.Error(), "driver bug")

	del := DeleteDoc(ctx, f.client, "notes/1")
	assert.False(t, del.Success)
	assert.False(t, del.Queued)
	assert.Equal(t, syncErrors.OpDelete, opOf(t, del.Error))

	set := SetDoc(ctx, f.client, "notes/1", map[string]any{"title": "x"})
	assert.False(t, set.Success)
	assert.Equal(t, syncErrors.OpSet, opOf(t, set.Error))
}

func TestNextVersion(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{nil, 1},
		{"3", 1},
		{2, 3},
		{int64(9), 10},
		{float64(4), 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextVersion(tt.in), "nextVersion(%v)", tt.in)
	}
}
