package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/go-docsync/conflict"
	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/queue"
	"github.com/c0deZ3R0/go-docsync/remote"
	"github.com/c0deZ3R0/go-docsync/retry"
)

// Metadata fields stamped on every write.
const (
	FieldUpdatedAt = "updatedAt"
	FieldSyncedAt  = "syncedAt"
	FieldVersion   = "version"
)

// Result is the outcome of a document call. Calls never panic or return a
// bare error; failures are reported through Success and Error.
type Result[T any] struct {
	Success bool
	Data    T
	// Exists is set by GetDoc.
	Exists bool
	Error  error
	// Queued means the write failed and was stored for replay.
	Queued bool
}

// GetDoc reads the document at path with retries.
func GetDoc[T any](ctx context.Context, c *Client, path string, opts ...Option) (result Result[T]) {
	defer recoverResult(c, syncErrors.OpGet, path, &result)
	o := c.options(opts)

	snap, err := retry.Do(ctx, c.executor(o), func(ctx context.Context) (remote.Snapshot, error) {
		return c.remote.Get(ctx, path)
	})
	if err != nil {
		c.logger.LogError(ctx, err, "Failed to get document", slog.String("path", path))
		return Result[T]{Error: err}
	}
	if !snap.Exists {
		return Result[T]{Success: true}
	}

	data, err := fromDocument[T](snap.Data)
	if err != nil {
		return Result[T]{Error: syncErrors.NewValidationError(syncErrors.OpGet, err)}
	}
	return Result[T]{Success: true, Data: data, Exists: true}
}

// SetDoc writes data to path as a merge, resolving against the current
// remote document first. Writes that exhaust their retries are queued when
// offline support is enabled.
func SetDoc[T any](ctx context.Context, c *Client, path string, data T, opts ...Option) (result Result[T]) {
	defer recoverResult(c, syncErrors.OpSet, path, &result)
	o := c.options(opts)

	original, err := toDocument(data)
	if err != nil {
		return Result[T]{Error: syncErrors.NewValidationError(syncErrors.OpSet, err)}
	}

	write := copyDocument(original)
	var version any

	// best effort; a failed read is treated as "no existing document"
	existing, err := c.remote.Get(ctx, path)
	if err != nil {
		c.logger.Debug("Pre-write read failed, skipping conflict resolution",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	if err == nil && existing.Exists {
		version = existing.Data[FieldVersion]

		strategy := o.Strategy
		if strategy == "" {
			strategy = c.rules.StrategyFor(path)
		}
		if strategy != conflict.ClientWins {
			resolution := conflict.Resolve(original, existing.Data, conflict.Options{
				Strategy:  strategy,
				MergeFunc: o.MergeFunc,
			})
			write = resolution.Data
			if v, ok := write[FieldVersion]; ok {
				version = v
			}
			if len(resolution.Conflicts) > 0 {
				c.logger.LogWarning(ctx,
					syncErrors.NewConflictError(syncErrors.OpConflictResolve,
						fmt.Errorf("%d conflicting fields", len(resolution.Conflicts))).
						WithMetadata("path", path).
						WithMetadata("strategy", string(strategy)),
					"Resolved conflicting document write")
			}
		}
	}

	stamp(write)
	write[FieldVersion] = nextVersion(version)

	err = c.executor(o).Execute(ctx, func(ctx context.Context) error {
		return c.remote.Set(ctx, path, write, true)
	})
	if err != nil {
		return failedWrite[T](ctx, c, o, path, queue.SetMutation{Data: original}, err)
	}
	return Result[T]{Success: true, Data: data}
}

// UpdateDoc merges data into the existing document at path without
// conflict resolution. The document must exist remotely.
func UpdateDoc[T any](ctx context.Context, c *Client, path string, data T, opts ...Option) (result Result[T]) {
	defer recoverResult(c, syncErrors.OpUpdate, path, &result)
	o := c.options(opts)

	original, err := toDocument(data)
	if err != nil {
		return Result[T]{Error: syncErrors.NewValidationError(syncErrors.OpUpdate, err)}
	}

	write := copyDocument(original)
	stamp(write)

	err = c.executor(o).Execute(ctx, func(ctx context.Context) error {
		return c.remote.Update(ctx, path, write)
	})
	if err != nil {
		return failedWrite[T](ctx, c, o, path, queue.UpdateMutation{Data: original}, err)
	}
	return Result[T]{Success: true, Data: data}
}

// DeleteDoc removes the document at path, queueing the delete if the
// remote store stays unreachable.
func DeleteDoc(ctx context.Context, c *Client, path string, opts ...Option) (result Result[struct{}]) {
	defer recoverResult(c, syncErrors.OpDelete, path, &result)
	o := c.options(opts)

	err := c.executor(o).Execute(ctx, func(ctx context.Context) error {
		return c.remote.Delete(ctx, path)
	})
	if err != nil {
		return failedWrite[struct{}](ctx, c, o, path, queue.DeleteMutation{}, err)
	}
	return Result[struct{}]{Success: true}
}

// failedWrite queues the mutation when the failure is worth replaying.
func failedWrite[T any](ctx context.Context, c *Client, o Options, path string, mutation queue.Mutation, err error) Result[T] {
	result := Result[T]{Error: err}
	if !o.EnableOffline || !syncErrors.IsRetryable(err) {
		c.logger.LogError(ctx, err, "Document write failed",
			slog.String("path", path),
			slog.String("type", string(mutation.Type())))
		return result
	}

	op, qErr := c.queue.Enqueue(ctx, queue.Operation{
		Path:      path,
		Mutation:  mutation,
		UserID:    o.UserID,
		SessionID: o.SessionID,
	}, queue.EnqueueOptions{Priority: o.Priority, Deduplicate: o.Deduplicate})
	if qErr != nil && !heldInMemory(qErr) {
		c.logger.LogError(ctx, qErr, "Failed to queue document write", slog.String("path", path))
		return result
	}
	if qErr != nil {
		c.logger.LogError(ctx, qErr, "Queued write was not persisted", slog.String("path", path))
	}

	c.logger.Info("Document write queued for offline sync",
		slog.String("path", path),
		slog.String("id", op.ID),
		slog.String("type", string(mutation.Type())),
		slog.String("priority", string(op.Priority)))
	result.Queued = true
	return result
}

// heldInMemory reports whether an Enqueue error still left the operation in
// the queue. Only a failed persist does; a rejected operation or an unreadable
// persisted list does not.
func heldInMemory(err error) bool {
	var se *syncErrors.SyncError
	if !errors.As(err, &se) {
		return false
	}
	return se.Op == syncErrors.OpPersist && se.Code == syncErrors.ErrCodeStorageFailure
}

func (c *Client) executor(o Options) *retry.Executor {
	return retry.NewExecutor(o.Retry, c.logger.Logger)
}

func recoverResult[T any](c *Client, op syncErrors.Operation, path string, result *Result[T]) {
	if r := recover(); r != nil {
		c.logger.Error("Document call panicked",
			slog.String("op", string(op)),
			slog.String("path", path),
			slog.Any("panic", r))
		*result = Result[T]{Error: syncErrors.New(op, fmt.Errorf("panic: %v", r))}
	}
}

func stamp(doc remote.Document) {
	doc[FieldUpdatedAt] = remote.ServerTimestamp()
	doc[FieldSyncedAt] = remote.ServerTimestamp()
}

// nextVersion returns v+1, treating a missing or non-numeric version as 0.
func nextVersion(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n) + 1
	case int32:
		return int64(n) + 1
	case int64:
		return n + 1
	case float32:
		return int64(n) + 1
	case float64:
		return int64(n) + 1
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i + 1
		}
		if f, err := n.Float64(); err == nil {
			return int64(f) + 1
		}
	}
	return 1
}

func copyDocument(doc remote.Document) remote.Document {
	out := make(remote.Document, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// toDocument converts v to a field map. Maps are used as-is; anything else
// goes through its JSON form.
func toDocument[T any](v T) (remote.Document, error) {
	switch doc := any(v).(type) {
	case map[string]any:
		return copyDocument(doc), nil
	case nil:
		return remote.Document{}, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc remote.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must encode to a JSON object: %w", err)
	}
	if doc == nil {
		doc = remote.Document{}
	}
	return doc, nil
}

func fromDocument[T any](doc remote.Document) (T, error) {
	var out T
	if m, ok := any(doc).(T); ok {
		return m, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}
