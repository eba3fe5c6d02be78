// Package remote defines the path-addressed document store the engine writes through.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is the cause when Update targets a missing document.
var ErrNotFound = errors.New("document not found")

// Document is a document body.
type Document = map[string]any

// Snapshot is the result of a read. Data is nil when Exists is false.
type Snapshot struct {
	Data   Document
	Exists bool
}

// DocumentStore is a remote document database with a switchable network channel.
type DocumentStore interface {
	// Get reads the document at path. A missing document is not an error.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set writes data at path. With merge, fields are merged into an existing document.
	Set(ctx context.Context, path string, data Document, merge bool) error
	// Update merges data into an existing document and fails if it does not exist.
	Update(ctx context.Context, path string, data Document) error
	// Delete removes the document. Deleting a missing document succeeds.
	Delete(ctx context.Context, path string) error

	EnableNetwork(ctx context.Context) error
	DisableNetwork(ctx context.Context) error
}

const serverTimestampKey = "$serverTimestamp"

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{"` + serverTimestampKey + `":true}`), nil
}

// ServerTimestamp returns a placeholder the store replaces with its own clock
// when the write is applied.
func ServerTimestamp() any {
	return serverTimestamp{}
}

// IsServerTimestamp reports whether v is the placeholder, in Go or decoded JSON form.
func IsServerTimestamp(v any) bool {
	switch t := v.(type) {
	case serverTimestamp:
		return true
	case map[string]any:
		b, ok := t[serverTimestampKey].(bool)
		return ok && b && len(t) == 1
	}
	return false
}

// ResolveServerTimestamps returns a copy of doc with every top-level placeholder
// replaced by now in epoch milliseconds.
func ResolveServerTimestamps(doc Document, now time.Time) Document {
	out := make(Document, len(doc))
	ms := now.UnixMilli()
	for k, v := range doc {
		if IsServerTimestamp(v) {
			out[k] = ms
			continue
		}
		out[k] = v
	}
	return out
}

// Clone deep-copies a document through JSON, normalizing numbers to float64.
func Clone(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
