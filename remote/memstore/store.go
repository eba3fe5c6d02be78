// Package memstore is an in-memory remote.DocumentStore with failure injection,
// used by tests and by the development document server.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/remote"
)

// Op names a store method for failure injection and call counting.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

var (
	// ErrInjected is the cause of failures injected without an explicit error.
	ErrInjected = errors.New("injected remote failure")
	// ErrNetworkDisabled is returned while the network channel is off.
	ErrNetworkDisabled = errors.New("network disabled")
	// ErrNotFound is the cause when Update targets a missing document.
	ErrNotFound = remote.ErrNotFound
)

type failure struct {
	remaining int // negative means forever
	err       error
}

// Store keeps documents in memory. Stored documents are JSON-normalized copies.
type Store struct {
	mu       sync.Mutex
	docs     map[string]remote.Document
	network  bool
	failures map[Op]*failure
	calls    map[Op]int
	toggles  []bool
	clock    func() time.Time
}

var _ remote.DocumentStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to resolve server timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty store with the network enabled.
func New(opts ...Option) *Store {
	s := &Store{
		docs:     make(map[string]remote.Document),
		network:  true,
		failures: make(map[Op]*failure),
		calls:    make(map[Op]int),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next n calls of op fail with err (ErrInjected if nil).
func (s *Store) FailNext(op Op, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	s.failures[op] = &failure{remaining: n, err: err}
}

// FailAlways makes every call of op fail until Heal.
func (s *Store) FailAlways(op Op, err error) {
	s.FailNext(op, -1, err)
}

// Heal removes all injected failures.
func (s *Store) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[Op]*failure)
}

// Calls returns how many times op was invoked, failed or not.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// NetworkToggles returns the sequence of EnableNetwork (true) and DisableNetwork (false) calls.
func (s *Store) NetworkToggles() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.toggles...)
}

// Put seeds a document directly, bypassing failures.
func (s *Store) Put(path string, doc remote.Document) error {
	normalized, err := s.normalize(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = normalized
	return nil
}

// Peek returns the stored document without counting a call.
func (s *Store) Peek(path string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, false
	}
	out, _ := remote.Clone(doc)
	return out, true
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Store) normalize(doc remote.Document) (remote.Document, error) {
	cloned, err := remote.Clone(doc)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpSet, err)
	}
	if cloned == nil {
		cloned = remote.Document{}
	}
	return remote.ResolveServerTimestamps(cloned, s.clock()), nil
}

// begin records the call and returns any injected or network failure.
// Callers must hold s.mu.
func (s *Store) begin(ctx context.Context, op Op, syncOp syncErrors.Operation) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.network {
		return syncErrors.NewTransientRemoteError(syncOp, ErrNetworkDisabled)
	}
	f, ok := s.failures[op]
	if !ok {
		return nil
	}
	if f.remaining == 0 {
		delete(s.failures, op)
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	var syncErr *syncErrors.SyncError
	if errors.As(f.err, &syncErr) {
		return f.err
	}
	return syncErrors.NewTransientRemoteError(syncOp, f.err)
}

func (s *Store) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpGet, syncErrors.OpGet); err != nil {
		return remote.Snapshot{}, err
	}
	doc, ok := s.docs[path]
	if !ok {
		return remote.Snapshot{}, nil
	}
	out, err := remote.Clone(doc)
	if err != nil {
		return remote.Snapshot{}, err
	}
	return remote.Snapshot{Data: out, Exists: true}, nil
}

func (s *Store) Set(ctx context.Context, path string, data remote.Document, merge bool) error {
	normalized, err := s.normalize(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpSet, syncErrors.OpSet); err != nil {
		return err
	}

	existing, ok := s.docs[path]
	if !merge || !ok {
		s.docs[path] = normalized
		return nil
	}
	for k, v := range normalized {
		existing[k] = v
	}
	return nil
}

func (s *Store) Update(ctx context.Context, path string, data remote.Document) error {
	normalized, err := s.normalize(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpUpdate, syncErrors.OpUpdate); err != nil {
		return err
	}

	existing, ok := s.docs[path]
	if !ok {
		return syncErrors.NewRemoteRejectedError(syncErrors.OpUpdate, fmt.Errorf("%s: %w", path, ErrNotFound))
	}
	for k, v := range normalized {
		existing[k] = v
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpDelete, syncErrors.OpDelete); err != nil {
		return err
	}
	delete(s.docs, path)
	return nil
}

func (s *Store) EnableNetwork(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = true
	s.toggles = append(s.toggles, true)
	return nil
}

func (s *Store) DisableNetwork(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = false
	s.toggles = append(s.toggles, false)
	return nil
}
