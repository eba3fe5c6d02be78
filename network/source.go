package network

import (
	"context"
	"sync"
)

// Source reports connectivity changes. Subscribers are called on every
// transition; sources do not deduplicate repeated states.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// broadcaster keeps the current state and the subscriber set shared by sources.
type broadcaster struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func (b *broadcaster) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(online bool)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(bool))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

func (b *broadcaster) publish(online bool) {
	b.mu.Lock()
	b.online = online
	subs := make([]func(bool), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// ManualSource is driven by the application, e.g. from OS connectivity callbacks.
type ManualSource struct {
	broadcaster
}

// NewManualSource creates a source with the given initial state.
func NewManualSource(online bool) *ManualSource {
	s := &ManualSource{}
	s.online = online
	return s
}

func (s *ManualSource) Start(ctx context.Context) error { return nil }

func (s *ManualSource) Stop() error { return nil }

// SetOnline publishes a connectivity change.
func (s *ManualSource) SetOnline(online bool) {
	s.publish(online)
}
