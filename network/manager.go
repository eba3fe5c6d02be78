// Package network tracks connectivity and drains the offline queue when it returns.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/queue"
)

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Drainer replays queued operations. *queue.Processor implements it.
type Drainer interface {
	Drain(ctx context.Context) (queue.Metrics, error)
}

// Toggler is the remote store's network switch.
type Toggler interface {
	EnableNetwork(ctx context.Context) error
	DisableNetwork(ctx context.Context) error
}

// Config configures a Manager.
type Config struct {
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("network")).Logger
	}
}

type listenerEntry struct {
	id int
	fn Listener
}

// Manager is the online/offline state machine. Going online notifies
// listeners, re-enables the remote store and starts at most one drain.
type Manager struct {
	source  Source
	remote  Toggler
	drainer Drainer
	logger  *logging.Logger

	mu          sync.RWMutex
	online      bool
	initialized bool
	listeners   []listenerEntry
	nextID      int
	unsubscribe func()
	ctx         context.Context

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewManager creates a manager. remote and drainer may be nil.
func NewManager(source Source, remote Toggler, drainer Drainer, config Config) *Manager {
	config.setDefaults()
	return &Manager{
		source:  source,
		remote:  remote,
		drainer: drainer,
		logger:  &logging.Logger{Logger: config.Logger},
	}
}

// Initialize starts the source and adopts its current state. It does not
// notify listeners or drain.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return syncErrors.New(syncErrors.OpNetwork, fmt.Errorf("network manager already initialized"))
	}
	m.initialized = true
	m.ctx = context.WithoutCancel(ctx)
	m.online = m.source.Online()
	m.mu.Unlock()

	unsubscribe := m.source.Subscribe(m.handle)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	if err := m.source.Start(ctx); err != nil {
		unsubscribe()
		m.mu.Lock()
		m.initialized = false
		m.mu.Unlock()
		return syncErrors.WrapOpComponent(err, syncErrors.OpNetwork, "network")
	}

	m.logger.Info("Network manager initialized", slog.Bool("online", m.Online()))
	return nil
}

// Dispose stops the source and waits for an in-flight drain.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	err := m.source.Stop()
	m.wg.Wait()
	return err
}

// Online reports the current state.
func (m *Manager) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Draining reports whether a reconnect drain is in flight.
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// AddListener registers fn and returns a function that removes it.
func (m *Manager) AddListener(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) handle(online bool) {
	m.mu.Lock()
	if !m.initialized || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ctx := m.ctx
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("Network state changed", slog.Bool("online", online))

	for _, l := range listeners {
		m.notify(l, online)
	}

	if !online {
		if m.remote != nil {
			if err := m.remote.DisableNetwork(ctx); err != nil {
				m.logger.LogWarning(ctx, err, "Failed to disable remote network")
			}
		}
		return
	}

	if m.remote != nil {
		if err := m.remote.EnableNetwork(ctx); err != nil {
			m.logger.LogWarning(ctx, err, "Failed to enable remote network")
		}
	}
	m.startDrain(ctx)
}

func (m *Manager) notify(l listenerEntry, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Network listener panicked",
				slog.Int("listener", l.id),
				slog.Any("panic", r))
		}
	}()
	l.fn(online)
}

// startDrain runs one drain in the background unless one is already running
// or the manager has been disposed. The wait group is joined under mu so
// Dispose cannot miss it.
func (m *Manager) startDrain(ctx context.Context) {
	if m.drainer == nil {
		return
	}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		m.logger.Debug("Network manager disposed, skipping drain")
		return
	}
	if !m.draining.CompareAndSwap(false, true) {
		m.mu.Unlock()
		m.logger.Debug("Drain already in progress, skipping")
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.draining.Store(false)

		metrics, err := m.drainer.Drain(ctx)
		if err != nil {
			m.logger.LogError(ctx, err, "Reconnect drain failed")
			return
		}
		m.logger.Info("Reconnect drain finished",
			slog.Int("total", metrics.TotalOperations),
			slog.Int("pending", metrics.PendingOperations))
	}()
}
