package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/retry"
)

// WebSocketConfig configures a WebSocketSource.
type WebSocketConfig struct {
	// URL of the document server's /ws endpoint.
	URL string `mapstructure:"url"`

	// BaseDelay and MaxDelay bound the reconnect backoff.
	// Defaults: 1s, 30s
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`

	// PingInterval is how often a ping is written to detect dead peers.
	// Default: 15s
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// HandshakeTimeout bounds each dial.
	// Default: 10s
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	Logger *slog.Logger `mapstructure:"-"`
}

func (c *WebSocketConfig) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("network-websocket")).Logger
	}
}

// WebSocketSource treats a live WebSocket connection to the document server
// as the online signal. A read error means offline; the source then redials
// with capped exponential backoff.
type WebSocketSource struct {
	broadcaster

	config WebSocketConfig
	dialer *websocket.Dialer
	logger *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketSource creates a source. It starts offline.
func NewWebSocketSource(config WebSocketConfig) *WebSocketSource {
	config.setDefaults()
	return &WebSocketSource{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger: &logging.Logger{Logger: config.Logger},
	}
}

// Start begins the connect loop. Calling Start twice is an error.
func (s *WebSocketSource) Start(ctx context.Context) error {
	if s.config.URL == "" {
		return syncErrors.NewValidationError(syncErrors.OpNetwork, fmt.Errorf("websocket url is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return syncErrors.New(syncErrors.OpNetwork, fmt.Errorf("websocket source already started"))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (s *WebSocketSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *WebSocketSource) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.config.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.Online() || attempt == 0 {
				s.logger.Debug("WebSocket dial failed",
					slog.String("url", s.config.URL),
					slog.String("error", err.Error()))
			}
			if s.Online() {
				s.publish(false)
			}

			delay := retry.Backoff(attempt, s.config.BaseDelay, s.config.MaxDelay)
			attempt++
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		s.logger.Info("WebSocket connected", slog.String("url", s.config.URL))
		s.publish(true)

		err = s.hold(ctx, conn)
		s.publish(false)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("WebSocket disconnected", slog.String("error", err.Error()))
	}
}

// hold reads from conn until it fails or ctx is cancelled, pinging in the background.
func (s *WebSocketSource) hold(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := 2 * s.config.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				// unblocks ReadMessage
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	var err error
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
	}
	cancel()
	wg.Wait()
	return err
}
