package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tobilg/caddyserver-dbgate-module/metrics"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when no live connection is published.
var ErrNotConnected = errors.New("database: not connected")

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Invalidator is the part of the result cache the manager needs: results
// produced under one connection must not outlive it.
type Invalidator interface {
	Clear() int
}

// ConfigSource publishes connection settings and notifies on change.
type ConfigSource interface {
	Current() ConnectionConfig
	// OnChange registers fn for future changes. A non-nil error from fn
	// means the change was not applied and should be offered again.
	OnChange(fn func(ConnectionConfig) error) (unsubscribe func())
}

// Config holds the configuration for the connection manager.
type Config struct {
	Connector      Connector
	Cache          Invalidator
	ConnectTimeout time.Duration
	// DrainTimeout bounds how long a retired connection waits for in-flight
	// operations before it is closed anyway.
	DrainTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type liveConn struct {
	conn     Conn
	cfg      ConnectionConfig
	gen      uint64
	inflight sync.WaitGroup
}

// Manager owns the single live connection and replaces it when the
// connection settings change.
type Manager struct {
	connector      Connector
	cache          Invalidator
	connectTimeout time.Duration
	drainTimeout   time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics

	// swapMu serializes connect, swap and disconnect.
	swapMu sync.Mutex

	mu   sync.RWMutex
	live *liveConn
	gen  uint64
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		connector:      cfg.Connector,
		cache:          cfg.Cache,
		connectTimeout: cfg.ConnectTimeout,
		drainTimeout:   cfg.DrainTimeout,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

// Connect establishes the first connection. If already connected it
// behaves like ConfigChanged.
func (m *Manager) Connect(ctx context.Context, cfg ConnectionConfig) error {
	return m.apply(ctx, cfg, "connect")
}

// ConfigChanged replaces the live connection when cfg differs from the one
// it was opened with. The new connection is established first; only then is
// it published, the cache cleared and the old connection closed. On failure
// the previous connection and the cache are left untouched.
func (m *Manager) ConfigChanged(ctx context.Context, cfg ConnectionConfig) error {
	return m.apply(ctx, cfg, "swap")
}

func (m *Manager) apply(ctx context.Context, cfg ConnectionConfig, reason string) error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	m.mu.RLock()
	current := m.live
	m.mu.RUnlock()

	if current != nil && current.cfg == cfg {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	started := time.Now()
	conn, err := m.connector.Connect(connectCtx, cfg)
	if err != nil {
		m.metrics.Swap(false)
		m.logger.Error("Failed to establish connection",
			zap.String("reason", reason),
			zap.String("target", cfg.String()),
			zap.Bool("previous_kept", current != nil),
			zap.Error(err),
		)
		var ce *ConnectError
		if !errors.As(err, &ce) {
			err = &ConnectError{Target: cfg.String(), Err: err}
		}
		return err
	}

	next := &liveConn{conn: conn, cfg: cfg}

	m.mu.Lock()
	m.gen++
	next.gen = m.gen
	old := m.live
	m.live = next
	// Cleared under the publish lock so no caller sees the new handle
	// together with results produced by the old one.
	cleared := 0
	if m.cache != nil {
		cleared = m.cache.Clear()
	}
	m.mu.Unlock()

	m.metrics.Swap(true)
	m.metrics.Connected(true)
	m.logger.Info("Connection published",
		zap.String("reason", reason),
		zap.String("connection_id", conn.ID()),
		zap.Uint64("generation", next.gen),
		zap.String("target", cfg.String()),
		zap.Int("cache_entries_cleared", cleared),
		zap.Duration("connect_time", time.Since(started)),
	)

	if old != nil {
		m.retire(old)
	}
	return nil
}

// Disconnect closes the live connection. It is a no-op when disconnected.
func (m *Manager) Disconnect() error {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	m.mu.Lock()
	old := m.live
	m.live = nil
	m.mu.Unlock()

	if old == nil {
		return nil
	}
	m.metrics.Connected(false)
	return m.retire(old)
}

// retire waits for in-flight leases on old, bounded by the drain timeout,
// then closes it.
func (m *Manager) retire(old *liveConn) error {
	drained := make(chan struct{})
	go func() {
		old.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		m.logger.Warn("Closing connection with operations still in flight",
			zap.String("connection_id", old.conn.ID()),
			zap.Duration("drain_timeout", m.drainTimeout),
		)
	}

	if err := old.conn.Close(); err != nil {
		m.logger.Warn("Failed to close retired connection",
			zap.String("connection_id", old.conn.ID()),
			zap.Error(err),
		)
		return err
	}
	m.logger.Info("Connection closed",
		zap.String("connection_id", old.conn.ID()),
		zap.Uint64("generation", old.gen),
	)
	return nil
}

// Lease pins a live connection for the duration of one operation.
type Lease struct {
	live *liveConn
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn { return l.live.conn }

// Generation identifies the connection the lease was taken on.
func (l *Lease) Generation() uint64 { return l.live.gen }

// Release ends the lease. Calling it more than once is safe.
func (l *Lease) Release() {
	l.once.Do(l.live.inflight.Done)
}

// Acquire leases the live connection. The connection is not closed until
// every lease on it is released or the drain timeout passes.
func (m *Manager) Acquire() (*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil {
		return nil, ErrNotConnected
	}
	m.live.inflight.Add(1)
	return &Lease{live: m.live}, nil
}

// IfCurrent runs fn only while generation is still the live connection,
// and reports whether it ran. Swaps wait for fn to return.
func (m *Manager) IfCurrent(generation uint64, fn func()) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil || m.live.gen != generation {
		return false
	}
	fn()
	return true
}

// Watch applies every change published by src until ctx is done. It
// returns a function that stops watching early.
func (m *Manager) Watch(ctx context.Context, src ConfigSource) (stop func()) {
	unsubscribe := src.OnChange(func(cfg ConnectionConfig) error {
		if err := m.ConfigChanged(ctx, cfg); err != nil {
			m.logger.Warn("Configuration change not applied; previous connection kept",
				zap.String("target", cfg.String()),
				zap.Error(err),
			)
			return err
		}
		return nil
	})

	var once sync.Once
	stop = func() { once.Do(unsubscribe) }
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil {
		return StateDisconnected
	}
	return StateConnected
}

// Config returns the settings of the live connection.
func (m *Manager) Config() (ConnectionConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil {
		return ConnectionConfig{}, false
	}
	return m.live.cfg, true
}

// Generation returns the live connection's generation, 0 when disconnected.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.live == nil {
		return 0
	}
	return m.live.gen
}
