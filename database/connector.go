package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Conn is a live handle to the data store.
type Conn interface {
	// Execute runs one statement. Row-returning statements produce a
	// Result with rows; others report RowsAffected.
	Execute(ctx context.Context, query string, params []any) (*Result, error)
	Dialect() Dialect
	ID() string
	Close() error
}

// Connector establishes connections for a given config.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectionConfig) (Conn, error)
}

// ConnectError reports a failed attempt to reach the data store.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err means the store is unreachable, as
// opposed to a statement the store rejected.
func IsConnectionError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone)
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newConnID returns a sortable identifier for a connection.
func newConnID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// SQLConnector connects through database/sql.
type SQLConnector struct {
	Dialect         Dialect
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration
	Logger          *zap.Logger

	// OpenDB overrides how the pool is opened, for tests.
	OpenDB func(d Dialect, cfg ConnectionConfig) (*sql.DB, error)
}

// Connect opens a pool for cfg and verifies it with a ping.
func (c *SQLConnector) Connect(ctx context.Context, cfg ConnectionConfig) (Conn, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	open := c.OpenDB
	if open == nil {
		open = func(d Dialect, cfg ConnectionConfig) (*sql.DB, error) {
			return d.Open(cfg, c.ConnectTimeout)
		}
	}

	db, err := open(c.Dialect, cfg)
	if err != nil {
		return nil, &ConnectError{Target: cfg.String(), Err: err}
	}

	maxOpen := c.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := c.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen / 2
	}
	lifetime := c.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectError{Target: cfg.String(), Err: err}
	}

	conn := &sqlConn{
		id:      newConnID(),
		db:      db,
		dialect: c.Dialect,
		timeout: c.QueryTimeout,
	}

	logger.Info("Database connected",
		zap.String("connection_id", conn.id),
		zap.String("driver", c.Dialect.Name),
		zap.String("target", cfg.String()),
		zap.Int("max_open_conns", maxOpen),
		zap.Int("max_idle_conns", maxIdle),
	)
	return conn, nil
}

type sqlConn struct {
	id      string
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

func (c *sqlConn) ID() string       { return c.id }
func (c *sqlConn) Dialect() Dialect { return c.dialect }
func (c *sqlConn) Close() error     { return c.db.Close() }

func (c *sqlConn) Execute(ctx context.Context, query string, params []any) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if returnsRows(query) {
		rows, err := c.db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanResult(rows)
	}

	res, err := c.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	out := &Result{}
	out.RowsAffected, _ = res.RowsAffected()
	// Not every driver supports LastInsertId.
	out.LastInsertID, _ = res.LastInsertId()
	return out, nil
}

// returnsRows reports whether a statement produces a result set, judged by
// its leading keyword.
func returnsRows(query string) bool {
	s := strings.TrimLeftFunc(query, unicode.IsSpace)
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(s)
	}
	switch strings.ToLower(s[:end]) {
	case "select", "show", "describe", "desc", "with", "explain", "values", "table", "pragma", "summarize", "from":
		return true
	}
	return false
}
