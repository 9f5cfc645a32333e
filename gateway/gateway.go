// Package gateway runs database operations on behalf of session holders.
// Every operation resolves the caller's session, checks the role's right to
// the operation's permission class, and only then touches the cache or the
// live connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/cache"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultTableLimit is the row limit of get_table_data when none is given.
	DefaultTableLimit = 100
	// DefaultMaxRows caps get_table_data limits.
	DefaultMaxRows = 10000
)

// Config wires a Gateway to its collaborators.
type Config struct {
	Sessions *auth.SessionStore
	Manager  *database.Manager
	// Cache holds raw read-query results. Nil disables caching.
	Cache *cache.Cache[*database.Result]
	// CacheTTL is the lifetime of new entries. Zero uses the cache default.
	CacheTTL time.Duration
	MaxRows  int
	// InvalidateOnRawWrite clears the whole cache after a successful raw
	// query that is not cache-eligible. Nil means true.
	InvalidateOnRawWrite *bool
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
}

// Gateway is the request gate in front of the data store.
type Gateway struct {
	sessions             *auth.SessionStore
	manager              *database.Manager
	cache                *cache.Cache[*database.Result]
	cacheTTL             time.Duration
	maxRows              int
	invalidateOnRawWrite bool
	logger               *zap.Logger
	metrics              *metrics.Metrics
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	invalidate := true
	if cfg.InvalidateOnRawWrite != nil {
		invalidate = *cfg.InvalidateOnRawWrite
	}
	return &Gateway{
		sessions:             cfg.Sessions,
		manager:              cfg.Manager,
		cache:                cfg.Cache,
		cacheTTL:             cfg.CacheTTL,
		maxRows:              cfg.MaxRows,
		invalidateOnRawWrite: invalidate,
		logger:               cfg.Logger,
		metrics:              cfg.Metrics,
	}
}

// Authenticate exchanges credentials for a session token.
func (g *Gateway) Authenticate(ctx context.Context, username, password string) (string, error) {
	start := time.Now()
	token, err := g.sessions.Authenticate(username, password)
	if err != nil {
		g.metrics.AuthFailure()
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			err = &Error{Kind: KindAuthentication, Op: OpAuthenticate, Err: err}
		} else {
			err = &Error{Kind: KindUnknown, Op: OpAuthenticate, Err: err}
		}
		g.observe(ctx, OpAuthenticate, start, err, zap.String("username", username))
		return "", err
	}
	g.metrics.Sessions(g.sessions.Count())
	g.observe(ctx, OpAuthenticate, start, nil, zap.String("username", username))
	return token, nil
}

// Logout revokes the session. Unknown tokens are ignored.
func (g *Gateway) Logout(ctx context.Context, token string) error {
	start := time.Now()
	g.sessions.Revoke(token)
	g.metrics.Sessions(g.sessions.Count())
	g.observe(ctx, OpLogout, start, nil)
	return nil
}

// Query runs a raw statement. Read statements are served from and stored in
// the result cache.
func (g *Gateway) Query(ctx context.Context, token, query string, params []any) (*database.Result, error) {
	start := time.Now()
	res, err := g.query(ctx, token, query, params)
	g.observe(ctx, OpQuery, start, err)
	return res, err
}

func (g *Gateway) query(ctx context.Context, token, query string, params []any) (*database.Result, error) {
	user, err := g.resolve(OpQuery, token)
	if err != nil {
		return nil, err
	}
	class, _ := OpQuery.Class(query)
	if err := g.authorize(OpQuery, user, class); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, invalidArgument(OpQuery, class, "query cannot be empty")
	}

	cacheable := g.cache != nil && cache.ShouldCache(query)
	if cacheable {
		if res, ok := g.cache.Get(query, params); ok {
			return res, nil
		}
	}

	lease, err := g.manager.Acquire()
	if err != nil {
		return nil, storeError(OpQuery, class, err)
	}
	defer lease.Release()

	res, err := lease.Conn().Execute(ctx, query, params)
	if err != nil {
		return nil, storeError(OpQuery, class, err)
	}

	switch {
	case cacheable:
		// Results from a connection that was swapped out meanwhile are
		// returned but not cached.
		g.manager.IfCurrent(lease.Generation(), func() {
			g.cache.Set(query, res, params, g.cacheTTL)
		})
	case g.cache != nil && g.invalidateOnRawWrite:
		if n := g.cache.Clear(); n > 0 {
			g.logger.Debug("Cleared result cache after raw write",
				zap.String("class", string(class)),
				zap.Int("entries", n),
			)
		}
	}
	return res, nil
}

// ListDatabases returns the schema names visible to the connection.
func (g *Gateway) ListDatabases(ctx context.Context, token string) ([]string, error) {
	start := time.Now()
	res, err := g.structured(ctx, OpListDatabases, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildListDatabases(d), nil
	})
	g.observe(ctx, OpListDatabases, start, err)
	if err != nil {
		return nil, err
	}
	return firstColumn(res), nil
}

// ListTables returns the tables of database, or of the connection's default
// schema when database is empty.
func (g *Gateway) ListTables(ctx context.Context, token, db string) ([]string, error) {
	start := time.Now()
	res, err := g.structured(ctx, OpListTables, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildListTables(d, db)
	})
	g.observe(ctx, OpListTables, start, err, zap.String("database", db))
	if err != nil {
		return nil, err
	}
	return firstColumn(res), nil
}

// DescribeTable returns one row per column with name, type, nullable and
// default_value.
func (g *Gateway) DescribeTable(ctx context.Context, token, table, db string) (*database.Result, error) {
	start := time.Now()
	res, err := g.structured(ctx, OpDescribeTable, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildDescribeTable(d, db, table)
	})
	g.observe(ctx, OpDescribeTable, start, err, zap.String("table", table))
	return res, err
}

// GetTableData returns up to limit rows of table. A limit of zero or less
// means DefaultTableLimit; larger limits are capped at MaxRows.
func (g *Gateway) GetTableData(ctx context.Context, token, table string, limit int, db string) (*database.Result, error) {
	start := time.Now()
	limit = g.clampLimit(limit)
	res, err := g.structured(ctx, OpGetTableData, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildSelectAll(d, db, table, limit)
	})
	g.observe(ctx, OpGetTableData, start, err, zap.String("table", table), zap.Int("limit", limit))
	return res, err
}

// Insert adds one row to table.
func (g *Gateway) Insert(ctx context.Context, token, table string, data map[string]any, db string) (*database.Result, error) {
	start := time.Now()
	res, err := g.structured(ctx, OpInsert, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildInsert(d, db, table, data)
	})
	if err == nil {
		g.invalidateTable(table)
	}
	g.observe(ctx, OpInsert, start, err, zap.String("table", table))
	return res, err
}

// Update changes the rows of table matching where.
func (g *Gateway) Update(ctx context.Context, token, table string, data, where map[string]any, db string) (*database.Result, error) {
	start := time.Now()
	res, err := g.structured(ctx, OpUpdate, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildUpdate(d, db, table, data, where)
	})
	if err == nil {
		g.invalidateTable(table)
	}
	g.observe(ctx, OpUpdate, start, err, zap.String("table", table))
	return res, err
}

// Delete removes the rows of table matching where.
func (g *Gateway) Delete(ctx context.Context, token, table string, where map[string]any, db string) (*database.Result, error) {
	start := time.Now()
	res, err := g.structured(ctx, OpDelete, token, func(d database.Dialect) (database.Statement, error) {
		return database.BuildDelete(d, db, table, where)
	})
	if err == nil {
		g.invalidateTable(table)
	}
	g.observe(ctx, OpDelete, start, err, zap.String("table", table))
	return res, err
}

// structured runs an operation whose permission class is fixed by its name.
// Structured results are never cached.
func (g *Gateway) structured(ctx context.Context, op Operation, token string, build func(database.Dialect) (database.Statement, error)) (*database.Result, error) {
	user, err := g.resolve(op, token)
	if err != nil {
		return nil, err
	}
	class, _ := op.Class("")
	if err := g.authorize(op, user, class); err != nil {
		return nil, err
	}

	lease, err := g.manager.Acquire()
	if err != nil {
		return nil, storeError(op, class, err)
	}
	defer lease.Release()

	conn := lease.Conn()
	stmt, err := build(conn.Dialect())
	if err != nil {
		return nil, storeError(op, class, err)
	}
	res, err := conn.Execute(ctx, stmt.Query, stmt.Params)
	if err != nil {
		return nil, storeError(op, class, err)
	}
	return res, nil
}

func (g *Gateway) resolve(op Operation, token string) (*auth.User, error) {
	user, ok := g.sessions.Resolve(token)
	if !ok {
		return nil, &Error{Kind: KindAuthentication, Op: op, Err: auth.ErrSessionNotFound}
	}
	return user, nil
}

func (g *Gateway) authorize(op Operation, user *auth.User, class auth.PermissionClass) error {
	if auth.Allows(user.Role, class) {
		return nil
	}
	g.logger.Warn("Permission denied",
		zap.String("operation", string(op)),
		zap.String("username", user.Username),
		zap.String("role", string(user.Role)),
		zap.String("class", string(class)),
	)
	return &Error{Kind: KindAuthorization, Op: op, Class: class, Err: ErrPermissionDenied}
}

func (g *Gateway) invalidateTable(table string) {
	if g.cache == nil {
		return
	}
	if n := g.cache.InvalidateTable(table); n > 0 {
		g.logger.Debug("Invalidated cached results",
			zap.String("table", table),
			zap.Int("entries", n),
		)
	}
}

func (g *Gateway) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultTableLimit
	}
	if limit > g.maxRows {
		limit = g.maxRows
	}
	return limit
}

func (g *Gateway) observe(ctx context.Context, op Operation, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	g.metrics.ObserveOperation(string(op), outcome, elapsed)

	fields = append(fields,
		zap.String("operation", string(op)),
		zap.Duration("duration", elapsed),
	)
	if id := auth.GetRequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}

	switch KindOf(err) {
	case KindUnknown:
		if err == nil {
			g.logger.Debug("Operation completed", fields...)
			return
		}
		g.logger.Error("Operation failed", append(fields, zap.Error(err))...)
	case KindExec, KindConnection:
		g.logger.Error("Operation failed", append(fields, zap.String("kind", KindOf(err).String()), zap.Error(err))...)
	default:
		g.logger.Info("Operation rejected", append(fields, zap.String("kind", KindOf(err).String()), zap.Error(err))...)
	}
}

func firstColumn(res *database.Result) []string {
	if res == nil || len(res.Columns) == 0 {
		return []string{}
	}
	col := res.Columns[0]
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		switch v := row[col].(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}
