package database

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect captures the SQL differences between supported stores.
type Dialect struct {
	// Name is the user-facing driver name ("mysql", "postgres", "duckdb").
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// DefaultPort is used when the config leaves Port unset.
	DefaultPort int

	quote         byte
	numbered      bool
	currentSchema string
}

var (
	MySQL = Dialect{
		Name: "mysql", Driver: "mysql", DefaultPort: 3306,
		quote: '`', currentSchema: "DATABASE()",
	}
	Postgres = Dialect{
		Name: "postgres", Driver: "pgx", DefaultPort: 5432,
		quote: '"', numbered: true, currentSchema: "current_schema()",
	}
	DuckDB = Dialect{
		Name: "duckdb", Driver: "duckdb",
		quote: '"', numbered: true, currentSchema: "current_schema()",
	}
)

// DialectByName looks up a dialect. "postgresql" and "pgx" are accepted as
// aliases of postgres.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "duckdb":
		return DuckDB, nil
	}
	return Dialect{}, fmt.Errorf("unsupported driver: %s (must be 'mysql', 'postgres' or 'duckdb')", name)
}

// QuoteIdent quotes a single identifier.
func (d Dialect) QuoteIdent(name string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// Qualify returns the quoted table name, prefixed with the quoted schema when
// one is given.
func (d Dialect) Qualify(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

// Placeholder returns the bind marker for the n-th (1-based) parameter.
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// CurrentSchema is the SQL expression for the session's default schema.
func (d Dialect) CurrentSchema() string {
	return d.currentSchema
}

// DSN renders the driver connection string for cfg.
func (d Dialect) DSN(cfg ConnectionConfig, connectTimeout time.Duration) string {
	port := cfg.Port
	if port == 0 {
		port = d.DefaultPort
	}
	switch d.Driver {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Timeout = connectTimeout
		return mc.FormatDSN()
	case "pgx":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Path:   "/" + cfg.Database,
		}
		if connectTimeout > 0 {
			secs := int(connectTimeout.Seconds())
			if secs < 1 {
				secs = 1
			}
			q := u.Query()
			q.Set("connect_timeout", strconv.Itoa(secs))
			u.RawQuery = q.Encode()
		}
		return u.String()
	default:
		// DuckDB is embedded: the database is a file path, empty for in-memory.
		return cfg.Database
	}
}

// Open opens a pool for cfg without verifying connectivity.
func (d Dialect) Open(cfg ConnectionConfig, connectTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open(d.Driver, d.DSN(cfg, connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.Name, err)
	}
	return db, nil
}
