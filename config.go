package dbgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/cache"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
	"github.com/tobilg/caddyserver-dbgate-module/handlers"
)

// RoutePrefixEnv overrides the route prefix.
const RoutePrefixEnv = "DBGATE_ROUTE_PREFIX"

const (
	defaultName         = "default"
	defaultQueryTimeout = 30 * time.Second
	defaultRateBurst    = 20
)

// applyDefaults fills in every unset field.
func (d *DBGate) applyDefaults() {
	if d.Name == "" {
		d.Name = defaultName
	}
	if d.Driver == "" {
		d.Driver = database.MySQL.Name
	}
	if d.QueryTimeout == 0 {
		d.QueryTimeout = caddy.Duration(defaultQueryTimeout)
	}
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = caddy.Duration(database.DefaultConnectTimeout)
	}
	if d.DrainTimeout == 0 {
		d.DrainTimeout = caddy.Duration(database.DefaultDrainTimeout)
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = caddy.Duration(cache.DefaultTTL)
	}
	if d.CacheMaxSize == 0 {
		d.CacheMaxSize = cache.DefaultMaxSize
	}
	if d.CacheSweepInterval == 0 {
		d.CacheSweepInterval = caddy.Duration(cache.DefaultSweepInterval)
	}
	if d.MaxRows == 0 {
		d.MaxRows = gateway.DefaultMaxRows
	}
	if d.RateLimit > 0 && d.RateBurst == 0 {
		d.RateBurst = defaultRateBurst
	}

	d.routePrefix = handlers.DefaultRoutePrefix
	if envPrefix := os.Getenv(RoutePrefixEnv); envPrefix != "" {
		d.routePrefix = envPrefix
	}
	if !strings.HasPrefix(d.routePrefix, "/") {
		d.routePrefix = "/" + d.routePrefix
	}
	d.routePrefix = strings.TrimSuffix(d.routePrefix, "/")
}

// connectionConfig is the part of the module config that a reload may
// change without losing sessions.
func (d *DBGate) connectionConfig() database.ConnectionConfig {
	return database.ConnectionConfig{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
	}
}

func (d *DBGate) credentials() auth.Credentials {
	return auth.Credentials{
		AdminPassword:     d.AdminPassword,
		ReadWritePassword: d.ReadWritePassword,
		ReadOnlyPassword:  d.ReadOnlyPassword,
	}
}

// stateSettings are fixed for the lifetime of a pooled gateway state. A
// reload that changes them only takes effect once every config using the
// state has been unloaded.
type stateSettings struct {
	driver             string
	credentials        auth.Credentials
	sessionTTL         time.Duration
	cacheMaxSize       int
	cacheSweepInterval time.Duration
	queryTimeout       time.Duration
	connectTimeout     time.Duration
	drainTimeout       time.Duration
}

func (d *DBGate) stateSettings() stateSettings {
	return stateSettings{
		driver:             d.Driver,
		credentials:        d.credentials(),
		sessionTTL:         time.Duration(d.SessionTTL),
		cacheMaxSize:       d.CacheMaxSize,
		cacheSweepInterval: time.Duration(d.CacheSweepInterval),
		queryTimeout:       time.Duration(d.QueryTimeout),
		connectTimeout:     time.Duration(d.ConnectTimeout),
		drainTimeout:       time.Duration(d.DrainTimeout),
	}
}

// Validate ensures the module configuration is valid.
func (d *DBGate) Validate() error {
	if _, err := database.DialectByName(d.Driver); err != nil {
		return err
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("invalid port: %d", d.Port)
	}
	if d.AdminPassword == "" && d.ReadWritePassword == "" && d.ReadOnlyPassword == "" {
		return fmt.Errorf("at least one of admin_password, readwrite_password or readonly_password is required")
	}
	if d.MaxRows <= 0 {
		return fmt.Errorf("max_rows must be greater than 0")
	}
	if d.CacheMaxSize <= 0 {
		return fmt.Errorf("cache_max_size must be greater than 0")
	}
	for name, v := range map[string]caddy.Duration{
		"query_timeout":        d.QueryTimeout,
		"connect_timeout":      d.ConnectTimeout,
		"drain_timeout":        d.DrainTimeout,
		"cache_ttl":            d.CacheTTL,
		"cache_sweep_interval": d.CacheSweepInterval,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if d.SessionTTL < 0 {
		return fmt.Errorf("session_ttl must be >= 0 (0 disables expiry)")
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0 (0 disables rate limiting)")
	}
	return nil
}
