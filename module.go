// Package dbgate provides a Caddy HTTP handler that fronts a SQL database
// with session authentication, role-based permissions and a read cache.
package dbgate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
	"github.com/tobilg/caddyserver-dbgate-module/handlers"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(DBGate{})
	httpcaddyfile.RegisterHandlerDirective("dbgate", parseCaddyfile)
}

// DBGate is a Caddy module that exposes database tools over HTTP.
type DBGate struct {
	// Name identifies the gateway state that survives config reloads.
	// Default is "default".
	Name string `json:"name,omitempty"`

	// Driver is one of "mysql" (default), "postgres" or "duckdb".
	Driver string `json:"driver,omitempty"`

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
	// Password for the database user. Never logged.
	Password string `json:"password,omitempty"`
	// Database is the default schema. For duckdb it is the database file;
	// empty means in-memory.
	Database string `json:"database,omitempty"`

	// QueryTimeout bounds every statement. Default is 30 seconds.
	QueryTimeout caddy.Duration `json:"query_timeout,omitempty"`
	// ConnectTimeout bounds connection establishment. Default is 10 seconds.
	ConnectTimeout caddy.Duration `json:"connect_timeout,omitempty"`
	// DrainTimeout bounds how long a replaced connection waits for
	// in-flight operations. Default is 30 seconds.
	DrainTimeout caddy.Duration `json:"drain_timeout,omitempty"`

	// CacheTTL is the lifetime of cached read results. Default is 5 minutes.
	CacheTTL caddy.Duration `json:"cache_ttl,omitempty"`
	// CacheMaxSize is the maximum number of cached results. Default is 1000.
	CacheMaxSize int `json:"cache_max_size,omitempty"`
	// CacheSweepInterval is how often expired entries are purged.
	// Default is 60 seconds.
	CacheSweepInterval caddy.Duration `json:"cache_sweep_interval,omitempty"`

	// SessionTTL bounds session lifetime. Zero means sessions never expire.
	SessionTTL caddy.Duration `json:"session_ttl,omitempty"`

	// MaxRows caps get_table_data limits. Default is 10000.
	MaxRows int `json:"max_rows,omitempty"`

	// Account passwords. An empty password disables the account.
	AdminPassword     string `json:"admin_password,omitempty"`
	ReadWritePassword string `json:"readwrite_password,omitempty"`
	ReadOnlyPassword  string `json:"readonly_password,omitempty"`

	// RateLimit is the sustained tool calls per second per client.
	// Zero disables rate limiting.
	RateLimit float64 `json:"rate_limit,omitempty"`
	// RateBurst is the burst size. Default is 20 when RateLimit is set.
	RateBurst int `json:"rate_burst,omitempty"`

	// InvalidateOnRawWrite clears the result cache after raw write queries.
	// Default is true.
	InvalidateOnRawWrite *bool `json:"invalidate_on_raw_write,omitempty"`

	logger      *zap.Logger
	state       *gatewayState
	handler     http.Handler
	routePrefix string // set from DBGATE_ROUTE_PREFIX env var, defaults to /dbgate
}

// CaddyModule returns the Caddy module information.
func (DBGate) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.dbgate",
		New: func() caddy.Module { return new(DBGate) },
	}
}

// Provision sets up the module. The gateway state is shared with the
// previous config of the same name, and the connection is replaced only if
// its settings changed. A failed reconnect fails provisioning, so Caddy
// keeps running the previous config.
func (d *DBGate) Provision(ctx caddy.Context) error {
	return d.provision(ctx, ctx.Logger(d))
}

func (d *DBGate) provision(ctx context.Context, logger *zap.Logger) error {
	d.logger = logger
	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	dialect, err := database.DialectByName(d.Driver)
	if err != nil {
		return err
	}

	settings := d.stateSettings()
	val, loaded, err := gatewayPool.LoadOrNew(d.Name, func() (caddy.Destructor, error) {
		return newGatewayState(settings, dialect, d.logger), nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway state: %v", err)
	}
	st := val.(*gatewayState)

	if loaded && st.settings != settings {
		if st.settings.driver != settings.driver {
			gatewayPool.Delete(d.Name)
			return fmt.Errorf("driver of gateway %q cannot change from %s to %s without a restart",
				d.Name, st.settings.driver, settings.driver)
		}
		d.logger.Warn("Credential, session, cache or timeout settings changed; they apply once the running gateway is unloaded",
			zap.String("name", d.Name),
		)
	}

	if err := st.manager.ConfigChanged(ctx, d.connectionConfig()); err != nil {
		gatewayPool.Delete(d.Name)
		return fmt.Errorf("failed to connect: %w", err)
	}
	d.state = st

	gw := gateway.New(gateway.Config{
		Sessions:             st.sessions,
		Manager:              st.manager,
		Cache:                st.cache,
		CacheTTL:             time.Duration(d.CacheTTL),
		MaxRows:              d.MaxRows,
		InvalidateOnRawWrite: d.InvalidateOnRawWrite,
		Logger:               d.logger.Named("gateway"),
		Metrics:              st.metrics,
	})
	d.handler = handlers.NewRouter(handlers.RouterConfig{
		Gateway: gw,
		Manager: st.manager,
		Prefix:  d.routePrefix,
		Limiter: handlers.NewRateLimiter(d.RateLimit, d.RateBurst),
		Logger:  d.logger,
	})

	d.logger.Info("DBGate module provisioned",
		zap.String("name", d.Name),
		zap.String("route_prefix", d.routePrefix),
		zap.String("driver", d.Driver),
		zap.String("target", d.connectionConfig().String()),
		zap.Bool("state_reused", loaded),
		zap.Uint64("generation", st.manager.Generation()),
		zap.Duration("query_timeout", time.Duration(d.QueryTimeout)),
		zap.Duration("cache_ttl", time.Duration(d.CacheTTL)),
		zap.Int("max_rows", d.MaxRows),
		zap.Float64("rate_limit", d.RateLimit),
	)
	return nil
}

// ServeHTTP implements the caddyhttp.MiddlewareHandler interface.
func (d *DBGate) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if r.URL.Path != d.routePrefix && !strings.HasPrefix(r.URL.Path, d.routePrefix+"/") {
		return next.ServeHTTP(w, r)
	}
	d.handler.ServeHTTP(w, r)
	return nil
}

// Cleanup releases this config's hold on the gateway state.
func (d *DBGate) Cleanup() error {
	if d.state == nil {
		return nil
	}
	d.state = nil
	_, err := gatewayPool.Delete(d.Name)
	return err
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
func (d *DBGate) UnmarshalCaddyfile(dispenser *caddyfile.Dispenser) error {
	for dispenser.Next() {
		for dispenser.NextBlock(0) {
			name := dispenser.Val()
			var err error
			switch name {
			case "name":
				err = stringArg(dispenser, &d.Name)
			case "driver":
				err = stringArg(dispenser, &d.Driver)
			case "host":
				err = stringArg(dispenser, &d.Host)
			case "port":
				err = intArg(dispenser, name, &d.Port)
			case "user":
				err = stringArg(dispenser, &d.User)
			case "password":
				err = stringArg(dispenser, &d.Password)
			case "database":
				err = stringArg(dispenser, &d.Database)
			case "query_timeout":
				err = durationArg(dispenser, name, &d.QueryTimeout)
			case "connect_timeout":
				err = durationArg(dispenser, name, &d.ConnectTimeout)
			case "drain_timeout":
				err = durationArg(dispenser, name, &d.DrainTimeout)
			case "cache_ttl":
				err = durationArg(dispenser, name, &d.CacheTTL)
			case "cache_max_size":
				err = intArg(dispenser, name, &d.CacheMaxSize)
			case "cache_sweep_interval":
				err = durationArg(dispenser, name, &d.CacheSweepInterval)
			case "session_ttl":
				err = durationArg(dispenser, name, &d.SessionTTL)
			case "max_rows":
				err = intArg(dispenser, name, &d.MaxRows)
			case "admin_password":
				err = stringArg(dispenser, &d.AdminPassword)
			case "readwrite_password":
				err = stringArg(dispenser, &d.ReadWritePassword)
			case "readonly_password":
				err = stringArg(dispenser, &d.ReadOnlyPassword)
			case "rate_limit":
				var s string
				if !dispenser.Args(&s) {
					return dispenser.ArgErr()
				}
				d.RateLimit, err = strconv.ParseFloat(s, 64)
				if err != nil {
					return dispenser.Errf("invalid rate_limit: %v", err)
				}
			case "rate_burst":
				err = intArg(dispenser, name, &d.RateBurst)
			case "invalidate_on_raw_write":
				var s string
				if !dispenser.Args(&s) {
					return dispenser.ArgErr()
				}
				s = strings.ToLower(s)
				enabled := s == "true" || s == "yes" || s == "1"
				d.InvalidateOnRawWrite = &enabled
			default:
				return dispenser.Errf("unknown subdirective: %s", name)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func stringArg(dispenser *caddyfile.Dispenser, dst *string) error {
	if !dispenser.Args(dst) {
		return dispenser.ArgErr()
	}
	return nil
}

func intArg(dispenser *caddyfile.Dispenser, name string, dst *int) error {
	var s string
	if !dispenser.Args(&s) {
		return dispenser.ArgErr()
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return dispenser.Errf("invalid %s: %v", name, err)
	}
	*dst = n
	return nil
}

func durationArg(dispenser *caddyfile.Dispenser, name string, dst *caddy.Duration) error {
	var s string
	if !dispenser.Args(&s) {
		return dispenser.ArgErr()
	}
	duration, err := caddy.ParseDuration(s)
	if err != nil {
		return dispenser.Errf("invalid %s: %v", name, err)
	}
	*dst = caddy.Duration(duration)
	return nil
}

// parseCaddyfile unmarshals tokens from h into a new Middleware.
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var d DBGate
	err := d.UnmarshalCaddyfile(h.Dispenser)
	return &d, err
}

// Interface guards
var (
	_ caddy.Module                = (*DBGate)(nil)
	_ caddy.Provisioner           = (*DBGate)(nil)
	_ caddy.Validator             = (*DBGate)(nil)
	_ caddy.CleanerUpper          = (*DBGate)(nil)
	_ caddyhttp.MiddlewareHandler = (*DBGate)(nil)
	_ caddyfile.Unmarshaler       = (*DBGate)(nil)
)
