package handlers

import (
	"net/http"
	"strings"

	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/formats"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
	"go.uber.org/zap"
)

// DefaultRoutePrefix is the path prefix when none is configured.
const DefaultRoutePrefix = "/dbgate"

// RouterConfig holds the collaborators of the HTTP surface.
type RouterConfig struct {
	Gateway *gateway.Gateway
	Manager *database.Manager
	Prefix  string
	// Limiter is optional. Nil disables rate limiting.
	Limiter *RateLimiter
	Logger  *zap.Logger
}

// Router serves {prefix}/health and the tool endpoints.
type Router struct {
	prefix  string
	manager *database.Manager
	tools   http.Handler
}

// NewRouter creates a new router. Tool calls pass through the rate limiter;
// every response carries an X-Request-ID.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRoutePrefix
	}
	prefix := "/" + strings.Trim(cfg.Prefix, "/")
	rt := &Router{
		prefix:  prefix,
		manager: cfg.Manager,
		tools:   cfg.Limiter.Middleware(auth.SessionToken(NewToolHandler(cfg.Gateway, prefix, cfg.Logger))),
	}
	return auth.RequestID(rt)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == rt.prefix+"/health":
		rt.health(w)
	case r.URL.Path == rt.prefix+"/tools" || strings.HasPrefix(r.URL.Path, rt.prefix+"/tools/"):
		rt.tools.ServeHTTP(w, r)
	default:
		sendError(w, http.StatusNotFound, "Not found")
	}
}

// health reports 200 while a connection is published and 503 otherwise.
func (rt *Router) health(w http.ResponseWriter) {
	state := database.StateDisconnected
	var generation uint64
	if rt.manager != nil {
		state = rt.manager.State()
		generation = rt.manager.Generation()
	}
	status, code := "ok", http.StatusOK
	if state != database.StateConnected {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	formats.WriteValue(w, code, map[string]any{
		"status":     status,
		"database":   state.String(),
		"generation": generation,
	})
}
