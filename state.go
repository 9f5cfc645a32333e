package dbgate

import (
	"context"

	"github.com/caddyserver/caddy/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/cache"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/metrics"
	"go.uber.org/zap"
)

// gatewayPool keeps sessions, cache and connection alive across config
// reloads. Entries are keyed by module name.
var gatewayPool = caddy.NewUsagePool()

// gatewayState is everything that must survive a Caddy config reload.
type gatewayState struct {
	settings stateSettings
	sessions *auth.SessionStore
	cache    *cache.Cache[*database.Result]
	manager  *database.Manager
	metrics  *metrics.Metrics
	cancel   context.CancelFunc
}

func newGatewayState(settings stateSettings, dialect database.Dialect, logger *zap.Logger) *gatewayState {
	m := metrics.New(prometheus.DefaultRegisterer)

	c := cache.New[*database.Result](cache.Config{
		MaxSize:       settings.cacheMaxSize,
		SweepInterval: settings.cacheSweepInterval,
		Logger:        logger.Named("cache"),
		Metrics:       m,
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	return &gatewayState{
		settings: settings,
		sessions: auth.NewSessionStore(auth.SessionConfig{
			Users: settings.credentials.Users(),
			TTL:   settings.sessionTTL,
		}),
		cache: c,
		manager: database.NewManager(database.Config{
			Connector: &database.SQLConnector{
				Dialect:        dialect,
				ConnectTimeout: settings.connectTimeout,
				QueryTimeout:   settings.queryTimeout,
				Logger:         logger.Named("connector"),
			},
			Cache:          c,
			ConnectTimeout: settings.connectTimeout,
			DrainTimeout:   settings.drainTimeout,
			Logger:         logger.Named("manager"),
			Metrics:        m,
		}),
		metrics: m,
		cancel:  cancel,
	}
}

// Destruct runs when the last config using the state is unloaded.
func (s *gatewayState) Destruct() error {
	s.cancel()
	s.cache.Close()
	return s.manager.Disconnect()
}

var _ caddy.Destructor = (*gatewayState)(nil)
