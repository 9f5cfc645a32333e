package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/cache"
	"github.com/tobilg/caddyserver-dbgate-module/config"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
	"github.com/tobilg/caddyserver-dbgate-module/handlers"
	"github.com/tobilg/caddyserver-dbgate-module/metrics"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	configPath     string
	listen         string
	driver         string
	prefix         string
	pollInterval   time.Duration
	queryTimeout   time.Duration
	connectTimeout time.Duration
	drainTimeout   time.Duration
	cacheTTL       time.Duration
	cacheMaxSize   int
	sessionTTL     time.Duration
	maxRows        int
	rateLimit      float64
	rateBurst      int
	credentials    auth.Credentials
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway over HTTP",
		Long: `Run the gateway as a standalone HTTP server.

Connection settings are read from a JSON file:
  {"host": "...", "port": 3306, "user": "...", "password": "...", "database": "..."}

MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD and MYSQL_DATABASE
override the file. The file is polled and the connection replaced when
its settings change. Account passwords default to DBGATE_ADMIN_PASSWORD,
DBGATE_READWRITE_PASSWORD and DBGATE_READONLY_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the connection config file (required)")
	flags.StringVarP(&opts.listen, "listen", "l", ":8080", "Listen address")
	flags.StringVar(&opts.driver, "driver", "mysql", "Database driver: mysql, postgres or duckdb")
	flags.StringVar(&opts.prefix, "prefix", handlers.DefaultRoutePrefix, "Route prefix")
	flags.DurationVar(&opts.pollInterval, "poll-interval", config.DefaultPollInterval, "Config file poll interval")
	flags.DurationVar(&opts.queryTimeout, "query-timeout", 30*time.Second, "Statement timeout")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", database.DefaultConnectTimeout, "Connect timeout")
	flags.DurationVar(&opts.drainTimeout, "drain-timeout", database.DefaultDrainTimeout, "How long a replaced connection waits for in-flight operations")
	flags.DurationVar(&opts.cacheTTL, "cache-ttl", cache.DefaultTTL, "Lifetime of cached read results")
	flags.IntVar(&opts.cacheMaxSize, "cache-max-size", cache.DefaultMaxSize, "Maximum cached results")
	flags.DurationVar(&opts.sessionTTL, "session-ttl", 0, "Session lifetime (0 = no expiry)")
	flags.IntVar(&opts.maxRows, "max-rows", gateway.DefaultMaxRows, "Maximum rows returned by get_table_data")
	flags.Float64Var(&opts.rateLimit, "rate-limit", 0, "Tool calls per second per client (0 = unlimited)")
	flags.IntVar(&opts.rateBurst, "rate-burst", 20, "Rate limit burst")
	flags.StringVar(&opts.credentials.AdminPassword, "admin-password", os.Getenv("DBGATE_ADMIN_PASSWORD"), "Password of the admin account")
	flags.StringVar(&opts.credentials.ReadWritePassword, "readwrite-password", os.Getenv("DBGATE_READWRITE_PASSWORD"), "Password of the readwrite account")
	flags.StringVar(&opts.credentials.ReadOnlyPassword, "readonly-password", os.Getenv("DBGATE_READONLY_PASSWORD"), "Password of the readonly account")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	dialect, err := database.DialectByName(opts.driver)
	if err != nil {
		return err
	}
	users := opts.credentials.Users()
	if len(users) == 0 {
		return fmt.Errorf("no accounts configured: set at least one of --admin-password, --readwrite-password, --readonly-password")
	}

	src, err := config.NewFileSource(config.FileConfig{
		Path:         opts.configPath,
		PollInterval: opts.pollInterval,
		Logger:       logger.Named("config"),
	})
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	resultCache := cache.New[*database.Result](cache.Config{
		MaxSize: opts.cacheMaxSize,
		TTL:     opts.cacheTTL,
		Logger:  logger.Named("cache"),
		Metrics: m,
	})
	resultCache.Start(ctx)
	defer resultCache.Close()

	mgr := database.NewManager(database.Config{
		Connector: &database.SQLConnector{
			Dialect:        dialect,
			ConnectTimeout: opts.connectTimeout,
			QueryTimeout:   opts.queryTimeout,
			Logger:         logger.Named("connector"),
		},
		Cache:          resultCache,
		ConnectTimeout: opts.connectTimeout,
		DrainTimeout:   opts.drainTimeout,
		Logger:         logger.Named("manager"),
		Metrics:        m,
	})
	if err := mgr.Connect(ctx, src.Current()); err != nil {
		return err
	}
	defer mgr.Disconnect()

	src.Start(ctx)
	defer src.Close()
	mgr.Watch(ctx, src)

	gw := gateway.New(gateway.Config{
		Sessions: auth.NewSessionStore(auth.SessionConfig{Users: users, TTL: opts.sessionTTL}),
		Manager:  mgr,
		Cache:    resultCache,
		CacheTTL: opts.cacheTTL,
		MaxRows:  opts.maxRows,
		Logger:   logger.Named("gateway"),
		Metrics:  m,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handlers.NewRouter(handlers.RouterConfig{
		Gateway: gw,
		Manager: mgr,
		Prefix:  opts.prefix,
		Limiter: handlers.NewRateLimiter(opts.rateLimit, opts.rateBurst),
		Logger:  logger,
	}))

	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening",
			zap.String("addr", opts.listen),
			zap.String("driver", dialect.Name),
			zap.String("prefix", opts.prefix),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
