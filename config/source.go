// Package config provides sources of database connection settings.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tobilg/caddyserver-dbgate-module/database"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often FileSource re-reads its file.
const DefaultPollInterval = 5 * time.Second

// Environment variables that override values from the file.
const (
	EnvHost     = "MYSQL_HOST"
	EnvPort     = "MYSQL_PORT"
	EnvUser     = "MYSQL_USER"
	EnvPassword = "MYSQL_PASSWORD"
	EnvDatabase = "MYSQL_DATABASE"
)

// Source publishes the current connection settings and notifies on change.
type Source interface {
	Current() database.ConnectionConfig
	OnChange(fn func(database.ConnectionConfig) error) (unsubscribe func())
}

// Static is a Source that never changes.
type Static database.ConnectionConfig

func (s Static) Current() database.ConnectionConfig { return database.ConnectionConfig(s) }

func (s Static) OnChange(func(database.ConnectionConfig) error) func() { return func() {} }

// FileConfig configures a FileSource.
type FileConfig struct {
	Path         string
	PollInterval time.Duration
	// Getenv resolves overrides. Defaults to os.Getenv.
	Getenv func(string) string
	Logger *zap.Logger
}

// FileSource reads connection settings from a JSON file and polls it for
// changes. Subscribers are notified only when the parsed settings differ.
type FileSource struct {
	path     string
	interval time.Duration
	getenv   func(string) string
	logger   *zap.Logger

	mu      sync.Mutex
	current database.ConnectionConfig
	subs    map[uint64]func(database.ConnectionConfig) error
	nextID  uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewFileSource loads the file once. A missing or malformed file is an
// error here; later read failures keep the last good settings.
func NewFileSource(cfg FileConfig) (*FileSource, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &FileSource{
		path:     cfg.Path,
		interval: cfg.PollInterval,
		getenv:   cfg.Getenv,
		logger:   cfg.Logger,
		subs:     make(map[uint64]func(database.ConnectionConfig) error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	current, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current = current
	return s, nil
}

// Current returns the latest good settings.
func (s *FileSource) Current() database.ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnChange registers fn for future changes. If fn returns an error the
// change is rolled back and offered again on the next reload.
func (s *FileSource) OnChange(fn func(database.ConnectionConfig) error) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
		})
	}
}

// Start polls the file until ctx is done or Close is called.
func (s *FileSource) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Reload()
			}
		}
	}()
}

// Close stops polling and waits for the poller to exit. It must only be
// called after Start.
func (s *FileSource) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Reload re-reads the file and notifies subscribers if the settings
// changed. It reports whether a change was published and accepted by every
// subscriber.
func (s *FileSource) Reload() bool {
	next, err := s.load()
	if err != nil {
		s.logger.Warn("Failed to reload connection config; keeping previous settings",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return false
	}

	s.mu.Lock()
	if next == s.current {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = next
	subs := make([]func(database.ConnectionConfig) error, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.logger.Info("Connection config changed",
		zap.String("path", s.path),
		zap.String("previous", prev.String()),
		zap.String("current", next.String()),
	)

	// Called outside the lock so subscribers may call back into the source.
	var failed error
	for _, fn := range subs {
		if err := fn(next); err != nil && failed == nil {
			failed = err
		}
	}
	if failed == nil {
		return true
	}

	s.mu.Lock()
	if s.current == next {
		s.current = prev
	}
	s.mu.Unlock()
	s.logger.Warn("Connection config change rejected; retrying on next reload",
		zap.String("path", s.path),
		zap.String("current", next.String()),
		zap.Error(failed),
	)
	return false
}

func (s *FileSource) load() (database.ConnectionConfig, error) {
	var cfg database.ConnectionConfig

	data, err := os.ReadFile(s.path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", s.path, err)
	}

	if err := applyEnv(&cfg, s.getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *database.ConnectionConfig, getenv func(string) string) error {
	if v := getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %q", EnvPort, v)
		}
		cfg.Port = port
	}
	if v := getenv(EnvUser); v != "" {
		cfg.User = v
	}
	if v := getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	if v := getenv(EnvDatabase); v != "" {
		cfg.Database = v
	}
	return nil
}
