package docstore

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"docstore/cache"
	"docstore/config"
	"docstore/connection"
	"docstore/observability"
	"docstore/query"
)

// Client bundles the layer's shared components: one connection manager, one
// query executor and one cache, all reading the same configuration. Entity
// repositories are constructed against it with repository.New.
type Client struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	manager  *connection.Manager
	executor *query.Executor
	cache    cache.Cache
	watcher  *config.Watcher
}

// ClientOption customizes a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger     *zap.Logger
	registry   prometheus.Registerer
	configPath string
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithMetricsRegistry registers the layer's collectors on reg.
func WithMetricsRegistry(reg prometheus.Registerer) ClientOption {
	return func(o *clientOptions) { o.registry = reg }
}

// WithConfigWatch watches the configuration file at path and applies cache
// setting changes without a restart.
func WithConfigWatch(path string) ClientOption {
	return func(o *clientOptions) { o.configPath = path }
}

// Open wires cfg into a ready Client. No connection is made until the first
// store operation.
func Open(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var metrics *observability.Metrics
	if o.registry != nil {
		metrics = observability.NewMetrics(o.registry)
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		manager: connection.NewManager(cfg, logger, connection.WithMetrics(metrics)),
	}
	c.executor = query.NewExecutor(cfg.Timeouts.Query, logger, metrics)

	if cfg.Cache.Enabled {
		store, err := newCacheStore(cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
		c.cache = store
	}

	if o.configPath != "" {
		w, err := config.NewWatcher(o.configPath, config.DynamicSettings{Cache: cfg.Cache}, nil, logger)
		if err != nil {
			// Hot reload is a convenience; the client still works without it.
			logger.Warn("config watch unavailable", zap.String("path", o.configPath), zap.Error(err))
		} else {
			c.watcher = w
		}
	}

	return c, nil
}

// newCacheStore picks the cache variant: persisted when a path is configured,
// in-memory otherwise.
func newCacheStore(cfg config.Cache, logger *zap.Logger) (cache.Cache, error) {
	if cfg.Path != "" {
		return cache.NewSQLite(cfg.Path, logger)
	}
	return cache.NewMemory(cfg.MaxItems), nil
}

// Manager returns the shared connection manager.
func (c *Client) Manager() *connection.Manager {
	return c.manager
}

// Executor returns the shared query executor.
func (c *Client) Executor() *query.Executor {
	return c.executor
}

// Cache returns the configured cache, or nil when caching is disabled.
func (c *Client) Cache() cache.Cache {
	return c.cache
}

// Metrics returns the metrics sink, nil when no registry was given.
func (c *Client) Metrics() *observability.Metrics {
	return c.metrics
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// DynamicSettings returns the latest hot-reloadable settings, falling back to
// the boot configuration when no watcher is active.
func (c *Client) DynamicSettings() config.DynamicSettings {
	if c.watcher != nil {
		return c.watcher.Current()
	}
	return config.DynamicSettings{Cache: c.cfg.Cache}
}

// Health reports the layer's health for an external check endpoint.
func (c *Client) Health(ctx context.Context) connection.Health {
	return c.manager.Health(ctx)
}

// Close releases the connection, the cache and the config watcher.
func (c *Client) Close(ctx context.Context) error {
	c.manager.Close(ctx)
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			c.logger.Warn("closing config watcher failed", zap.Error(err))
		}
	}
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}
