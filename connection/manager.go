// Package connection owns the single shared handle to the document cluster.
// The handle is created lazily on first use; concurrent first users collapse
// into one connect attempt. The connect sequence is guarded by the circuit
// breaker with the retry policy nested inside, so an open breaker fast-fails
// before any backoff time is spent.
package connection

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docstore/config"
	"docstore/internal/awserr"
	"docstore/observability"
	apperrors "docstore/pkg/errors"
	"docstore/resilience"
)

// Handle is the live session to the cluster, bound to one table (keyspace).
// It is exclusively owned by the Manager; other components borrow it.
type Handle struct {
	// ID correlates log lines across components sharing this handle.
	ID        string
	Client    *dynamodb.Client
	Table     string
	CreatedAt time.Time
}

// Status values reported by Health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health is the snapshot returned by Manager.Health, intended for an
// external health-check endpoint.
type Health struct {
	Status         string                  `json:"status"`
	Connection     string                  `json:"connection"`
	CircuitBreaker resilience.BreakerStats `json:"circuitBreaker"`
	LatencyMs      int64                   `json:"latencyMs,omitempty"`
}

// dialFunc establishes a new handle. Swapped in tests.
type dialFunc func(ctx context.Context) (*Handle, error)

// probeFunc issues a lightweight liveness check against a handle.
type probeFunc func(ctx context.Context, h *Handle) error

// Manager lazily creates and memoizes the cluster handle.
type Manager struct {
	cfg     *config.Config
	logger  *zap.Logger
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	metrics *observability.Metrics

	dial  dialFunc
	probe probeFunc

	sf     singleflight.Group
	handle atomicHandle
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithDialer replaces the connect sequence. Used by tests and by embedders
// that construct the store client themselves.
func WithDialer(dial func(ctx context.Context) (*Handle, error)) Option {
	return func(mgr *Manager) { mgr.dial = dial }
}

// WithProbe replaces the liveness probe.
func WithProbe(probe func(ctx context.Context, h *Handle) error) Option {
	return func(mgr *Manager) { mgr.probe = probe }
}

// NewManager creates a Manager. No connection is made until Get.
func NewManager(cfg *config.Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.Named("connection"),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:             "store",
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		}, logger),
		retry: resilience.RetryConfig{
			MaxAttempts: cfg.ConnectAttempts,
			BaseDelay:   cfg.ConnectBaseDelay,
			MaxDelay:    cfg.ConnectMaxDelay,
			Jitter:      0.1,
		},
	}
	m.dial = m.dialStore
	m.probe = defaultProbe
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config exposes the read-only configuration to collaborating components.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Breaker exposes the store breaker so data-plane components share the same
// failure gate.
func (m *Manager) Breaker() *resilience.Breaker {
	return m.breaker
}

// Get returns the memoized handle, connecting on first use. Concurrent
// callers during the first connect collapse into a single attempt and all
// receive the same handle.
func (m *Manager) Get(ctx context.Context) (*Handle, error) {
	if h := m.handle.load(); h != nil {
		return h, nil
	}

	v, err, _ := m.sf.Do("connect", func() (interface{}, error) {
		// A concurrent flight may have connected while we queued.
		if h := m.handle.load(); h != nil {
			return h, nil
		}
		h, err := m.connect(ctx)
		if err != nil {
			return nil, err
		}
		m.handle.store(h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// connect runs the breaker-guarded, retrying dial sequence.
func (m *Manager) connect(ctx context.Context) (*Handle, error) {
	var h *Handle
	start := time.Now()

	err := m.breaker.Execute(func() error {
		attempt := 0
		return resilience.Retry(ctx, m.retry, func() error {
			attempt++
			if attempt > 1 {
				m.metrics.RetryAttempt("connect")
			}
			dialed, err := m.dial(ctx)
			if err != nil {
				m.logger.Warn("connect attempt failed",
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}
			h = dialed
			return nil
		})
	})
	m.metrics.ObserveOperation("connection", "connect", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	m.logger.Info("connected to store",
		zap.String("handle_id", h.ID),
		zap.String("table", h.Table),
		zap.Duration("took", time.Since(start)),
	)
	return h, nil
}

// dialStore is the default dial sequence against the cluster.
func (m *Manager) dialStore(ctx context.Context) (*Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Connect)
	defer cancel()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(m.cfg.Region),
	}
	if m.cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(m.cfg.AccessKeyID, m.cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(cctx, loadOpts...)
	if err != nil {
		return nil, apperrors.NewConnection("failed to load store configuration", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if m.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.cfg.Endpoint)
		}
	})

	h := &Handle{
		ID:        uuid.NewString(),
		Client:    client,
		Table:     m.cfg.Table,
		CreatedAt: time.Now(),
	}

	// Bootstrap check: verify the keyspace is reachable before memoizing.
	bctx, bcancel := context.WithTimeout(ctx, m.cfg.Timeouts.Bootstrap)
	defer bcancel()
	if err := defaultProbe(bctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func defaultProbe(ctx context.Context, h *Handle) error {
	_, err := h.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(h.Table),
	})
	return awserr.Map(err, "liveness probe")
}

// Close releases the handle and clears the memo. Failures during close are
// logged and swallowed so shutdown is never blocked; the next Get reconnects.
func (m *Manager) Close(ctx context.Context) {
	h := m.handle.swap(nil)
	if h == nil {
		return
	}
	// The store client holds no sockets of its own beyond the shared HTTP
	// transport, so closing is bookkeeping plus logging.
	m.logger.Info("closed store connection",
		zap.String("handle_id", h.ID),
		zap.Duration("lifetime", time.Since(h.CreatedAt)),
	)
}

// Health probes the store and derives a status from the breaker state and
// probe result: breaker open means unhealthy, no reachable service path
// means degraded.
func (m *Manager) Health(ctx context.Context) Health {
	stats := m.breaker.Stats()
	health := Health{
		Status:         StatusHealthy,
		Connection:     "connected",
		CircuitBreaker: stats,
	}

	if stats.State == "open" {
		health.Status = StatusUnhealthy
		health.Connection = "circuit open"
		return health
	}

	h := m.handle.load()
	if h == nil {
		health.Status = StatusDegraded
		health.Connection = "not connected"
		return health
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.KeyValue)
	defer cancel()

	start := time.Now()
	if err := m.probe(pctx, h); err != nil {
		m.logger.Warn("health probe failed", zap.Error(err))
		health.Status = StatusDegraded
		health.Connection = "probe failing"
		return health
	}
	health.LatencyMs = time.Since(start).Milliseconds()
	return health
}
