package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/busybox42/mailq/internal/config"
	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/escalation"
	"github.com/busybox42/mailq/internal/lease"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
)

// app holds the components shared by every command that touches the queue
type app struct {
	cfg        *config.Config
	configFile string
	store      *queue.SQLStore
	manager    *queue.Manager
	metrics    *metrics.Metrics
	redis      redis.UniversalClient
	logger     *slog.Logger
}

// openApp loads the configuration and opens the queue store
func openApp(ctx context.Context) (*app, error) {
	cfg, configFile, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := queue.OpenSQLStore(ctx, cfg.Queue.Driver, cfg.Queue.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:        cfg,
		configFile: configFile,
		store:      store,
		manager:    queue.NewManager(store, cfg.Queue.MaxAttempts),
		metrics:    metrics.NewMetrics(reg),
		logger:     slog.Default().With("component", "mailq"),
	}
	a.manager.SetMetricsRecorder(a.metrics)

	if cfg.RedisEnabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return a, nil
}

// Close releases the store and the Redis connection
func (a *app) Close() error {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", "error", err)
		}
	}
	return a.store.Close()
}

// dispatcherParts is what newDispatcher wires besides the dispatcher itself
type dispatcherParts struct {
	dispatcher *queue.Dispatcher
	escalator  *escalation.Escalator
	notices    escalation.NoticeBoard
	stats      *metrics.RedisStore
}

// newDispatcher builds the transport, retry policy, escalation channels,
// delivery counters and run lease from the configuration.
func (a *app) newDispatcher() (*dispatcherParts, error) {
	cfg := a.cfg

	transport, err := delivery.New(cfg.DeliveryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	d := queue.NewDispatcher(a.store, transport, cfg.DispatcherConfig())
	d.SetRetryPolicy(policy)
	d.SetMetricsRecorder(a.metrics)

	parts := &dispatcherParts{dispatcher: d}

	if a.redis != nil {
		parts.stats = metrics.NewRedisStore(a.redis, cfg.Redis.Prefix)
		d.SetDeliveryRecorder(parts.stats)
	}

	var notifiers []escalation.Notifier
	if cfg.Escalation.Log {
		notifiers = append(notifiers, escalation.NewLogNotifier(a.logger))
	}
	if len(cfg.Escalation.Operators) > 0 {
		email, err := escalation.NewEmailNotifier(delivery.Direct(transport), cfg.Escalation.Operators)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, email)
	}
	switch cfg.Escalation.NoticeBoard {
	case "memory":
		parts.notices = escalation.NewMemoryNoticeBoard(cfg.Escalation.NoticesKept)
	case "redis":
		if a.redis == nil {
			return nil, fmt.Errorf("escalation notice board %q requires redis.addr", cfg.Escalation.NoticeBoard)
		}
		parts.notices = escalation.NewRedisNoticeBoard(a.redis, escalation.DefaultNoticeKey, cfg.Escalation.NoticesKept)
	}
	if parts.notices != nil {
		notifiers = append(notifiers, parts.notices)
	}

	parts.escalator = escalation.New(a.store, notifiers...)
	if cfg.Escalation.Timeout > 0 {
		parts.escalator.SetTimeout(time.Duration(cfg.Escalation.Timeout) * time.Second)
	}
	d.SetEscalator(parts.escalator)

	runLock, err := a.newRunLock()
	if err != nil {
		return nil, err
	}
	if runLock != nil {
		d.SetRunLock(runLock)
	}

	return parts, nil
}

// newRunLock returns nil when the lease backend is "none"
func (a *app) newRunLock() (queue.RunLock, error) {
	cfg := a.cfg
	backend, err := lease.ParseBackend(cfg.Lease.Backend)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.Lease.TTL) * time.Second

	switch backend {
	case lease.BackendLocal:
		l, err := lease.NewLocal(cfg.Lease.Key, ttl)
		if err != nil {
			return nil, err
		}
		return l, nil
	case lease.BackendRedis:
		if a.redis == nil {
			return nil, fmt.Errorf("lease backend %q requires redis.addr", backend)
		}
		l, err := lease.NewRedis(a.redis, cfg.Lease.Key, ttl)
		if err != nil {
			return nil, err
		}
		return l, nil
	case lease.BackendMemcached:
		if len(cfg.Memcached.Servers) == 0 {
			return nil, fmt.Errorf("lease backend %q requires memcached.servers", backend)
		}
		l, err := lease.NewMemcached(memcache.New(cfg.Memcached.Servers...), cfg.Lease.Key, ttl)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, nil
	}
}
