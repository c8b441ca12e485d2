// Package runtime wires every pipeline component into a single aggregator
// that owns the process's startup and shutdown ordering.
package runtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/domain/dlq"
	"github.com/R3E-Network/evm-webhook-relay/domain/retry"
	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/cache"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/chain"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/config"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/database"
	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/metrics"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/ratelimit"
	"github.com/R3E-Network/evm-webhook-relay/processor"
	"github.com/R3E-Network/evm-webhook-relay/sender"
)

// HealthStatus mirrors the three states the admin health endpoint reports.
type HealthStatus string

const (
	HealthReady     HealthStatus = "ready"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	dlqRetentionCron   = "@every 1h"
	metricsFlushCron   = "@every 15s"
	leaseReapCron      = "@every 30s"
	dlqRetentionMaxAge = 30 * 24 * time.Hour
	metricsSeedWindow  = 50
)

// Runtime wires the Config Store, Event Source, durable Queue, Dead-Letter
// Store, Dispatcher, Resolver, Processor, and Sender into one process and
// owns the shutdown order: stop tailing, drain the processor, finish the
// dead-letter cleanup's current batch, flush metrics, then close storage.
type Runtime struct {
	configStore *config.Store
	logger      *logging.Logger
	metrics     *metrics.Metrics
	registry    *prometheus.Registry

	queue        *delivery.Queue
	deadLetters  *dlq.Store
	metricsStore *database.MetricsStore

	resolver    *Resolver
	dispatcher  *Dispatcher
	chainClient chain.Client
	source      *chain.Source
	processor   *processor.Processor
	cache       *cache.Cache

	cron *cron.Cron

	shutdownDrain time.Duration

	wg sync.WaitGroup
}

// Overrides carries CLI-level knobs that take precedence over the loaded
// configuration file, mirroring the teacher's flag/config/env precedence.
type Overrides struct {
	// DSN overrides cfg.Database.URL when non-empty.
	DSN string
	// SkipMigration disables the embedded schema migration on startup.
	SkipMigration bool
}

// New constructs every component from a loaded, validated configuration. A
// non-nil error here is always a startup-abort condition: unreachable
// database, or an EVM endpoint the Event Source cannot dial.
func New(ctx context.Context, configPath string, registry *prometheus.Registry, overrides Overrides) (*Runtime, error) {
	logFormat := logFormatFromEnv()
	logger := logging.New("evm-webhook-relay", "info", logFormat)

	configStore, err := config.NewStore(configPath, logger)
	if err != nil {
		return nil, err
	}
	cfg := configStore.Current()
	if overrides.DSN != "" {
		cfg.Database.URL = overrides.DSN
	}

	logger = logging.New("evm-webhook-relay", cfg.Monitoring.LogLevel, logFormat)
	// A nil *prometheus.Registry boxed directly into the Registerer interface
	// would be a non-nil interface wrapping a nil pointer, so only assign the
	// interface when a registry was actually supplied.
	var registerer prometheus.Registerer
	if registry != nil {
		registerer = registry
	}
	m := metrics.New(registerer)
	configStore.OnReloadFailed(func(error) { m.RecordConfigReloadFailed() })

	subs, err := subscription.FromConfig(cfg)
	if err != nil {
		return nil, relayerrors.ConfigInvalid(err)
	}

	queue, err := delivery.Open(ctx, cfg.Database.URL, cfg.Database.PoolSize,
		time.Duration(cfg.Database.ConnectionTimeout)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	if !overrides.SkipMigration {
		if err := database.Migrate(ctx, queue.DB().DB); err != nil {
			queue.Close()
			return nil, relayerrors.QueuePermanent("migrate", err)
		}
	}

	deadLetters := dlq.NewStore(queue.DB())
	metricsStore := database.NewMetricsStore(queue.DB())

	resolver := NewResolver(subs)
	dispatcher := NewDispatcher(queue, Options{DefaultRetryAttempts: cfg.Options.DefaultRetryAttempts}, logger, m)

	dedupeCache := newCache(cfg, logger)
	// A nil *cache.Cache boxed directly into the chain.DedupeCache interface
	// would be a non-nil interface wrapping a nil pointer, so only assign the
	// interface field when a cache was actually constructed.
	var dedupeIface chain.DedupeCache
	if dedupeCache != nil {
		dedupeIface = dedupeCache
	}

	chainClient, err := chain.Dial(ctx, cfg.Network.RPCURL)
	if err != nil {
		queue.Close()
		return nil, err
	}

	heads := newHeadSubscriber(ctx, cfg, logger)

	source := chain.New(chain.Config{
		Client:        chainClient,
		Subscriptions: subs,
		Confirmations: cfg.Network.Confirmations,
		PollInterval:  time.Duration(cfg.Options.QueueProcessingInterval) * time.Millisecond,
		Logger:        logger,
		Metrics:       m,
		Handler:       dispatcher.Handle,
		Cache:         dedupeIface,
		Heads:         heads,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	snd := sender.New(time.Duration(cfg.Options.WebhookTimeout)*time.Millisecond, limiter)

	proc := processor.New(processor.Config{
		Queue:         queue,
		DeadLetters:   deadLetters,
		Resolver:      resolver,
		Sender:        snd,
		Scheduler:     retry.DefaultScheduler(),
		Workers:       cfg.Options.MaxConcurrentWebhooks,
		PollEvery:     time.Duration(cfg.Options.QueueProcessingInterval) * time.Millisecond,
		DrainDeadline: 30 * time.Second,
		Logger:        logger,
		Metrics:       m,
	})

	r := &Runtime{
		configStore:   configStore,
		logger:        logger,
		metrics:       m,
		registry:      registry,
		queue:         queue,
		deadLetters:   deadLetters,
		metricsStore:  metricsStore,
		resolver:      resolver,
		dispatcher:    dispatcher,
		chainClient:   chainClient,
		source:        source,
		processor:     proc,
		cache:         dedupeCache,
		cron:          cron.New(),
		shutdownDrain: 30 * time.Second,
	}
	r.seedMetrics(ctx, cfg)
	return r, nil
}

// logFormatFromEnv mirrors the teacher's LOG_FORMAT convention: "json" unless
// explicitly set to "text", independent of the config file's log level.
func logFormatFromEnv() string {
	if strings.TrimSpace(os.Getenv("LOG_FORMAT")) == "text" {
		return "text"
	}
	return "json"
}

// newCache builds the optional Redis-backed cache from the configuration's
// redis section. A missing section, a blank URL, or a dial error all yield a
// nil cache and a logged warning rather than a startup failure — the cache
// is never load-bearing.
func newCache(cfg *config.Config, logger *logging.Logger) *cache.Cache {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return nil
	}
	c, err := cache.New(cfg.Redis.URL, cfg.Redis.KeyPrefix, time.Duration(cfg.Redis.TTL)*time.Second)
	if err != nil {
		logger.WithError(err).Warn("redis cache unavailable, continuing with in-memory fallback")
		return nil
	}
	return c
}

// newHeadSubscriber opportunistically dials the configured websocket
// endpoint for faster head detection. A blank wsUrl or a dial failure
// returns nil: the Event Source falls back to polling only, exactly as it
// would if no websocket were configured at all.
func newHeadSubscriber(ctx context.Context, cfg *config.Config, logger *logging.Logger) chain.HeadSubscriber {
	if cfg.Network.WSURL == "" {
		return nil
	}
	heads, err := chain.DialWS(ctx, cfg.Network.WSURL)
	if err != nil {
		logger.WithError(err).Warn("websocket dial failed, event source will poll only")
		return nil
	}
	return heads
}

func (r *Runtime) seedMetrics(ctx context.Context, cfg *config.Config) {
	if _, err := r.metricsStore.LoadRecent(ctx, "events_processed_total", metricsSeedWindow); err != nil {
		r.logger.WithError(err).Warn("metrics history seed failed, starting from zero")
	}
}

// Run starts every background loop and blocks until ctx is cancelled, then
// drives the shutdown sequence.
func (r *Runtime) Run(ctx context.Context) error {
	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.source.Run(sourceCtx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processor.Run(ctx)
	}()

	r.wg.Add(1)
	go r.watchConfig(ctx)

	if _, err := r.cron.AddFunc(leaseReapCron, func() { r.reapLeases(ctx) }); err != nil {
		return fmt.Errorf("schedule lease reap: %w", err)
	}
	if _, err := r.cron.AddFunc(dlqRetentionCron, func() { r.cleanupDeadLetters(ctx) }); err != nil {
		return fmt.Errorf("schedule dlq cleanup: %w", err)
	}
	if _, err := r.cron.AddFunc(metricsFlushCron, func() { r.flushMetrics(ctx) }); err != nil {
		return fmt.Errorf("schedule metrics flush: %w", err)
	}
	r.cron.Start()

	<-ctx.Done()
	r.shutdown(stopSource)
	return nil
}

// shutdown enforces spec's ordering: stop tailing first, let the processor
// drain in-flight work, let the cron loop finish whatever batch it is mid-way
// through, flush metrics one last time, then close storage.
func (r *Runtime) shutdown(stopSource context.CancelFunc) {
	stopSource()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.shutdownDrain):
		r.logger.WithField("deadline", r.shutdownDrain.String()).Warn("runtime drain deadline exceeded")
	}

	cronCtx := r.cron.Stop()
	<-cronCtx.Done()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flushMetrics(flushCtx)

	r.chainClient.Close()
	if err := r.cache.Close(); err != nil {
		r.logger.WithError(err).Debug("error closing redis cache")
	}
	if err := r.queue.Close(); err != nil {
		r.logger.WithError(err).Warn("error closing database handle")
	}
	if err := r.configStore.Close(); err != nil {
		r.logger.WithError(err).Warn("error closing config watcher")
	}
}

// watchConfig keeps the Resolver and Event Source filter set in lockstep
// with every successfully validated hot reload.
func (r *Runtime) watchConfig(ctx context.Context) {
	defer r.wg.Done()
	changes := r.configStore.Watch(ctx)
	for cfg := range changes {
		subs, err := subscription.FromConfig(cfg)
		if err != nil {
			r.logger.WithError(err).Warn("reloaded configuration failed subscription derivation, keeping prior snapshot")
			continue
		}
		r.resolver.Update(subs)
		r.source.UpdateSubscriptions(subs)
		if r.cache != nil {
			if err := r.cache.StoreConfigSnapshot(ctx, cfg); err != nil {
				r.logger.WithError(err).Debug("config snapshot cache write failed")
			}
		}
	}
}

func (r *Runtime) reapLeases(ctx context.Context) {
	n, err := r.queue.ReapExpiredLeases(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("lease reap failed")
		return
	}
	for i := int64(0); i < n; i++ {
		r.metrics.RecordLeaseExpired()
	}
}

func (r *Runtime) cleanupDeadLetters(ctx context.Context) {
	n, err := r.deadLetters.CleanupOlderThan(ctx, dlqRetentionMaxAge)
	if err != nil {
		r.logger.WithError(err).Warn("dead-letter cleanup failed")
		return
	}
	if n > 0 {
		r.logger.WithField("removed", n).Info("dead-letter retention cleanup completed")
	}
}

func (r *Runtime) flushMetrics(ctx context.Context) {
	if err := r.metricsStore.Persist(ctx, r.metrics.Snapshot()); err != nil {
		r.logger.WithError(err).Warn("metrics flush failed")
	}
}

// Health reports the current operational status for the admin endpoint.
func (r *Runtime) Health() HealthStatus {
	if err := r.queue.DB().Ping(); err != nil {
		return HealthUnhealthy
	}
	if r.source.Health() == chain.HealthDegraded {
		return HealthDegraded
	}
	return HealthReady
}

// DeadLetters exposes the dead-letter store for the admin API.
func (r *Runtime) DeadLetters() *dlq.Store {
	return r.deadLetters
}

// Metrics exposes the collector set for the admin API's /metrics handler.
func (r *Runtime) Metrics() *metrics.Metrics {
	return r.metrics
}

// Queue exposes the delivery queue, used by the admin API to re-enqueue a
// dead-letter entry.
func (r *Runtime) Queue() *delivery.Queue {
	return r.queue
}

// ConfigSnapshot returns the currently active configuration.
func (r *Runtime) ConfigSnapshot() *config.Config {
	return r.configStore.Current()
}

// Logger exposes the structured logger for the admin API's request logging.
func (r *Runtime) Logger() *logging.Logger {
	return r.logger
}

// Registry exposes the Prometheus registry backing the admin API's
// /metrics exposition.
func (r *Runtime) Registry() *prometheus.Registry {
	return r.registry
}
