package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"relay/internal/overage"
	overagehandler "relay/internal/overage/handler"
	overagemetrics "relay/internal/overage/metrics"
	overagestore "relay/internal/overage/store"
	"relay/internal/platform/bus"
	"relay/internal/platform/config"
	"relay/internal/platform/database"
	"relay/internal/platform/health"
	"relay/internal/platform/kafka/consumer"
	"relay/internal/platform/metrics"
	"relay/internal/platform/redis"
	"relay/migrations"
	"relay/pkg/platform/audit"
	auditmetrics "relay/pkg/platform/audit/metrics"
	"relay/pkg/platform/audit/sinks/logsink"
	metricssink "relay/pkg/platform/audit/sinks/metrics"
	auditpostgres "relay/pkg/platform/audit/sinks/postgres"
	"relay/pkg/platform/audit/sinks/redisstream"
	request "relay/pkg/platform/middleware/request"
	"relay/pkg/platform/outbox"
	"relay/pkg/platform/outbox/dispatcher"
	outboxhandler "relay/pkg/platform/outbox/handler"
	outboxmetrics "relay/pkg/platform/outbox/metrics"
	outboxmemory "relay/pkg/platform/outbox/store/memory"
	outboxpostgres "relay/pkg/platform/outbox/store/postgres"
	txcontext "relay/pkg/platform/tx"
)

const gaugeInterval = 15 * time.Second

// app owns every long-lived component and its lifecycle.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	storage string
	router  http.Handler

	pool       *database.Pool
	redis      *redis.Client
	bus        bus.Bus
	audit      *audit.Dispatcher
	dispatcher *dispatcher.Dispatcher
	consumer   *consumer.Consumer
}

type stores struct {
	overages overage.Store
	outbox   outbox.Store
	tx       txcontext.Runner
	admin    outboxhandler.Store
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.stop(context.Background())
		}
	}()

	reg := metrics.New()
	clock := clockwork.NewRealClock()

	a.pool, err = database.New(ctx, cfg.Database, reg)
	if err != nil {
		return nil, err
	}
	if a.pool != nil && cfg.Server.AutoMigrate {
		if err := database.Migrate(a.pool.DB(), migrations.FS, log); err != nil {
			return nil, err
		}
	}
	st := a.buildStores(clock)

	a.redis, err = redis.New(ctx, cfg.Redis, reg)
	if err != nil {
		return nil, err
	}

	a.audit = a.buildAudit(reg, clock)

	a.bus, err = bus.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("message bus: %w", err)
	}

	a.dispatcher = dispatcher.New(st.outbox, a.bus,
		dispatcher.WithBatchSize(cfg.Outbox.BatchSize),
		dispatcher.WithPollInterval(cfg.Outbox.PollInterval),
		dispatcher.WithLease(cfg.Outbox.Lease),
		dispatcher.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		dispatcher.WithBackoff(outbox.Backoff{Base: cfg.Outbox.BackoffBase, Max: cfg.Outbox.BackoffMax}),
		dispatcher.WithPublishTimeout(cfg.Outbox.PublishTimeout),
		dispatcher.WithClaimTimeout(cfg.Outbox.ClaimTimeout),
		dispatcher.WithOrdering(outbox.Ordering(cfg.Outbox.Ordering)),
		dispatcher.WithTopicPrefix(cfg.Outbox.TopicPrefix),
		dispatcher.WithDrainOnStop(cfg.Outbox.DrainOnStop),
		dispatcher.WithDeadLetterHook(a.auditDeadLetter),
		dispatcher.WithClock(clock),
		dispatcher.WithMetrics(outboxmetrics.New(reg)),
		dispatcher.WithLogger(log),
	)

	ledger := overage.New(st.overages, st.outbox, st.tx,
		overage.WithLogger(log),
		overage.WithAuditEmitter(a.audit),
		overage.WithMetrics(overagemetrics.New(reg)),
		overage.WithClock(clock),
	)

	if cfg.BusDriver == config.BusKafka {
		a.consumer, err = consumer.New(consumer.Config{
			Brokers:         cfg.Kafka.Brokers,
			GroupID:         cfg.Kafka.ConsumerGroup,
			AutoOffsetReset: "earliest",
			Retry:           outbox.Backoff{Base: cfg.Kafka.RetryBase, Max: cfg.Kafka.RetryMax},
		}, overage.NewConsumer(ledger, log), log)
		if err != nil {
			return nil, err
		}
		if err := a.consumer.Subscribe([]string{cfg.Kafka.UsageTopic}); err != nil {
			return nil, err
		}
	}

	a.router = a.buildRouter(reg, clock, ledger, st.admin)
	return a, nil
}

func (a *app) buildStores(clock clockwork.Clock) stores {
	if a.pool == nil {
		a.storage = "memory"
		events := outboxmemory.New(clock)
		return stores{
			overages: overagestore.NewInMemory(),
			outbox:   events,
			tx:       txcontext.NewInMemoryRunner(),
			admin:    events,
		}
	}

	a.storage = "postgres"
	db := a.pool.DB()
	events := outboxpostgres.New(db,
		outboxpostgres.WithClock(clock),
		outboxpostgres.WithClaimTimeout(a.cfg.Outbox.ClaimTimeout),
	)
	return stores{
		overages: overagestore.NewPostgres(db),
		outbox:   events,
		tx:       txcontext.NewPostgresRunner(db, a.cfg.Database.TxTimeout),
		admin:    events,
	}
}

func (a *app) buildAudit(reg *metrics.Registry, clock clockwork.Clock) *audit.Dispatcher {
	sinks := []audit.Sink{
		logsink.New(a.log),
		metricssink.New(reg),
	}
	if a.pool != nil {
		sinks = append(sinks, auditpostgres.New(a.pool.DB()))
	}
	if a.redis != nil {
		sinks = append(sinks, redisstream.New(a.redis.Client,
			redisstream.WithStream(a.cfg.Redis.AuditStream),
			redisstream.WithMaxLen(a.cfg.Redis.AuditMaxLen),
		))
	}

	opts := []audit.Option{
		audit.WithMasker(audit.NewFieldMasker(a.cfg.Audit.SensitiveFields)),
		audit.WithCircuitBreaker(a.cfg.Audit.BreakerThreshold, a.cfg.Audit.BreakerCooldown),
		audit.WithSinkTimeout(a.cfg.Audit.SinkTimeout),
		audit.WithClock(clock),
		audit.WithLogger(a.log),
		audit.WithMetrics(auditmetrics.New(reg)),
	}
	if a.cfg.Audit.Async {
		opts = append(opts, audit.WithAsync(a.cfg.Audit.Shards, a.cfg.Audit.Buffer))
	}
	return audit.NewDispatcher(sinks, opts...)
}

func (a *app) buildRouter(reg *metrics.Registry, clock clockwork.Clock, ledger *overage.Service, admin outboxhandler.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(a.log))
	r.Use(request.Logger(a.log))
	r.Use(request.LatencyMiddleware(request.NewMetrics(reg)))
	r.Use(request.BodyLimit(a.cfg.Server.MaxBodyBytes))
	r.Use(request.ContentTypeJSON)

	hc := health.New(a.cfg.Server.Environment)
	hc.Register(a.bus)
	if a.pool != nil {
		hc.Register(a.pool)
	}
	if a.redis != nil {
		hc.Register(a.redis)
	}
	if a.consumer != nil {
		hc.Register(a.consumer)
	}
	hc.Mount(r)
	r.Handle("/metrics", reg.Handler())

	r.Group(func(r chi.Router) {
		r.Use(request.Timeout(a.cfg.Server.RequestTimeout))
		overagehandler.New(ledger, a.log).Register(r)
		outboxhandler.New(admin, a.audit, clock, a.log).Register(r, a.cfg.Server.AdminToken)
	})
	return r
}

// auditDeadLetter records every event the dispatcher gives up on.
func (a *app) auditDeadLetter(ctx context.Context, event *outbox.Event, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	a.audit.Dispatch(ctx, audit.Event{
		TenantID:    event.TenantID,
		Action:      "outbox.dead_lettered",
		Entity:      "outbox_event",
		EntityID:    strconv.FormatInt(event.ID, 10),
		Sensitivity: audit.SensitivityHigh,
		DataClass:   audit.DataClassInternal,
		Outcome:     audit.OutcomeFailure,
		Message:     msg,
		Diff: &audit.Diff{After: map[string]any{
			"event_type":   event.EventType,
			"aggregate_id": event.AggregateID,
			"attempts":     event.Attempts,
		}},
	})
}

func (a *app) start(ctx context.Context) {
	if a.cfg.Outbox.Enabled {
		a.dispatcher.Start()
	}
	if a.consumer != nil {
		a.consumer.Start()
	}
	go a.refreshGauges(ctx)
}

func (a *app) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.dispatcher.UpdateMetrics(ctx); err != nil {
				a.log.WarnContext(ctx, "outbox gauge refresh failed", "error", err)
			}
			if a.redis != nil {
				a.redis.RecordPoolStats()
			}
		}
	}
}

// stop tears components down in dependency order: inbound first, then the
// dispatcher, then the sinks and connections they write to.
func (a *app) stop(ctx context.Context) []error {
	var errs []error
	if a.consumer != nil {
		errs = append(errs, a.consumer.Stop(ctx))
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Stop(ctx))
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close(ctx))
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.pool.Close())

	var out []error
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			out = append(out, err)
		}
	}
	return out
}
