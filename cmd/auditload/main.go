// Command auditload floods an async audit dispatcher to observe backpressure:
// drops on full shard buffers, per-sink failures and circuit transitions.
// Metrics are served on -metrics-addr while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"relay/internal/platform/logger"
	"relay/internal/platform/metrics"
	"relay/pkg/platform/audit"
	auditmetrics "relay/pkg/platform/audit/metrics"
	"relay/pkg/platform/audit/sinks/memory"
)

// flakySink sleeps per event and fails a share of deliveries.
type flakySink struct {
	delay    time.Duration
	failRate float64
	sent     atomic.Int64
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Send(ctx context.Context, _ audit.Event) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if rand.Float64() < s.failRate {
		return errors.New("injected failure")
	}
	s.sent.Add(1)
	return nil
}

func main() {
	var (
		events      = flag.Int("events", 10000, "events to emit")
		tenants     = flag.Int("tenants", 20, "distinct tenants")
		shards      = flag.Int("shards", 4, "dispatcher shards")
		buffer      = flag.Int("buffer", 64, "per-shard buffer")
		delay       = flag.Duration("sink-delay", 2*time.Millisecond, "flaky sink latency")
		failRate    = flag.Float64("fail-rate", 0.05, "flaky sink failure ratio")
		metricsAddr = flag.String("metrics-addr", ":9090", "metrics listen address, empty to disable")
	)
	flag.Parse()

	log := logger.New("auditload", "info")
	reg := metrics.New()

	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, reg.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	mem := memory.New("memory")
	flaky := &flakySink{delay: *delay, failRate: *failRate}
	d := audit.NewDispatcher([]audit.Sink{mem, flaky},
		audit.WithAsync(*shards, *buffer),
		audit.WithCircuitBreaker(10, time.Second),
		audit.WithLogger(log),
		audit.WithMetrics(auditmetrics.New(reg)),
	)

	start := time.Now()
	ctx := context.Background()
	for i := 0; i < *events; i++ {
		d.Dispatch(ctx, audit.Event{
			TenantID:    "tenant-" + strconv.Itoa(i%*tenants),
			Action:      "overage.recorded",
			Entity:      "overage",
			EntityID:    strconv.Itoa(i),
			Sensitivity: audit.SensitivityLow,
			DataClass:   audit.DataClassInternal,
			Diff:        &audit.Diff{After: map[string]any{"amount": i, "card_number": "4242424242424242"}},
		})
	}
	emitted := time.Since(start)

	closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		log.Error("drain incomplete", "error", err)
		os.Exit(1)
	}

	fmt.Printf("emitted %d events in %s\n", *events, emitted)
	fmt.Printf("memory sink received %d (dropped %d)\n", mem.Len(), *events-mem.Len())
	fmt.Printf("flaky sink delivered %d\n", flaky.sent.Load())
}
