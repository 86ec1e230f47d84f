// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package telemetry holds the engine's Prometheus instrumentation and the
// average-runtime accumulator attached to each periodic loop. Counters are
// registered eagerly; if no /metrics endpoint is exposed the registration is
// harmless.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ViolationsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygen_violations_total",
		Help: "Violations added to the bookkeeper, by category kind",
	}, []string{"kind"})

	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygen_messages_dropped_total",
		Help: "Policy messages dropped because a proxy queue was full",
	})

	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygen_send_failures_total",
		Help: "Policy batches dropped after exhausting TCP send retries",
	})

	ScanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygen_scan_errors_total",
		Help: "Redis SCAN or fetch failures that aborted a detector iteration",
	})

	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygen_parse_errors_total",
		Help: "Counter keys or values rejected as malformed",
	})

	LimitReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygen_limit_reloads_total",
		Help: "Limit reload requests received over the control FIFO",
	})

	LoopDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polygen_loop_duration_seconds",
		Help:    "Duration of one detector or demand loop iteration",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"loop"})
)

func init() {
	prometheus.MustRegister(ViolationsEmitted, MessagesDropped, SendFailures,
		ScanErrors, ParseErrors, LimitReloads, LoopDuration)
}

// ServeMetrics exposes /metrics on addr in a background goroutine.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

// AvgTimer accumulates per-call runtimes for one named function and logs
// their mean in microseconds once the sample window fills. It mirrors the
// timing wrapper each loop carries; callers own one per loop, so no locking.
type AvgTimer struct {
	log        *zap.Logger
	zone       string
	name       string
	sampleSize int
	samples    []float64
}

// NewAvgTimer builds an accumulator that reports every sampleSize samples.
func NewAvgTimer(log *zap.Logger, zone, name string, sampleSize int) *AvgTimer {
	return &AvgTimer{log: log, zone: zone, name: name, sampleSize: sampleSize}
}

// Track starts timing one call; invoke the returned func when it finishes.
// n divides the measured time, for per-item averages over a batch.
func (t *AvgTimer) Track(n int) func() {
	if t.sampleSize >= 0 && len(t.samples) >= t.sampleSize {
		var sum float64
		for _, s := range t.samples {
			sum += s
		}
		avg := int64(sum / float64(len(t.samples)))
		t.log.Info("average runtime",
			zap.String("zone", t.zone), zap.String("func", t.name), zap.Int64("average_time_us", avg))
		t.samples = t.samples[:0]
	}
	start := time.Now()
	return func() {
		if n <= 0 {
			n = 1
		}
		t.samples = append(t.samples, float64(time.Since(start).Microseconds())/float64(n))
	}
}
