// Package metrics exposes scheduler observations as Prometheus metrics on
// an optional HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "tickbot/pkg/logx"
)

// Registry implements the scheduler's Stats interface and serves /metrics.
type Registry struct {
	reg *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	tickDuration prometheus.Histogram
	tickClaimed  prometheus.Histogram
	lastTickTime prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		reg: reg,
		runsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickbot",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Job runs by final status.",
		}, []string{"status"}),
		tickDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "tickbot",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick, execution included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		tickClaimed: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "tickbot",
			Subsystem: "scheduler",
			Name:      "tick_claimed_jobs",
			Help:      "Jobs claimed per tick.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		lastTickTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "tickbot",
			Subsystem: "scheduler",
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the most recent tick.",
		}),
	}
}

// TickObserved records one completed scheduler tick.
func (r *Registry) TickObserved(d time.Duration, claimed int) {
	r.tickDuration.Observe(d.Seconds())
	r.tickClaimed.Observe(float64(claimed))
	r.lastTickTime.SetToCurrentTime()
}

// RunRecorded counts one finished job run.
func (r *Registry) RunRecorded(status string) {
	r.runsTotal.WithLabelValues(status).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string, log logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics endpoint listening", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
