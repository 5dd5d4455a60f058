// Package metrics exposes pipeline counters for Prometheus.
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

	"github.com/tendant/proof-converter/internal/logger"
)

const namespace = "proof_converter"

// Job outcomes.
const (
	OutcomeWritten   = "written"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

type Metrics struct {
	registry *prometheus.Registry

	JobsTotal        *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	JobsInFlight     prometheus.Gauge
	BacklogFiles     prometheus.Gauge
	WatchErrorsTotal prometheus.Counter
	MirrorUploads    *prometheus.CounterVec
}

// New registers the pipeline metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Artifacts submitted to the pipeline, by outcome",
		}, []string{"outcome"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed jobs by error kind",
		}, []string{"kind"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each job stage",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"stage"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Accepted jobs that have not finished",
		}),
		BacklogFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_files",
			Help:      "Matching files found by the last backlog scan",
		}),
		WatchErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_errors_total",
			Help:      "Errors reported by the input directory watcher",
		}),
		MirrorUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_uploads_total",
			Help:      "Object storage mirror uploads by result",
		}, []string{"result"}),
	}
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
