package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const MetricPrefix = "nnunet"

// RunMetrics holds the collectors of a run on their own registry.
type RunMetrics struct {
	Registry *prometheus.Registry

	// Gauge holds the last value of every scalar metric, labeled by stage and name
	Gauge *prometheus.GaugeVec

	// Steps counts the batches processed per stage
	Steps *prometheus.CounterVec

	// StepSeconds observes the wall time of every batch per stage
	StepSeconds *prometheus.HistogramVec
}

func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		Registry: prometheus.NewRegistry(),
		Gauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: MetricPrefix,
				Name:      "gauge_metrics",
				Help:      "Last value of run metrics such as loss, dice and throughput.",
			},
			[]string{"stage", "metric_name"},
		),
		Steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricPrefix,
				Name:      "steps_total",
				Help:      "Number of processed batches.",
			},
			[]string{"stage"},
		),
		StepSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: MetricPrefix,
				Name:      "step_seconds",
				Help:      "Wall time of a batch.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"stage"},
		),
	}
	m.Registry.MustRegister(m.Gauge, m.Steps, m.StepSeconds)
	return m
}

// Set records the value of a named metric of a stage.
func (m *RunMetrics) Set(stage, name string, value float64) {
	m.Gauge.WithLabelValues(stage, name).Set(value)
}

// ObserveStep records one processed batch of a stage.
func (m *RunMetrics) ObserveStep(stage string, d time.Duration) {
	m.Steps.WithLabelValues(stage).Inc()
	m.StepSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *RunMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on /metrics at addr until ctx is done.
func (m *RunMetrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Prometheus metrics server started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
