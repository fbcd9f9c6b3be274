package callbacks

import (
	"time"

	"nnunet/pkg/metrics"
	"nnunet/pkg/trainer"
)

// MetricsCallback exports the batch timings and loop metrics to Prometheus.
type MetricsCallback struct {
	trainer.BaseCallback
	Metrics *metrics.RunMetrics

	batchStart time.Time
}

func NewMetricsCallback(m *metrics.RunMetrics) *MetricsCallback {
	return &MetricsCallback{Metrics: m}
}

func (m *MetricsCallback) OnTrainBatchStart(*trainer.Trainer, int) error {
	m.batchStart = time.Now()
	return nil
}

func (m *MetricsCallback) OnTrainBatchEnd(t *trainer.Trainer, _ int, loss float64) error {
	m.Metrics.ObserveStep(t.Stage, time.Since(m.batchStart))
	m.Metrics.Set(t.Stage, "loss", loss)
	m.Metrics.Set(t.Stage, "epoch", float64(t.CurrentEpoch))
	return nil
}

func (m *MetricsCallback) OnTestBatchStart(*trainer.Trainer, int) error {
	m.batchStart = time.Now()
	return nil
}

func (m *MetricsCallback) OnTestBatchEnd(t *trainer.Trainer, _ int) error {
	m.Metrics.ObserveStep(t.Stage, time.Since(m.batchStart))
	return nil
}

func (m *MetricsCallback) OnValidationEnd(t *trainer.Trainer) error {
	m.export(t)
	return nil
}

func (m *MetricsCallback) OnTestEnd(t *trainer.Trainer) error {
	m.export(t)
	return nil
}

func (m *MetricsCallback) export(t *trainer.Trainer) {
	for name, value := range t.CallbackMetrics {
		m.Metrics.Set(t.Stage, name, value)
	}
}
