package callbacks

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"nnunet/pkg/trainer"
)

// Benchmarker is implemented by modules whose test passes can be timed.
type Benchmarker interface {
	Benchmarking() bool
}

var latencyLevels = []float64{90, 95, 99}

// LoggingCallback measures the step time of the first full training epoch, or
// of timed test passes, and appends the resulting throughput and latency
// statistics to a JSON lines file. The first Warmup steps are not measured.
type LoggingCallback struct {
	trainer.BaseCallback

	Path            string
	GlobalBatchSize int
	Mode            string
	Warmup          int
	Dim             int

	step       int
	timestamps []time.Time
	now        func() time.Time
}

// NewLoggingCallback creates logDir if needed and records the metadata of the
// logged metrics in logDir/filename.
func NewLoggingCallback(logDir, filename string, globalBatchSize int, mode string, warmup, dim int) (*LoggingCallback, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating log dir %s: %w", logDir, err)
	}
	l := &LoggingCallback{
		Path:            filepath.Join(logDir, filename),
		GlobalBatchSize: globalBatchSize,
		Mode:            mode,
		Warmup:          warmup,
		Dim:             dim,
		now:             time.Now,
	}
	err := l.write(func(logger zerolog.Logger) {
		metadata := func(metric, unit string) {
			logger.Log().Str("type", "METADATA").Str("metric", metric).
				Dict("metadata", zerolog.Dict().Str("unit", unit)).Send()
		}
		metadata("dice_score", "%")
		metadata("throughput_"+mode, "images/s")
		metadata("latency_"+mode+"_mean", "ms")
		for _, level := range latencyLevels {
			metadata(fmt.Sprintf("latency_%s_%.0f", mode, level), "ms")
		}
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LoggingCallback) write(fn func(logger zerolog.Logger)) error {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", l.Path, err)
	}
	fn(zerolog.New(f).With().Timestamp().Logger())
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", l.Path, err)
	}
	return nil
}

func (l *LoggingCallback) doStep() {
	l.step++
	if l.step > l.Warmup {
		l.timestamps = append(l.timestamps, l.now())
	}
}

func (l *LoggingCallback) OnTrainBatchStart(t *trainer.Trainer, _ int) error {
	if t.CurrentEpoch == 1 {
		l.doStep()
	}
	return nil
}

func (l *LoggingCallback) OnTestBatchStart(t *trainer.Trainer, _ int) error {
	if benchmarking(t) {
		l.doStep()
	}
	return nil
}

func (l *LoggingCallback) OnValidationEnd(t *trainer.Trainer) error {
	dice, ok := t.CallbackMetrics["dice"]
	if !ok {
		return nil
	}
	return l.write(func(logger zerolog.Logger) {
		logger.Log().Str("type", "LOG").Int("step", t.CurrentEpoch).
			Dict("data", zerolog.Dict().Float64("dice_score", round3(dice))).Send()
	})
}

func (l *LoggingCallback) OnTrainEnd(*trainer.Trainer) error {
	return l.logPerformance()
}

func (l *LoggingCallback) OnTestEnd(t *trainer.Trainer) error {
	if !benchmarking(t) {
		return nil
	}
	return l.logPerformance()
}

func benchmarking(t *trainer.Trainer) bool {
	b, ok := t.Module().(Benchmarker)
	return ok && b.Benchmarking()
}

// PerformanceStats returns the throughput in images per second and the mean
// and percentile step latencies in milliseconds of the recorded steps.
func (l *LoggingCallback) PerformanceStats() (map[string]float64, error) {
	if len(l.timestamps) < 2 {
		return nil, fmt.Errorf("%d timed steps, at least 2 are needed", len(l.timestamps))
	}
	elapsed := make([]float64, len(l.timestamps)-1)
	for i := range elapsed {
		elapsed[i] = l.timestamps[i+1].Sub(l.timestamps[i]).Seconds()
	}
	mean := stat.Mean(elapsed, nil)
	latencies := make([]float64, len(elapsed))
	for i, e := range elapsed {
		latencies[i] = 1000 * e
	}
	sort.Float64s(latencies)

	stats := map[string]float64{}
	stats["throughput_"+l.Mode] = round3(float64(l.GlobalBatchSize) / mean)
	stats["latency_"+l.Mode+"_mean"] = round3(stat.Mean(latencies, nil))
	for _, level := range latencyLevels {
		stats[fmt.Sprintf("latency_%s_%.0f", l.Mode, level)] = round3(percentile(latencies, level))
	}
	return stats, nil
}

func (l *LoggingCallback) logPerformance() error {
	stats, err := l.PerformanceStats()
	if err != nil {
		log.Warn().Err(err).Str("mode", l.Mode).Msg("Not enough steps to report performance")
		return nil
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := zerolog.Dict()
	event := log.Info().Str("mode", l.Mode).Int("dim", l.Dim)
	for _, k := range keys {
		data = data.Float64(k, stats[k])
		event = event.Float64(k, stats[k])
	}
	event.Msg("Performance")
	return l.write(func(logger zerolog.Logger) {
		logger.Log().Str("type", "LOG").Dict("data", data).Send()
	})
}

// percentile interpolates linearly between the closest ranks of sorted
// values, with rank p/100*(n-1).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
