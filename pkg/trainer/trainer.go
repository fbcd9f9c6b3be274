package trainer

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/data"
	"nnunet/pkg/io"
	"nnunet/pkg/model"
)

// StepOutput is the result of a training step on one shard.
type StepOutput struct {
	Loss float64
	Grad *mat.Dense
}

// Module is the model driven by a Trainer.
type Module interface {
	// TrainingStep returns the mean loss and gradient of a shard. It may run
	// concurrently on disjoint shards.
	TrainingStep(ctx context.Context, shard data.Batch) (StepOutput, error)
	// OptimizerStep updates the weights from the reduced gradient.
	OptimizerStep(grad *mat.Dense)

	ValidationStep(ctx context.Context, batch data.Batch) error
	// ValidationEpochEnd returns the metrics of the validation pass and resets them.
	ValidationEpochEnd(epoch int) (map[string]float64, error)

	TestStep(ctx context.Context, batch data.Batch) error
	// TestEpochEnd returns the metrics of the test pass and resets them.
	TestEpochEnd() (map[string]float64, error)

	SetPrecision(precision int)
	Summary(maxDepth int) []model.LayerSummary
	// Checkpoint returns a snapshot of the hyperparameters, network and
	// optimizer state.
	Checkpoint() *io.Checkpoint
}

// DataModule serves the loaders used by Fit.
type DataModule interface {
	TrainDataloader() *data.Loader
	ValDataloader() *data.Loader
}

// Config holds the settings of a Trainer.
type Config struct {
	DefaultRootDir      string
	MaxEpochs           int
	Precision           int
	GradientClipVal     float64
	EnableCheckpointing bool
	Callbacks           []Callback

	Accelerator string
	Devices     int
	NumNodes    int

	CheckpointIO CheckpointIO
	Strategy     Strategy

	LimitTrainBatches BatchLimit
	LimitValBatches   BatchLimit
	LimitTestBatches  BatchLimit
}

// Trainer runs the training, validation and test loops of a Module.
type Trainer struct {
	config Config
	module Module

	CurrentEpoch    int
	GlobalStep      int
	Stage           string
	CallbackMetrics map[string]float64

	// Number of batches of the running loops after limits are applied
	NumTrainBatches int
	NumValBatches   int
	NumTestBatches  int
}

func New(config Config) *Trainer {
	if config.Precision == 0 {
		config.Precision = model.Single
	}
	if config.Strategy == nil {
		config.Strategy = NewDDPStrategy(config.Accelerator, config.Devices, config.NumNodes)
	}
	if config.CheckpointIO == nil {
		config.CheckpointIO = FileCheckpointIO{}
	}
	return &Trainer{config: config, CallbackMetrics: map[string]float64{}}
}

func (t *Trainer) Config() Config {
	return t.config
}

// Module is the module of the running loop.
func (t *Trainer) Module() Module {
	return t.module
}

// Fit trains the module for MaxEpochs epochs, validating after each epoch.
func (t *Trainer) Fit(ctx context.Context, m Module, dm DataModule) (err error) {
	if err := t.begin(m, StageFit); err != nil {
		return err
	}
	defer func() {
		if terr := t.end(StageFit); err == nil {
			err = terr
		}
	}()

	if err := t.callbacks(func(c Callback) error { return c.OnFitStart(t) }); err != nil {
		return err
	}
	if err := t.callbacks(func(c Callback) error { return c.OnTrainStart(t) }); err != nil {
		return err
	}
	train, val := dm.TrainDataloader(), dm.ValDataloader()
	for epoch := 0; epoch < t.config.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.CurrentEpoch = epoch
		if err := t.trainEpoch(ctx, train); err != nil {
			return err
		}
		if val.Len() > 0 {
			if err := t.validationLoop(ctx, val); err != nil {
				return err
			}
		}
		if err := t.callbacks(func(c Callback) error { return c.OnTrainEpochEnd(t) }); err != nil {
			return err
		}
		t.logMetrics("Epoch finished")
	}
	return t.callbacks(func(c Callback) error { return c.OnTrainEnd(t) })
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *data.Loader) error {
	limit := t.config.LimitTrainBatches.Resolve(loader.Len())
	t.NumTrainBatches = limit
	if err := t.callbacks(func(c Callback) error { return c.OnTrainEpochStart(t) }); err != nil {
		return err
	}
	total, steps := 0.0, 0
	err := loader.Iterate(ctx, limit, func(idx int, batch data.Batch) error {
		if err := t.callbacks(func(c Callback) error { return c.OnTrainBatchStart(t, idx) }); err != nil {
			return err
		}
		loss, grad, err := t.config.Strategy.ForwardBackward(ctx, t.module, batch)
		if err != nil {
			return err
		}
		norm := model.ClipGradNorm(grad, t.config.GradientClipVal)
		t.module.OptimizerStep(grad)
		t.GlobalStep++
		total += loss
		steps++
		log.Debug().Int("epoch", t.CurrentEpoch).Int("batch", idx).Float64("loss", loss).Float64("grad_norm", norm).Msg("")
		return t.callbacks(func(c Callback) error { return c.OnTrainBatchEnd(t, idx, loss) })
	})
	if err != nil {
		return fmt.Errorf("epoch %d: %w", t.CurrentEpoch, err)
	}
	if steps > 0 {
		t.CallbackMetrics["train_loss"] = total / float64(steps)
	}
	return nil
}

func (t *Trainer) validationLoop(ctx context.Context, loader *data.Loader) error {
	limit := t.config.LimitValBatches.Resolve(loader.Len())
	t.NumValBatches = limit
	if err := t.callbacks(func(c Callback) error { return c.OnValidationStart(t) }); err != nil {
		return err
	}
	err := loader.Iterate(ctx, limit, func(idx int, batch data.Batch) error {
		if err := t.module.ValidationStep(ctx, batch); err != nil {
			return err
		}
		return t.callbacks(func(c Callback) error { return c.OnValidationBatchEnd(t, idx) })
	})
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	metrics, err := t.module.ValidationEpochEnd(t.CurrentEpoch)
	if err != nil {
		return err
	}
	for k, v := range metrics {
		t.CallbackMetrics[k] = v
	}
	return t.callbacks(func(c Callback) error { return c.OnValidationEnd(t) })
}

// Validate runs one validation pass over loader.
func (t *Trainer) Validate(ctx context.Context, m Module, loader *data.Loader) (err error) {
	if err := t.begin(m, StageValidate); err != nil {
		return err
	}
	defer func() {
		if terr := t.end(StageValidate); err == nil {
			err = terr
		}
	}()
	if err := t.validationLoop(ctx, loader); err != nil {
		return err
	}
	t.logMetrics("Validation finished")
	return nil
}

// Test runs one test pass over loader and logs its metrics when verbose.
func (t *Trainer) Test(ctx context.Context, m Module, loader *data.Loader, verbose bool) (err error) {
	if err := t.begin(m, StageTest); err != nil {
		return err
	}
	defer func() {
		if terr := t.end(StageTest); err == nil {
			err = terr
		}
	}()

	limit := t.config.LimitTestBatches.Resolve(loader.Len())
	t.NumTestBatches = limit
	if err := t.callbacks(func(c Callback) error { return c.OnTestStart(t) }); err != nil {
		return err
	}
	err = loader.Iterate(ctx, limit, func(idx int, batch data.Batch) error {
		if err := t.callbacks(func(c Callback) error { return c.OnTestBatchStart(t, idx) }); err != nil {
			return err
		}
		if err := t.module.TestStep(ctx, batch); err != nil {
			return err
		}
		return t.callbacks(func(c Callback) error { return c.OnTestBatchEnd(t, idx) })
	})
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	metrics, err := t.module.TestEpochEnd()
	if err != nil {
		return err
	}
	for k, v := range metrics {
		t.CallbackMetrics[k] = v
	}
	if err := t.callbacks(func(c Callback) error { return c.OnTestEnd(t) }); err != nil {
		return err
	}
	if verbose {
		t.logMetrics("Test finished")
	}
	return nil
}

// SaveCheckpoint snapshots the module and hands it to the checkpoint IO. It
// does nothing unless checkpointing is enabled.
func (t *Trainer) SaveCheckpoint(path string) error {
	if !t.config.EnableCheckpointing {
		log.Debug().Str("path", path).Msg("Checkpointing disabled, not saving")
		return nil
	}
	c := t.module.Checkpoint()
	c.Epoch = t.CurrentEpoch
	c.GlobalStep = t.GlobalStep
	c.Metrics = make(map[string]float64, len(t.CallbackMetrics))
	for k, v := range t.CallbackMetrics {
		c.Metrics[k] = v
	}
	if err := t.callbacks(func(cb Callback) error { return cb.OnSaveCheckpoint(t, c) }); err != nil {
		return err
	}
	return t.config.CheckpointIO.SaveCheckpoint(c, path)
}

// RemoveCheckpoint deletes a checkpoint saved earlier.
func (t *Trainer) RemoveCheckpoint(path string) error {
	return t.config.CheckpointIO.RemoveCheckpoint(path)
}

func (t *Trainer) begin(m Module, stage string) error {
	t.module = m
	t.Stage = stage
	t.CallbackMetrics = map[string]float64{}
	m.SetPrecision(t.config.Precision)
	return t.callbacks(func(c Callback) error { return c.Setup(t, stage) })
}

func (t *Trainer) end(stage string) error {
	err := t.config.CheckpointIO.Teardown()
	if cerr := t.callbacks(func(c Callback) error { return c.Teardown(t, stage) }); err == nil {
		err = cerr
	}
	return err
}

func (t *Trainer) logMetrics(msg string) {
	keys := make([]string, 0, len(t.CallbackMetrics))
	for k := range t.CallbackMetrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	event := log.Info().Int("epoch", t.CurrentEpoch)
	for _, k := range keys {
		event = event.Float64(k, t.CallbackMetrics[k])
	}
	event.Msg(msg)
}
