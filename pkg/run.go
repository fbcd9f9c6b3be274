package pkg

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"nnunet/pkg/args"
	"nnunet/pkg/callbacks"
	"nnunet/pkg/data"
	"nnunet/pkg/metrics"
	"nnunet/pkg/nnunet"
	"nnunet/pkg/trainer"
	"nnunet/pkg/utils"
)

// Executor runs the trainer entry points used by the execution modes.
type Executor interface {
	Fit(ctx context.Context, m trainer.Module, dm trainer.DataModule) error
	Validate(ctx context.Context, m trainer.Module, loader *data.Loader) error
	Test(ctx context.Context, m trainer.Module, loader *data.Loader, verbose bool) error
}

type options struct {
	devices     utils.DeviceCounter
	newExecutor func(trainer.Config) Executor
	postTrain   func(script string)
}

// Option customizes Main.
type Option func(*options)

// WithDeviceCounter replaces the NVML device lookup.
func WithDeviceCounter(c utils.DeviceCounter) Option {
	return func(o *options) { o.devices = c }
}

// WithExecutor replaces the trainer built from the run configuration.
func WithExecutor(fn func(trainer.Config) Executor) Option {
	return func(o *options) { o.newExecutor = fn }
}

// WithPostTrainHook replaces the script run after a successful training.
func WithPostTrainHook(fn func(script string)) Option {
	return func(o *options) { o.postTrain = fn }
}

// Main runs the job described by a: it prepares the devices and the data,
// builds or restores the model and dispatches to the execution mode.
func Main(ctx context.Context, a *args.Args, opts ...Option) error {
	o := options{
		devices:   utils.NVMLCounter{},
		postTrain: utils.RunPostTrainHook,
	}
	for _, opt := range opts {
		opt(&o)
	}

	utils.SetGranularity()
	accelerator, err := utils.SetCUDADevices(a, o.devices)
	if err != nil {
		return err
	}
	if a.Seed != nil {
		utils.SeedEverything(*a.Seed)
	}

	dm := data.NewDataModule(a)
	if err := dm.Setup(); err != nil {
		return fmt.Errorf("error setting up data: %w", err)
	}

	m, err := buildModel(a, dm)
	if err != nil {
		return err
	}

	var runMetrics *metrics.RunMetrics
	if a.MetricsAddr != "" {
		runMetrics = metrics.NewRunMetrics()
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := runMetrics.Serve(serveCtx, a.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", a.MetricsAddr).Msg("Metrics server stopped")
			}
		}()
	}

	cbs, err := Callbacks(a, runMetrics)
	if err != nil {
		return err
	}
	var exec Executor
	if o.newExecutor != nil {
		exec = o.newExecutor(TrainerConfig(a, accelerator, cbs))
	} else {
		exec = GetTrainer(a, accelerator, cbs)
	}

	log.Info().
		Str("mode", a.ExecMode).
		Str("accelerator", accelerator).
		Int("devices", a.GPUs).
		Int("global_batch_size", a.GlobalBatchSize()).
		Msg("Starting")

	switch a.ExecMode {
	case args.Train:
		if err := exec.Fit(ctx, m, dm); err != nil {
			return fmt.Errorf("error training: %w", err)
		}
		o.postTrain(a.PostTrainScript)
	case args.Evaluate:
		if err := exec.Validate(ctx, m, dm.ValDataloader()); err != nil {
			return fmt.Errorf("error evaluating: %w", err)
		}
	case args.Predict:
		if a.SavePreds {
			dir := filepath.Join(a.Results, PredictionDirName(a.CkptPath, m.Args.Task, m.Args.Fold, a.TTA))
			if err := utils.MakeEmptyDir(dir); err != nil {
				return err
			}
			m.SaveDir = dir
			log.Info().Str("dir", dir).Msg("Saving predictions")
		}
		m.Args = a
		if err := exec.Test(ctx, m, dm.TestDataloader(), true); err != nil {
			return fmt.Errorf("error predicting: %w", err)
		}
	case args.Benchmark:
		if err := exec.Test(ctx, m, dm.TestDataloader(), false); err != nil {
			return fmt.Errorf("error benchmarking: %w", err)
		}
		m.StartBenchmark = true
		if err := exec.Test(ctx, m, dm.TestDataloader(), false); err != nil {
			return fmt.Errorf("error benchmarking: %w", err)
		}
	default:
		return fmt.Errorf("invalid exec mode %q", a.ExecMode)
	}
	return nil
}

func buildModel(a *args.Args, dm *data.DataModule) (*nnunet.NNUnet, error) {
	if path := utils.VerifyCkptPath(a); path != "" {
		return nnunet.LoadFromCheckpoint(path, a)
	}
	return nnunet.New(a, dm.Metadata())
}

// Callbacks returns the callbacks of a run. The checkpoint callback is only
// used when training with checkpointing, the metrics callback only when
// runMetrics is set.
func Callbacks(a *args.Args, runMetrics *metrics.RunMetrics) ([]trainer.Callback, error) {
	logging, err := callbacks.NewLoggingCallback(a.Results, "logs.json", a.GlobalBatchSize(), a.ExecMode, a.Warmup, a.Dim)
	if err != nil {
		return nil, err
	}
	cbs := []trainer.Callback{callbacks.NewProgressBar(), callbacks.NewModelSummary(2), logging}
	if a.ExecMode == args.Train && a.SaveCkpt {
		cbs = append(cbs, callbacks.NewModelCheckpoint(filepath.Join(a.CkptStoreDir, "checkpoints"), "dice", "max", true))
	}
	if runMetrics != nil {
		cbs = append(cbs, callbacks.NewMetricsCallback(runMetrics))
	}
	return cbs, nil
}

// TrainerConfig maps the run configuration onto the trainer.
func TrainerConfig(a *args.Args, accelerator string, cbs []trainer.Callback) trainer.Config {
	return trainer.Config{
		DefaultRootDir:      a.Results,
		MaxEpochs:           a.Epochs,
		Precision:           a.Precision(),
		GradientClipVal:     a.GradientClipVal,
		EnableCheckpointing: a.SaveCkpt,
		Callbacks:           cbs,
		Accelerator:         accelerator,
		Devices:             a.GPUs,
		NumNodes:            a.Nodes,
		CheckpointIO:        trainer.NewAsyncCheckpointIO(nil),
		Strategy:            trainer.NewDDPStrategy(accelerator, a.GPUs, a.Nodes),
		LimitTrainBatches:   trainer.LimitBatches(a.TrainBatches),
		LimitValBatches:     trainer.LimitBatches(a.TestBatches),
		LimitTestBatches:    trainer.LimitBatches(a.TestBatches),
	}
}

// GetTrainer builds the trainer of a run.
func GetTrainer(a *args.Args, accelerator string, cbs []trainer.Callback) *trainer.Trainer {
	return trainer.New(TrainerConfig(a, accelerator, cbs))
}

// PredictionDirName names the directory receiving the predictions of the
// checkpoint at ckptPath: the checkpoint file name with its extension dropped
// and remaining dots replaced, followed by the task and fold.
func PredictionDirName(ckptPath, task string, fold int, tta bool) string {
	name := ckptPath[strings.LastIndex(ckptPath, "/")+1:]
	parts := strings.Split(name, ".")
	dir := fmt.Sprintf("predictions_%s_task=%s_fold=%d", strings.Join(parts[:len(parts)-1], "_"), task, fold)
	if tta {
		dir += "_tta"
	}
	return dir
}
