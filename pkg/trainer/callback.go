package trainer

import "nnunet/pkg/io"

// Stages passed to Callback.Setup and Callback.Teardown.
const (
	StageFit      = "fit"
	StageValidate = "validate"
	StageTest     = "test"
)

// Callback hooks into the loops of a Trainer. A hook returning an error stops
// the running loop.
type Callback interface {
	Setup(t *Trainer, stage string) error
	Teardown(t *Trainer, stage string) error

	OnFitStart(t *Trainer) error

	OnTrainStart(t *Trainer) error
	OnTrainEpochStart(t *Trainer) error
	OnTrainBatchStart(t *Trainer, batchIdx int) error
	OnTrainBatchEnd(t *Trainer, batchIdx int, loss float64) error
	OnTrainEpochEnd(t *Trainer) error
	OnTrainEnd(t *Trainer) error

	OnValidationStart(t *Trainer) error
	OnValidationBatchEnd(t *Trainer, batchIdx int) error
	OnValidationEnd(t *Trainer) error

	OnTestStart(t *Trainer) error
	OnTestBatchStart(t *Trainer, batchIdx int) error
	OnTestBatchEnd(t *Trainer, batchIdx int) error
	OnTestEnd(t *Trainer) error

	OnSaveCheckpoint(t *Trainer, c *io.Checkpoint) error
}

// BaseCallback implements every hook as a no-op. Embed it to override only
// the hooks a callback needs.
type BaseCallback struct{}

func (BaseCallback) Setup(*Trainer, string) error                    { return nil }
func (BaseCallback) Teardown(*Trainer, string) error                 { return nil }
func (BaseCallback) OnFitStart(*Trainer) error                       { return nil }
func (BaseCallback) OnTrainStart(*Trainer) error                     { return nil }
func (BaseCallback) OnTrainEpochStart(*Trainer) error                { return nil }
func (BaseCallback) OnTrainBatchStart(*Trainer, int) error           { return nil }
func (BaseCallback) OnTrainBatchEnd(*Trainer, int, float64) error    { return nil }
func (BaseCallback) OnTrainEpochEnd(*Trainer) error                  { return nil }
func (BaseCallback) OnTrainEnd(*Trainer) error                       { return nil }
func (BaseCallback) OnValidationStart(*Trainer) error                { return nil }
func (BaseCallback) OnValidationBatchEnd(*Trainer, int) error        { return nil }
func (BaseCallback) OnValidationEnd(*Trainer) error                  { return nil }
func (BaseCallback) OnTestStart(*Trainer) error                      { return nil }
func (BaseCallback) OnTestBatchStart(*Trainer, int) error            { return nil }
func (BaseCallback) OnTestBatchEnd(*Trainer, int) error              { return nil }
func (BaseCallback) OnTestEnd(*Trainer) error                        { return nil }
func (BaseCallback) OnSaveCheckpoint(*Trainer, *io.Checkpoint) error { return nil }

func (t *Trainer) callbacks(hook func(c Callback) error) error {
	for _, c := range t.config.Callbacks {
		if err := hook(c); err != nil {
			return err
		}
	}
	return nil
}
