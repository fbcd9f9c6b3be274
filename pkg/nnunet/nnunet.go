package nnunet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/args"
	"nnunet/pkg/data"
	"nnunet/pkg/io"
	"nnunet/pkg/model"
	"nnunet/pkg/trainer"
	"nnunet/pkg/utils"
)

// NNUnet is the segmentation module driven by the trainer. It owns the
// network, its optimizer and the metrics of the validation and test passes.
type NNUnet struct {
	Args *args.Args

	// SaveDir receives the predictions of the test pass when set
	SaveDir string

	// StartBenchmark marks test passes that are timed
	StartBenchmark bool

	net *model.Network
	opt model.Optimizer

	val  *evaluator
	test *evaluator

	currentEpoch int
	bestDice     float64
}

// New creates a module with a freshly initialized network for data described
// by meta.
func New(a *args.Args, meta *model.Metadata) (*NNUnet, error) {
	if meta == nil {
		return nil, fmt.Errorf("no data metadata to build the network from")
	}
	net, err := model.NewNetwork(*meta, utils.NewRand("model-init"))
	if err != nil {
		return nil, fmt.Errorf("error creating network: %w", err)
	}
	return newModule(a, net)
}

// LoadFromCheckpoint restores the network weights saved at path. Loading is
// not strict: a is used in place of the saved hyperparameters, and the
// optimizer state is only restored when resuming training.
func LoadFromCheckpoint(path string, a *args.Args) (*NNUnet, error) {
	c, err := io.ReadCheckpointFile(path)
	if err != nil {
		return nil, err
	}
	net, err := model.NetworkFromState(c.Network)
	if err != nil {
		return nil, fmt.Errorf("error restoring network from %s: %w", path, err)
	}
	log.Info().
		Str("checkpoint", path).
		Int("epoch", c.Epoch).
		Str("task", c.Hyperparameters.Task).
		Int("fold", c.Hyperparameters.Fold).
		Msg("Model loaded from checkpoint")
	m, err := newModule(a, net)
	if err != nil {
		return nil, err
	}
	if a.ResumeTraining {
		if err := m.opt.LoadState(c.Optimizer); err != nil {
			return nil, fmt.Errorf("error restoring optimizer from %s: %w", path, err)
		}
	}
	return m, nil
}

func newModule(a *args.Args, net *model.Network) (*NNUnet, error) {
	opt, err := model.NewOptimizer(a.Optimizer, a.LearningRate, a.Momentum, a.WeightDecay)
	if err != nil {
		return nil, err
	}
	return &NNUnet{
		Args: a,
		net:  net,
		opt:  opt,
		val:  newEvaluator(net.Metadata),
		test: newEvaluator(net.Metadata),
	}, nil
}

// Network is the underlying network.
func (m *NNUnet) Network() *model.Network {
	return m.net
}

// Benchmarking reports whether the running test pass is timed.
func (m *NNUnet) Benchmarking() bool {
	return m.StartBenchmark
}

func (m *NNUnet) TrainingStep(ctx context.Context, shard data.Batch) (trainer.StepOutput, error) {
	if len(shard) == 0 {
		return trainer.StepOutput{}, fmt.Errorf("empty shard")
	}
	var loss float64
	var grad *mat.Dense
	for _, v := range shard {
		if err := ctx.Err(); err != nil {
			return trainer.StepOutput{}, err
		}
		l, g, err := m.net.Backward(v)
		if err != nil {
			return trainer.StepOutput{}, err
		}
		loss += l
		if grad == nil {
			grad = g
		} else {
			grad.Add(grad, g)
		}
	}
	n := float64(len(shard))
	grad.Scale(1/n, grad)
	return trainer.StepOutput{Loss: loss / n, Grad: grad}, nil
}

func (m *NNUnet) OptimizerStep(grad *mat.Dense) {
	m.opt.Step(m.net.W, grad)
}

// ValidationStep scores the batch without test time augmentation. Nothing is
// scored during the first SkipFirstNEval epochs.
func (m *NNUnet) ValidationStep(ctx context.Context, batch data.Batch) error {
	if m.currentEpoch < m.Args.SkipFirstNEval {
		return nil
	}
	for _, v := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		probs, err := m.net.Predict(v, false)
		if err != nil {
			return err
		}
		if err := m.val.EvaluatePrediction(m.net, v, probs); err != nil {
			return err
		}
	}
	return nil
}

func (m *NNUnet) ValidationEpochEnd(epoch int) (map[string]float64, error) {
	defer func() {
		m.val.Reset()
		m.currentEpoch = epoch + 1
	}()
	if epoch < m.Args.SkipFirstNEval {
		return map[string]float64{"dice": 0}, nil
	}
	metrics := m.val.Metrics()
	if metrics["dice"] > m.bestDice {
		m.bestDice = metrics["dice"]
	}
	metrics["max_dice"] = m.bestDice
	m.val.LogMetrics()
	return metrics, nil
}

// TestStep predicts the batch, with test time augmentation when enabled, and
// saves the class probabilities when SaveDir is set.
func (m *NNUnet) TestStep(ctx context.Context, batch data.Batch) error {
	for _, v := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		probs, err := m.net.Predict(v, m.Args.TTA)
		if err != nil {
			return err
		}
		if m.SaveDir != "" && m.Args.ExecMode == args.Predict {
			if err := io.SavePrediction(m.SaveDir, v, probs); err != nil {
				return err
			}
		}
		if err := m.test.EvaluatePrediction(m.net, v, probs); err != nil {
			return err
		}
	}
	return nil
}

func (m *NNUnet) TestEpochEnd() (map[string]float64, error) {
	defer m.test.Reset()
	if m.test.Count() == 0 {
		return map[string]float64{}, nil
	}
	m.test.LogMetrics()
	return m.test.Metrics(), nil
}

func (m *NNUnet) SetPrecision(precision int) {
	m.net.SetPrecision(precision)
}

func (m *NNUnet) Summary(maxDepth int) []model.LayerSummary {
	return m.net.Summary(maxDepth)
}

func (m *NNUnet) Checkpoint() *io.Checkpoint {
	return &io.Checkpoint{
		Hyperparameters: *m.Args,
		Network:         m.net.State(),
		Optimizer:       m.opt.State(),
	}
}
