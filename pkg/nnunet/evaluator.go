package nnunet

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/model"
)

// evaluator accumulates the dice counts and loss of the labeled cases seen
// during a validation or test pass.
type evaluator struct {
	labels    model.NameMap
	counter   *model.DiceCounter
	loss      float64
	caseCount int
}

func newEvaluator(meta model.Metadata) *evaluator {
	return &evaluator{labels: meta.Labels, counter: model.NewDiceCounter(meta.NClass)}
}

func (e *evaluator) EvaluatePrediction(net *model.Network, v *model.Volume, probs *mat.Dense) error {
	if !v.HasLabel() {
		return nil
	}
	loss, err := net.Loss(v, probs)
	if err != nil {
		return err
	}
	e.counter.Update(model.Argmax(probs), v.Label)
	e.loss += loss
	e.caseCount++
	return nil
}

func (e *evaluator) Count() int {
	return e.caseCount
}

func (e *evaluator) Loss() float64 {
	if e.caseCount == 0 {
		return 0
	}
	return e.loss / float64(e.caseCount)
}

func (e *evaluator) Dice() float64 {
	return e.counter.Mean()
}

// Metrics returns the mean dice, the dice of every foreground class and the loss.
func (e *evaluator) Metrics() map[string]float64 {
	metrics := map[string]float64{
		"dice":     e.Dice(),
		"val_loss": e.Loss(),
	}
	for i, score := range e.counter.PerClass() {
		metrics["dice_"+e.labels.Name(i+1)] = score
	}
	return metrics
}

func (e *evaluator) LogMetrics() {
	for c := 1; c < len(e.counter.Classes); c++ {
		result := e.counter.Classes[c]
		log.Debug().Str("Class", e.labels.Name(c)).
			Int("TP", result.TruePos).
			Int("FP", result.FalsePos).
			Int("FN", result.FalseNeg).
			Float64("Dice", 100*result.Dice()).
			Msg("")
	}
}

func (e *evaluator) Reset() {
	e.counter = model.NewDiceCounter(len(e.counter.Classes))
	e.loss = 0
	e.caseCount = 0
}
