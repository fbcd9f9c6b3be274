package callbacks

import (
	"strings"

	"github.com/rs/zerolog/log"

	"nnunet/pkg/trainer"
)

// ModelSummary logs the layers of the module, down to MaxDepth, when fitting starts.
type ModelSummary struct {
	trainer.BaseCallback
	MaxDepth int
}

func NewModelSummary(maxDepth int) *ModelSummary {
	return &ModelSummary{MaxDepth: maxDepth}
}

func (s *ModelSummary) OnFitStart(t *trainer.Trainer) error {
	layers := t.Module().Summary(s.MaxDepth)
	total := 0
	for i, l := range layers {
		if l.Depth == 1 {
			total += l.Params
		}
		log.Info().
			Int("index", i).
			Str("name", strings.Repeat("  ", l.Depth-1)+l.Name).
			Str("type", l.Type).
			Int("params", l.Params).
			Msg("Layer")
	}
	log.Info().Int("trainable_params", total).Int("precision", t.Config().Precision).Msg("Model summary")
	return nil
}
