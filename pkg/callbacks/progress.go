package callbacks

import (
	"fmt"
	gio "io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"nnunet/pkg/trainer"
)

// ProgressBar renders the progress of every loop on a terminal.
type ProgressBar struct {
	trainer.BaseCallback

	Writer  gio.Writer
	Enabled bool

	bar *progressbar.ProgressBar
}

// NewProgressBar writes to stderr, and only when stderr is a terminal.
func NewProgressBar() *ProgressBar {
	return &ProgressBar{
		Writer:  os.Stderr,
		Enabled: term.IsTerminal(int(os.Stderr.Fd())),
	}
}

func (p *ProgressBar) start(total int, description string) {
	p.finish()
	if !p.Enabled || total <= 0 {
		return
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.Writer),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.Writer) }),
	)
}

func (p *ProgressBar) step() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *ProgressBar) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}

func (p *ProgressBar) OnTrainEpochStart(t *trainer.Trainer) error {
	p.start(t.NumTrainBatches, fmt.Sprintf("Epoch %d", t.CurrentEpoch))
	return nil
}

func (p *ProgressBar) OnTrainBatchEnd(t *trainer.Trainer, _ int, loss float64) error {
	if p.bar != nil {
		p.bar.Describe(fmt.Sprintf("Epoch %d loss %.4f", t.CurrentEpoch, loss))
	}
	p.step()
	return nil
}

func (p *ProgressBar) OnValidationStart(t *trainer.Trainer) error {
	p.start(t.NumValBatches, "Validation")
	return nil
}

func (p *ProgressBar) OnValidationBatchEnd(*trainer.Trainer, int) error {
	p.step()
	return nil
}

func (p *ProgressBar) OnValidationEnd(*trainer.Trainer) error {
	p.finish()
	return nil
}

func (p *ProgressBar) OnTestStart(t *trainer.Trainer) error {
	p.start(t.NumTestBatches, "Testing")
	return nil
}

func (p *ProgressBar) OnTestBatchEnd(*trainer.Trainer, int) error {
	p.step()
	return nil
}

func (p *ProgressBar) OnTestEnd(*trainer.Trainer) error {
	p.finish()
	return nil
}

func (p *ProgressBar) Teardown(*trainer.Trainer, string) error {
	p.finish()
	return nil
}
