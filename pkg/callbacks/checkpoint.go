package callbacks

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"nnunet/pkg/trainer"
	"nnunet/pkg/utils"
)

// ModelCheckpoint keeps the checkpoint with the best monitored metric, named
// epoch=<epoch>-<monitor>=<value>.ckpt, and optionally the last one.
type ModelCheckpoint struct {
	trainer.BaseCallback

	DirPath  string
	Monitor  string
	Mode     string // "max" or "min"
	SaveLast bool

	best     float64
	bestPath string
}

func NewModelCheckpoint(dirPath, monitor, mode string, saveLast bool) *ModelCheckpoint {
	return &ModelCheckpoint{DirPath: dirPath, Monitor: monitor, Mode: mode, SaveLast: saveLast}
}

// BestModelPath is the path of the best checkpoint saved so far.
func (c *ModelCheckpoint) BestModelPath() string {
	return c.bestPath
}

func (c *ModelCheckpoint) Setup(t *trainer.Trainer, _ string) error {
	if c.DirPath == "" {
		c.DirPath = filepath.Join(t.Config().DefaultRootDir, "checkpoints")
	}
	if c.Mode != "max" && c.Mode != "min" {
		return fmt.Errorf("invalid checkpoint mode %q: expected max or min", c.Mode)
	}
	return nil
}

func (c *ModelCheckpoint) improves(value float64) bool {
	if c.bestPath == "" {
		return true
	}
	if c.Mode == "min" {
		return value < c.best
	}
	return value > c.best
}

func (c *ModelCheckpoint) OnTrainEpochEnd(t *trainer.Trainer) error {
	value, ok := t.CallbackMetrics[c.Monitor]
	if !ok {
		log.Warn().Str("monitor", c.Monitor).Msg("Monitored metric not available, best checkpoint not updated")
	} else if c.improves(value) {
		path := filepath.Join(c.DirPath, fmt.Sprintf("epoch=%d-%s=%.2f.ckpt", t.CurrentEpoch, c.Monitor, value))
		if err := t.SaveCheckpoint(path); err != nil {
			return err
		}
		if c.bestPath != "" && c.bestPath != path {
			if err := t.RemoveCheckpoint(c.bestPath); err != nil {
				return err
			}
		}
		log.Info().Str("path", path).Float64(c.Monitor, value).Msg("New best checkpoint")
		c.best, c.bestPath = value, path
	}
	if c.SaveLast {
		return t.SaveCheckpoint(filepath.Join(c.DirPath, utils.LastCheckpointName))
	}
	return nil
}
