package io

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"nnunet/pkg/args"
	"nnunet/pkg/model"
)

// Checkpoint is the persisted state of a training run.
type Checkpoint struct {
	Epoch      int
	GlobalStep int

	// Metrics holds the monitored values at save time, e.g. "dice"
	Metrics map[string]float64

	// Hyperparameters is the configuration the checkpoint was trained with
	Hyperparameters args.Args

	Network   model.State
	Optimizer model.OptimizerState
}

func SaveCheckpoint(c *Checkpoint, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(c)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}
	return nil
}

func LoadCheckpoint(input io.Reader) (*Checkpoint, error) {
	decoder := gob.NewDecoder(input)
	c := Checkpoint{}
	err := decoder.Decode(&c)
	if err != nil {
		return nil, fmt.Errorf("error decoding checkpoint: %w", err)
	}
	return &c, nil
}

// WriteCheckpointFile saves c to path. The file is written next to its
// destination and renamed, so readers never see a partial checkpoint.
func WriteCheckpointFile(path string, c *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.ckpt")
	if err != nil {
		return fmt.Errorf("error creating checkpoint file: %w", err)
	}
	if err := SaveCheckpoint(c, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error closing checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error moving checkpoint to %s: %w", path, err)
	}
	return nil
}

func ReadCheckpointFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint %s: %w", path, err)
	}
	defer f.Close()
	c, err := LoadCheckpoint(f)
	if err != nil {
		return nil, fmt.Errorf("error loading checkpoint %s: %w", path, err)
	}
	return c, nil
}
