package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"nnunet/pkg/args"
	"nnunet/pkg/io"
	"nnunet/pkg/model"
)

func writeDataset(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		v := &model.Volume{
			Name:     fmt.Sprintf("case_%03d", i),
			Channels: 2,
			Shape:    []int{4, 4},
			Image:    make([]float32, 32),
			Label:    make([]uint8, 16),
		}
		for j := range v.Label {
			v.Label[j] = uint8(j % 3)
			v.Image[j] = float32(j%3) + 0.1*float32(i)
			v.Image[16+j] = float32(j % 2)
		}
		require.NoError(t, io.SaveVolume(dir, v))
	}
	return dir
}

func run(t *testing.T, cmdline string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := RootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(strings.Fields(cmdline))
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestTrainAndPredict(t *testing.T) {
	data := writeDataset(t, 6)
	results := t.TempDir()
	common := fmt.Sprintf("--log-format json --data %s --results %s --ckpt-store-dir %s --task 04 --dim 2 --nfolds 3 --num-workers 2 --post-train-script=",
		data, results, results)

	run(t, common+" --exec-mode train --epochs 2 --save-ckpt --seed 1 --warmup 0 --log-file "+filepath.Join(results, "run.log"))

	ckpts, err := filepath.Glob(filepath.Join(results, "checkpoints", "*.ckpt"))
	require.NoError(t, err)
	require.Len(t, ckpts, 2)
	require.FileExists(t, filepath.Join(results, "logs.json"))
	require.FileExists(t, filepath.Join(results, "run.log"))

	last := filepath.Join(results, "checkpoints", "last.ckpt")
	run(t, common+" --exec-mode predict --save-preds --tta --ckpt-path "+last)

	preds, err := os.ReadDir(filepath.Join(results, "predictions_last_task=04_fold=0_tta"))
	require.NoError(t, err)
	require.Len(t, preds, 6)

	run(t, common+" --exec-mode evaluate --ckpt-path "+last)
	run(t, common+" --exec-mode benchmark --test-batches 3")
}

func TestConfigCommand(t *testing.T) {
	out := run(t, "config --epochs 7 --exec-mode predict --seed 3")
	var a args.Args
	require.NoError(t, yaml.Unmarshal([]byte(out), &a))
	require.Equal(t, 7, a.Epochs)
	require.Equal(t, args.Predict, a.ExecMode)
	require.NotNil(t, a.Seed)
	require.Equal(t, int64(3), *a.Seed)
}

func TestConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 12\nbatch-size: 8\n"), 0o644))
	t.Setenv("NNUNET_BATCH_SIZE", "3")

	out := run(t, "config --config "+path)
	var a args.Args
	require.NoError(t, yaml.Unmarshal([]byte(out), &a))
	require.Equal(t, 12, a.Epochs)
	require.Equal(t, 3, a.BatchSize)
	require.Nil(t, a.Seed)
}

func TestInvalidMode(t *testing.T) {
	cmd := RootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--exec-mode", "tune"})
	require.Error(t, cmd.Execute())
}
