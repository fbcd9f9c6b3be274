package args

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, argv ...string) (*Args, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(argv))
	v, err := NewViper(fs)
	require.NoError(t, err)
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	a, err := load(t)
	require.NoError(t, err)
	require.Equal(t, Train, a.ExecMode)
	require.Equal(t, 1, a.GPUs)
	require.Equal(t, 5, a.NFolds)
	require.Equal(t, "adam", a.Optimizer)
	require.Nil(t, a.Seed)
}

func TestLoadFlags(t *testing.T) {
	a, err := load(t, "--exec-mode", "predict", "--gpus", "2", "--seed", "7", "--tta", "--fold", "3", "--learning-rate", "0.01")
	require.NoError(t, err)
	require.Equal(t, Predict, a.ExecMode)
	require.Equal(t, 2, a.GPUs)
	require.NotNil(t, a.Seed)
	require.Equal(t, int64(7), *a.Seed)
	require.True(t, a.TTA)
	require.Equal(t, 3, a.Fold)
	require.InDelta(t, 0.01, a.LearningRate, 1e-12)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exec-mode: evaluate\nbatch-size: 8\ntask: \"01\"\n"), 0o644))
	t.Setenv("NNUNET_BATCH_SIZE", "16")

	a, err := load(t, "--config", path, "--task", "11")
	require.NoError(t, err)
	require.Equal(t, Evaluate, a.ExecMode)
	require.Equal(t, 16, a.BatchSize)
	require.Equal(t, "11", a.Task)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Args)
	}{
		{"mode", func(a *Args) { a.ExecMode = "serve" }},
		{"gpus", func(a *Args) { a.GPUs = 0 }},
		{"nodes", func(a *Args) { a.Nodes = 0 }},
		{"dim", func(a *Args) { a.Dim = 4 }},
		{"fold", func(a *Args) { a.Fold = 5 }},
		{"optimizer", func(a *Args) { a.Optimizer = "lamb" }},
		{"epochs", func(a *Args) { a.Epochs = 0 }},
		{"limits", func(a *Args) { a.TestBatches = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Default()
			tt.mutate(&a)
			require.Error(t, a.Validate())
		})
	}
	a := Default()
	require.NoError(t, a.Validate())
}

func TestGlobalBatchSize(t *testing.T) {
	a := Default()
	a.BatchSize, a.ValBatchSize, a.GPUs, a.Nodes = 2, 5, 4, 3
	require.Equal(t, 24, a.GlobalBatchSize())
	for _, mode := range []string{Evaluate, Predict, Benchmark} {
		a.ExecMode = mode
		require.Equal(t, 60, a.GlobalBatchSize())
	}
}

func TestPrecision(t *testing.T) {
	a := Default()
	require.Equal(t, 32, a.Precision())
	a.AMP = true
	require.Equal(t, 16, a.Precision())
}
