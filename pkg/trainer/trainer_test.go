package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/data"
	"nnunet/pkg/io"
	"nnunet/pkg/model"
)

type fakeModule struct {
	mu          sync.Mutex
	shards      []int
	steps       int
	valBatches  int
	testBatches int
	precision   int
	lastGrad    float64
}

func (f *fakeModule) TrainingStep(_ context.Context, shard data.Batch) (StepOutput, error) {
	f.mu.Lock()
	f.shards = append(f.shards, len(shard))
	f.mu.Unlock()
	n := float64(len(shard))
	return StepOutput{Loss: n, Grad: mat.NewDense(1, 1, []float64{n})}, nil
}

func (f *fakeModule) OptimizerStep(grad *mat.Dense) {
	f.steps++
	f.lastGrad = grad.At(0, 0)
}

func (f *fakeModule) ValidationStep(context.Context, data.Batch) error {
	f.valBatches++
	return nil
}

func (f *fakeModule) ValidationEpochEnd(epoch int) (map[string]float64, error) {
	return map[string]float64{"dice": float64(10 * (epoch + 1))}, nil
}

func (f *fakeModule) TestStep(context.Context, data.Batch) error {
	f.testBatches++
	return nil
}

func (f *fakeModule) TestEpochEnd() (map[string]float64, error) {
	return map[string]float64{"dice": 50}, nil
}

func (f *fakeModule) SetPrecision(p int)               { f.precision = p }
func (f *fakeModule) Summary(int) []model.LayerSummary { return nil }
func (f *fakeModule) Checkpoint() *io.Checkpoint       { return &io.Checkpoint{} }

type recorder struct {
	BaseCallback
	events []string
}

func (r *recorder) Setup(_ *Trainer, stage string) error {
	r.events = append(r.events, "setup:"+stage)
	return nil
}

func (r *recorder) Teardown(_ *Trainer, stage string) error {
	r.events = append(r.events, "teardown:"+stage)
	return nil
}

func (r *recorder) OnTrainStart(*Trainer) error {
	r.events = append(r.events, "train_start")
	return nil
}

func (r *recorder) OnTrainBatchEnd(t *Trainer, idx int, _ float64) error {
	r.events = append(r.events, fmt.Sprintf("batch:%d:%d", t.CurrentEpoch, idx))
	return nil
}

func (r *recorder) OnValidationEnd(t *Trainer) error {
	r.events = append(r.events, fmt.Sprintf("val:%.0f", t.CallbackMetrics["dice"]))
	return nil
}

func (r *recorder) OnTrainEnd(*Trainer) error {
	r.events = append(r.events, "train_end")
	return nil
}

func (r *recorder) OnTestBatchStart(_ *Trainer, idx int) error {
	r.events = append(r.events, fmt.Sprintf("test:%d", idx))
	return nil
}

type fakeData struct {
	train, val *data.Loader
}

func (f fakeData) TrainDataloader() *data.Loader { return f.train }
func (f fakeData) ValDataloader() *data.Loader   { return f.val }

func testLoader(t *testing.T, n, batchSize int) *data.Loader {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		v := &model.Volume{
			Name:     fmt.Sprintf("case_%d", i),
			Channels: 1,
			Shape:    []int{2, 2},
			Image:    make([]float32, 4),
			Label:    make([]uint8, 4),
		}
		require.NoError(t, io.SaveVolume(dir, v))
	}
	cases, err := io.ListCases(dir)
	require.NoError(t, err)
	return &data.Loader{Dir: dir, Set: io.NewDataSet(cases, batchSize), Workers: 2}
}

func TestBatchLimit(t *testing.T) {
	require.Equal(t, 10, AllBatches.Resolve(10))
	require.Equal(t, 10, LimitBatches(0).Resolve(10))
	require.Equal(t, 3, LimitBatches(3).Resolve(10))
	require.Equal(t, 2, LimitBatches(3).Resolve(2))
	require.Equal(t, 5, LimitFraction(0.5).Resolve(10))
	require.Equal(t, 1, LimitFraction(0.01).Resolve(10))
	require.Equal(t, 0, LimitFraction(0.5).Resolve(0))
}

func TestShard(t *testing.T) {
	batch := make(data.Batch, 5)
	sizes := func(shards []data.Batch) []int {
		result := make([]int, len(shards))
		for i, s := range shards {
			result[i] = len(s)
		}
		return result
	}
	require.Equal(t, []int{3, 2}, sizes(shard(batch, 2)))
	require.Equal(t, []int{1, 1, 1, 1, 1}, sizes(shard(batch, 8)))
	require.Equal(t, []int{5}, sizes(shard(batch, 1)))
}

func TestDDPAveragesGradients(t *testing.T) {
	m := &fakeModule{}
	s := NewDDPStrategy("cpu", 2, 1)
	loss, grad, err := s.ForwardBackward(context.Background(), m, make(data.Batch, 3))
	require.NoError(t, err)
	require.Equal(t, 1.5, loss)
	require.Equal(t, 1.5, grad.At(0, 0))
	sort.Ints(m.shards)
	require.Equal(t, []int{1, 2}, m.shards)
	require.Equal(t, 4, NewDDPStrategy("cpu", 2, 2).WorldSize())

	_, _, err = s.ForwardBackward(context.Background(), m, nil)
	require.Error(t, err)
}

func TestFit(t *testing.T) {
	m := &fakeModule{}
	r := &recorder{}
	tr := New(Config{
		MaxEpochs:         2,
		Precision:         16,
		Devices:           2,
		Callbacks:         []Callback{r},
		LimitTrainBatches: LimitBatches(2),
		LimitValBatches:   AllBatches,
	})
	dm := fakeData{train: testLoader(t, 8, 4), val: testLoader(t, 3, 2)}
	require.NoError(t, tr.Fit(context.Background(), m, dm))

	require.Equal(t, 16, m.precision)
	require.Equal(t, 4, m.steps)
	require.Equal(t, 4, tr.GlobalStep)
	require.Equal(t, 4, m.valBatches)
	require.Equal(t, 2.0, m.lastGrad)
	require.Equal(t, []string{
		"setup:fit", "train_start",
		"batch:0:0", "batch:0:1", "val:10",
		"batch:1:0", "batch:1:1", "val:20",
		"train_end", "teardown:fit",
	}, r.events)
	require.Equal(t, 20.0, tr.CallbackMetrics["dice"])
	require.Equal(t, 2.0, tr.CallbackMetrics["train_loss"])
}

func TestFitCancelled(t *testing.T) {
	tr := New(Config{MaxEpochs: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Fit(ctx, &fakeModule{}, fakeData{train: testLoader(t, 2, 1), val: testLoader(t, 1, 1)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidateAndTest(t *testing.T) {
	m := &fakeModule{}
	r := &recorder{}
	tr := New(Config{Callbacks: []Callback{r}, LimitValBatches: AllBatches, LimitTestBatches: LimitBatches(2)})

	require.NoError(t, tr.Validate(context.Background(), m, testLoader(t, 3, 1)))
	require.Equal(t, 3, m.valBatches)
	require.Equal(t, model.Single, m.precision)

	r.events = nil
	require.NoError(t, tr.Test(context.Background(), m, testLoader(t, 5, 1), false))
	require.Equal(t, 2, m.testBatches)
	require.Equal(t, []string{"setup:test", "test:0", "test:1", "teardown:test"}, r.events)
	require.Equal(t, 50.0, tr.CallbackMetrics["dice"])
}

type failingCallback struct {
	BaseCallback
}

var errHook = errors.New("hook failed")

func (failingCallback) OnTrainBatchStart(*Trainer, int) error { return errHook }

func TestCallbackErrorStopsFit(t *testing.T) {
	m := &fakeModule{}
	tr := New(Config{MaxEpochs: 1, Callbacks: []Callback{failingCallback{}}})
	err := tr.Fit(context.Background(), m, fakeData{train: testLoader(t, 2, 1), val: testLoader(t, 1, 1)})
	require.ErrorIs(t, err, errHook)
	require.Zero(t, m.steps)
}

func TestSaveCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints", "last.ckpt")

	tr := New(Config{})
	tr.module = &fakeModule{}
	require.NoError(t, tr.SaveCheckpoint(path))
	require.NoFileExists(t, path)

	tr = New(Config{EnableCheckpointing: true, CheckpointIO: NewAsyncCheckpointIO(nil)})
	tr.module = &fakeModule{}
	tr.CurrentEpoch = 3
	tr.GlobalStep = 12
	tr.CallbackMetrics["dice"] = 42
	require.NoError(t, tr.SaveCheckpoint(path))
	require.NoError(t, tr.config.CheckpointIO.Teardown())

	c, err := io.ReadCheckpointFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, c.Epoch)
	require.Equal(t, 12, c.GlobalStep)
	require.Equal(t, 42.0, c.Metrics["dice"])

	require.NoError(t, tr.RemoveCheckpoint(path))
	require.NoError(t, tr.config.CheckpointIO.Teardown())
	require.NoFileExists(t, path)
}

type brokenIO struct {
	FileCheckpointIO
}

func (brokenIO) SaveCheckpoint(*io.Checkpoint, string) error { return errors.New("disk full") }

func TestAsyncCheckpointIOReportsErrors(t *testing.T) {
	a := NewAsyncCheckpointIO(brokenIO{})
	require.NoError(t, a.SaveCheckpoint(&io.Checkpoint{}, "x.ckpt"))
	require.EqualError(t, a.Teardown(), "disk full")
	require.NoError(t, a.Teardown())

	dir := t.TempDir()
	a = NewAsyncCheckpointIO(nil)
	for i := 0; i < 20; i++ {
		require.NoError(t, a.SaveCheckpoint(&io.Checkpoint{Epoch: i}, filepath.Join(dir, "last.ckpt")))
	}
	require.NoError(t, a.Teardown())
	c, err := io.ReadCheckpointFile(filepath.Join(dir, "last.ckpt"))
	require.NoError(t, err)
	require.Equal(t, 19, c.Epoch)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
