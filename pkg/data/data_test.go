package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"nnunet/pkg/args"
	"nnunet/pkg/io"
	"nnunet/pkg/model"
)

func writeCases(t *testing.T, dir string, n int, labeled bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		v := &model.Volume{
			Name:     fmt.Sprintf("case_%03d", i),
			Channels: 2,
			Shape:    []int{2, 4, 4},
			Image:    make([]float32, 64),
		}
		if labeled {
			v.Label = make([]uint8, 32)
			v.Label[i%32] = uint8(1 + i%2)
		}
		require.NoError(t, io.SaveVolume(dir, v))
	}
}

func testArgs(dir string) *args.Args {
	a := args.Default()
	a.Data = dir
	a.NFolds = 3
	a.BatchSize = 2
	a.ValBatchSize = 1
	a.NumWorkers = 2
	return &a
}

func TestSetupTrain(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir, 7, true)
	a := testArgs(dir)
	a.GPUs = 2

	d := NewDataModule(a)
	require.NoError(t, d.Setup())
	require.Equal(t, 2, d.Metadata().InChannels)
	require.Equal(t, 3, d.Metadata().NClass)
	require.Equal(t, 3, d.Metadata().Dim)

	train, val := d.TrainDataloader(), d.ValDataloader()
	require.Equal(t, 7, train.Set.Size()+val.Set.Size())
	require.Equal(t, 3, val.Set.Size())
	require.Equal(t, 4, train.Set.BatchSize)
	require.Equal(t, 2, val.Set.BatchSize)
	require.Equal(t, 1, train.Len())
	require.Equal(t, 2, val.Len())
}

func TestSetupFoldsAreDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir, 6, true)

	names := func() []string {
		d := NewDataModule(testArgs(dir))
		require.NoError(t, d.Setup())
		return d.ValDataloader().Set.Names()
	}
	require.Equal(t, names(), names())
}

func TestSetupPredictUsesAllCases(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir, 3, false)
	a := testArgs(dir)
	a.ExecMode = args.Predict

	d := NewDataModule(a)
	require.NoError(t, d.Setup())
	require.Equal(t, 3, d.TestDataloader().Set.Size())
	require.Zero(t, d.TrainDataloader().Len())
}

func TestSetupErrors(t *testing.T) {
	require.Error(t, NewDataModule(testArgs(t.TempDir())).Setup())

	dir := t.TempDir()
	writeCases(t, dir, 2, true)
	require.Error(t, NewDataModule(testArgs(dir)).Setup())
}

func TestSetupSkipsUnreadableCases(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir, 4, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+io.ImageSuffix), []byte("not npy"), 0o644))

	d := NewDataModule(testArgs(dir))
	require.NoError(t, d.Setup())
	require.Equal(t, 4, d.TrainDataloader().Set.Size()+d.ValDataloader().Set.Size())
}

func TestLoaderIterate(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir, 5, true)
	cases, err := io.ListCases(dir)
	require.NoError(t, err)
	l := &Loader{Dir: dir, Set: io.NewDataSet(cases, 2), Workers: 3}
	require.Equal(t, 3, l.Len())

	var seen []string
	var indices []int
	require.NoError(t, l.Iterate(context.Background(), l.Len(), func(idx int, batch Batch) error {
		indices = append(indices, idx)
		for _, v := range batch {
			require.NotNil(t, v)
			seen = append(seen, v.Name)
		}
		return nil
	}))
	sort.Strings(seen)
	require.Equal(t, cases, seen)
	require.Equal(t, []int{0, 1, 2}, indices)

	count := 0
	require.NoError(t, l.Iterate(context.Background(), 2, func(int, Batch) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)

	stop := errors.New("stop")
	err = l.Iterate(context.Background(), l.Len(), func(int, Batch) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestLoaderCancelled(t *testing.T) {
	dir := t.TempDir()
	writeCases(t, dir, 4, true)
	cases, err := io.ListCases(dir)
	require.NoError(t, err)
	l := &Loader{Dir: dir, Set: io.NewDataSet(cases, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.Iterate(ctx, l.Len(), func(int, Batch) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
