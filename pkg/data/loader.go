package data

import (
	"context"

	"golang.org/x/sync/errgroup"

	"nnunet/pkg/io"
	"nnunet/pkg/model"
)

// Batch is a group of cases processed in one step.
type Batch []*model.Volume

// Loader reads the batches of a data set from disk. Cases of a batch are read
// by up to Workers goroutines while the previous batch is being consumed.
type Loader struct {
	Dir     string
	Set     *io.DataSet
	Shuffle bool
	Workers int
}

// Len is the number of batches of a full pass.
func (l *Loader) Len() int {
	if l == nil || l.Set == nil {
		return 0
	}
	return l.Set.NumBatches()
}

// Iterate calls fn on at most limit batches of one pass over the data set.
func (l *Loader) Iterate(ctx context.Context, limit int, fn func(idx int, batch Batch) error) error {
	if l.Len() == 0 || limit <= 0 {
		return nil
	}
	order := io.OriginalOrder
	if l.Shuffle && l.Set.Rand != nil {
		order = io.RandomOrder
	}
	l.Set.ResetOrder(order)

	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan Batch, 1)
	g.Go(func() error {
		defer close(batches)
		for i := 0; i < limit; i++ {
			names := l.Set.Next()
			if len(names) == 0 {
				return nil
			}
			batch, err := l.load(ctx, names)
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		idx := 0
		for batch := range batches {
			if err := fn(idx, batch); err != nil {
				return err
			}
			idx++
		}
		return nil
	})
	return g.Wait()
}

func (l *Loader) load(ctx context.Context, names []string) (Batch, error) {
	workers := l.Workers
	if workers < 1 {
		workers = 1
	}
	batch := make(Batch, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := io.LoadVolume(l.Dir, name)
			batch[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}
