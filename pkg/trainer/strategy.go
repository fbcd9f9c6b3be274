package trainer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/data"
)

// Strategy computes the loss and the weight gradient of a training batch.
type Strategy interface {
	ForwardBackward(ctx context.Context, m Module, batch data.Batch) (float64, *mat.Dense, error)
	WorldSize() int
}

// DDPStrategy splits every batch into one shard per local device. Each device
// worker computes the gradient of its shard and the gradients are averaged,
// so every replica applies the same update.
type DDPStrategy struct {
	Accelerator string
	Devices     int
	NumNodes    int
}

func NewDDPStrategy(accelerator string, devices, numNodes int) *DDPStrategy {
	if devices < 1 {
		devices = 1
	}
	if numNodes < 1 {
		numNodes = 1
	}
	if numNodes > 1 {
		log.Warn().Int("nodes", numNodes).Msg("Only the devices of the local node take part in training")
	}
	return &DDPStrategy{Accelerator: accelerator, Devices: devices, NumNodes: numNodes}
}

// WorldSize is the number of processes of the whole job.
func (s *DDPStrategy) WorldSize() int {
	return s.Devices * s.NumNodes
}

func (s *DDPStrategy) ForwardBackward(ctx context.Context, m Module, batch data.Batch) (float64, *mat.Dense, error) {
	if len(batch) == 0 {
		return 0, nil, fmt.Errorf("empty training batch")
	}
	shards := shard(batch, s.Devices)
	outputs := make([]StepOutput, len(shards))

	g, ctx := errgroup.WithContext(ctx)
	for rank, part := range shards {
		rank, part := rank, part
		g.Go(func() error {
			out, err := m.TrainingStep(ctx, part)
			if err != nil {
				return fmt.Errorf("%s device %d: %w", s.Accelerator, rank, err)
			}
			outputs[rank] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	loss := 0.0
	grad := mat.DenseCopyOf(outputs[0].Grad)
	for i, out := range outputs {
		loss += out.Loss
		if i > 0 {
			grad.Add(grad, out.Grad)
		}
	}
	n := float64(len(outputs))
	grad.Scale(1/n, grad)
	return loss / n, grad, nil
}

// shard splits batch into at most n contiguous non empty parts.
func shard(batch data.Batch, n int) []data.Batch {
	if n > len(batch) {
		n = len(batch)
	}
	shards := make([]data.Batch, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := len(batch) / n
		if i < len(batch)%n {
			size++
		}
		shards = append(shards, batch[start:start+size])
		start += size
	}
	return shards
}
