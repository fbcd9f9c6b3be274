package trainer

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"nnunet/pkg/io"
)

// CheckpointIO persists checkpoints.
type CheckpointIO interface {
	SaveCheckpoint(c *io.Checkpoint, path string) error
	RemoveCheckpoint(path string) error
	// Teardown returns once every pending operation is done.
	Teardown() error
}

// FileCheckpointIO writes checkpoints synchronously.
type FileCheckpointIO struct{}

func (FileCheckpointIO) SaveCheckpoint(c *io.Checkpoint, path string) error {
	return io.WriteCheckpointFile(path, c)
}

func (FileCheckpointIO) RemoveCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing checkpoint %s: %w", path, err)
	}
	return nil
}

func (FileCheckpointIO) Teardown() error { return nil }

type checkpointJob struct {
	path       string
	checkpoint *io.Checkpoint
}

// AsyncCheckpointIO queues operations to a single background worker so that
// training does not wait for the disk. Operations run in submission order.
// The first error is returned by the next call or by Teardown. Teardown must
// not run concurrently with other calls.
type AsyncCheckpointIO struct {
	inner CheckpointIO

	mu   sync.Mutex
	jobs chan checkpointJob
	done chan struct{}
	err  error
}

func NewAsyncCheckpointIO(inner CheckpointIO) *AsyncCheckpointIO {
	if inner == nil {
		inner = FileCheckpointIO{}
	}
	return &AsyncCheckpointIO{inner: inner}
}

func (a *AsyncCheckpointIO) SaveCheckpoint(c *io.Checkpoint, path string) error {
	return a.submit(checkpointJob{path: path, checkpoint: c})
}

func (a *AsyncCheckpointIO) RemoveCheckpoint(path string) error {
	return a.submit(checkpointJob{path: path})
}

func (a *AsyncCheckpointIO) submit(job checkpointJob) error {
	a.mu.Lock()
	if err := a.err; err != nil {
		a.mu.Unlock()
		return err
	}
	if a.jobs == nil {
		a.jobs = make(chan checkpointJob, 16)
		a.done = make(chan struct{})
		go a.run(a.jobs, a.done)
	}
	jobs := a.jobs
	a.mu.Unlock()

	jobs <- job
	return nil
}

func (a *AsyncCheckpointIO) run(jobs <-chan checkpointJob, done chan<- struct{}) {
	defer close(done)
	for job := range jobs {
		var err error
		if job.checkpoint != nil {
			err = a.inner.SaveCheckpoint(job.checkpoint, job.path)
		} else {
			err = a.inner.RemoveCheckpoint(job.path)
		}
		if err != nil {
			log.Error().Err(err).Str("path", job.path).Msg("Checkpoint operation failed")
			a.mu.Lock()
			if a.err == nil {
				a.err = err
			}
			a.mu.Unlock()
		}
	}
}

func (a *AsyncCheckpointIO) Teardown() error {
	a.mu.Lock()
	jobs, done := a.jobs, a.done
	a.jobs, a.done = nil, nil
	a.mu.Unlock()

	if jobs != nil {
		close(jobs)
		<-done
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.err
	a.err = nil
	if err != nil {
		return err
	}
	return a.inner.Teardown()
}
