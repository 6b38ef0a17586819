// Package worker runs the fixed-size pool that drains the job queue.
// Claims come from storage in per-group FIFO order; execution holds an
// in-process lock for the job's group so buffer mutations never
// interleave within a group, while different groups run in parallel.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dejabot/deja/internal/metrics"
	"github.com/dejabot/deja/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob() (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Handler processes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *storage.Job) error
}

// Pool polls the queue with a fixed number of workers.
type Pool struct {
	store   JobStore
	handler Handler
	workers int
	poll    time.Duration
	locks   groupLocks
}

// NewPool creates a Pool with the given worker count. If pollInterval
// is <= 0, it defaults to 500ms.
func NewPool(store JobStore, handler Handler, workers int, pollInterval time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Pool{
		store:   store,
		handler: handler,
		workers: workers,
		poll:    pollInterval,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all of
// them have drained their current job.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.runWorker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.RunOnce(ctx)
		if err != nil {
			slog.Error("worker iteration failed", "worker", id, "error", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// claimed, regardless of its success or failure.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	lock := p.locks.get(job.GroupID)
	lock.Lock()
	defer lock.Unlock()

	if err := p.handler.Handle(ctx, job); err != nil {
		slog.Warn("job failed", "job_id", job.ID, "type", job.Type, "group", job.GroupID,
			"attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "error", err)
		metrics.JobsFailed.WithLabelValues(job.Type).Inc()
		if job.Attempts+1 >= job.MaxAttempts {
			metrics.JobsDead.Inc()
			slog.Error("job dead-lettered", "job_id", job.ID, "type", job.Type, "group", job.GroupID, "error", err)
		}
		if failErr := p.store.FailJob(job.ID, err.Error()); failErr != nil {
			slog.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := p.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
	return true, nil
}

// groupLocks hands out one mutex per group id. Entries are never
// reclaimed; the group population is small and stable.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (g *groupLocks) get(groupID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks == nil {
		g.locks = make(map[string]*sync.Mutex)
	}
	l, ok := g.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[groupID] = l
	}
	return l
}
