// Package workerpool runs independent jobs with bounded concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andrej220/remotectl/internal/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(ctx context.Context, payload T) error

// Job is one unit of work. Done, when set, receives the outcome; it is called
// exactly once per accepted job, also when Ctx ends before the job started.
type Job[T any] struct {
	Payload T
	Fn      JobFunc[T]
	Ctx     context.Context
	Done    func(payload T, err error)
}

type Pool[T any] struct {
	slots         chan struct{}
	activeWorkers int32
	wg            sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	return &Pool[T]{slots: make(chan struct{}, maxWorkers)}
}

// Submit accepts job without blocking; it starts once a worker slot is free.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		lg.FromContext(job.Ctx).Info("worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.worker(job)
	return nil
}

// Stop rejects new jobs and waits for the accepted ones to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))

	var err error
	defer func() {
		if job.Done != nil {
			job.Done(job.Payload, err)
		}
	}()

	select {
	case p.slots <- struct{}{}:
	case <-job.Ctx.Done():
		err = job.Ctx.Err()
		logger.Info("job canceled before start", lg.Err(err))
		return
	}
	defer func() { <-p.slots }()

	active := atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	logger.Debug("worker started", lg.Int("workers", int(active)))

	err = run(job)
	if err != nil {
		logger.Info("worker finished with error", lg.Err(err))
		return
	}
	logger.Debug("worker finished")
}

func run[T any](job Job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Fn(job.Ctx, job.Payload)
}
