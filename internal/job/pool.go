package job

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// Pool bounds how many mirror runs execute at once, with a queue so bursts of
// job submissions do not block the API.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given concurrency and queue size.
func NewPool(parent context.Context, concurrency, queueSize int) (*Pool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &Pool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *Pool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.ctx.Done():
					return
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					task(p.ctx)
				}
			}
		}()
	}
}

// Submit schedules a run, rejecting if the context cancels or the queue is full.
func (p *Pool) Submit(ctx context.Context, fn task) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- fn:
		return nil
	default:
		return errors.New("job queue full")
	}
}

// Close stops accepting work and waits for running tasks to finish.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
