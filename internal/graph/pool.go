package graph

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrPoolFull is returned by Submit when the pool's request queue is already
// at capacity. Callers map this onto a client-visible "too many concurrent
// runs" response rather than blocking the request goroutine indefinitely.
var ErrPoolFull = errors.New("graph: run pool queue is full")

// ErrPoolClosed is returned by Submit once Close has been called.
var ErrPoolClosed = errors.New("graph: run pool is closed")

// request pairs one run's state with the executor that will drive it and a
// channel the submitter waits on for completion.
type request struct {
	state *RunState
	done  chan struct{}
}

// Pool bounds how many runs execute concurrently. Each run still executes to
// completion on its own goroutine inside Executor.Run — the pool exists to
// cap fan-out under load, not to interleave a single run's turns.
//
// No queue/worker-pool library appears anywhere in the pack; a buffered
// channel drained by a fixed goroutine count is the idiomatic Go primitive
// for this, so it is built directly on stdlib concurrency rather than on a
// borrowed dependency.
type Pool struct {
	executor *Executor
	queue    chan *request
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool of size workers draining a queue of the given
// capacity. Submissions beyond that capacity fail fast with ErrPoolFull
// instead of growing the queue unboundedly.
func NewPool(executor *Executor, workers, queueCapacity int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}

	p := &Pool{
		executor: executor,
		queue:    make(chan *request, queueCapacity),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for req := range p.queue {
		p.executor.Run(context.Background(), req.state)
		close(req.done)
	}
}

// Submit enqueues state for execution and blocks until the run reaches a
// terminal status or ctx is cancelled first. On ctx cancellation before the
// run starts, Submit returns ctx.Err() but the run remains queued and will
// still execute — callers that need to abandon a queued run must cancel it
// cooperatively via Cancel(state) after Submit returns, not by discarding
// the goroutine.
func (p *Pool) Submit(ctx context.Context, state *RunState) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	req := &request{state: state, done: make(chan struct{})}

	select {
	case p.queue <- req:
	default:
		return ErrPoolFull
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many runs are currently queued, waiting for a free worker.
func (p *Pool) Len() int {
	return len(p.queue)
}

// Close stops accepting new submissions and waits for in-flight and already
// queued runs to finish. It never cancels a run that is already executing.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("graph_pool_closed")
}
