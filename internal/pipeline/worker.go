package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/models"
)

// ErrQueueFull is the busy signal returned when the ingress queue is at its
// high-water mark. Callers should back off, not retry immediately.
var ErrQueueFull = errors.New("pipeline queue is full")

// Outcome is the terminal result of a submitted job
type Outcome struct {
	Response *models.Response
	Err      error
}

type task struct {
	ctx     context.Context
	request *models.Request
	done    chan Outcome
}

// WorkerPool runs jobs through the pipeline manager with bounded
// concurrency. Jobs queue up to the high-water mark; beyond it submissions
// get a busy signal instead of unbounded buffering.
type WorkerPool struct {
	manager *Manager
	queue   chan *task
	workers int
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
	logger  arbor.ILogger
}

// NewWorkerPool creates a pool sized by the pipeline configuration
func NewWorkerPool(manager *Manager, logger arbor.ILogger) *WorkerPool {
	workers := manager.config.Pipeline.MaxConcurrent
	if workers <= 0 {
		workers = 3
	}
	highWater := manager.config.Pipeline.QueueHighWater
	if highWater <= 0 {
		highWater = 64
	}
	return &WorkerPool{
		manager: manager,
		queue:   make(chan *task, highWater),
		workers: workers,
		stop:    make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the workers
func (p *WorkerPool) Start() {
	p.logger.Info().Int("workers", p.workers).Int("queue_capacity", cap(p.queue)).Msg("Starting pipeline workers")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case t := <-p.queue:
			response, err := p.manager.Run(t.ctx, t.request)
			t.done <- Outcome{Response: response, Err: err}
		}
	}
}

// Submit queues a request. The returned channel receives exactly one outcome
// when the job reaches a terminal state.
func (p *WorkerPool) Submit(ctx context.Context, req *models.Request) (<-chan Outcome, error) {
	t := &task{ctx: ctx, request: req, done: make(chan Outcome, 1)}
	select {
	case p.queue <- t:
		return t.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stop drains nothing: queued jobs that have not started are abandoned, and
// running jobs finish. Stop blocks until workers exit.
func (p *WorkerPool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}
