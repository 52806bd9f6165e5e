package worker

import (
	"context"
	"sync"
	"time"
)

// Task represents a unit of work for the worker pool.
// A returned error causes the task to be retried.
type Task interface {
	Process(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Process calls f(ctx).
func (f TaskFunc) Process(ctx context.Context) error {
	return f(ctx)
}

const (
	defaultQueueCap   = 10
	defaultMaxRetries = 3
	maxDeadLetters    = 100
)

// WorkerPool manages a pool of worker goroutines
// and a queue of tasks to process
type WorkerPool struct {
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	workers      int
	stateMu      sync.RWMutex
	started      bool
	stopped      bool
	tasks        chan Task // buffered channel for tasks
	queueCap     int       // capacity of the task queue
	deadLetter   []Task
	deadLetterMu sync.Mutex
	maxRetries   int
	retryDelay   time.Duration
	onDeadLetter func(Task)
}

// PoolStats holds monitoring information about the worker pool
type PoolStats struct {
	ActiveWorkers int
	QueueLength   int
	DeadLetters   int
}

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithQueueCapacity sets the task queue size.
func WithQueueCapacity(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.queueCap = n
		}
	}
}

// WithMaxRetries sets how many attempts a task gets before it is dead-lettered.
func WithMaxRetries(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *WorkerPool) {
		p.retryDelay = d
	}
}

// WithDeadLetterHandler is called for every task that exhausts its retries.
func WithDeadLetterHandler(fn func(Task)) Option {
	return func(p *WorkerPool) {
		p.onDeadLetter = fn
	}
}

// NewWorkerPool creates a new WorkerPool with the given number of workers
func NewWorkerPool(workers int, opts ...Option) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		ctx:        ctx,
		cancel:     cancel,
		workers:    workers,
		queueCap:   defaultQueueCap,
		maxRetries: defaultMaxRetries,
		retryDelay: 100 * time.Millisecond,
		deadLetter: make([]Task, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan Task, p.queueCap)
	return p
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop stops accepting tasks, lets workers drain the queue and waits for
// them to finish. Retries are abandoned once ctx is done.
func (p *WorkerPool) Stop(ctx context.Context) {
	p.stateMu.Lock()
	if p.stopped {
		p.stateMu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
}

// Submit adds a task to the queue, returns false if the queue is full
// or the pool is stopped
func (p *WorkerPool) Submit(task Task) bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false // backpressure: queue is full
	}
}

// workerLoop is the main loop for each worker goroutine
func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.processWithRetry(task)
	}
}

// processWithRetry processes a task, retrying up to maxRetries, then moves to dead letter
func (p *WorkerPool) processWithRetry(task Task) {
	for attempt := 1; ; attempt++ {
		if err := task.Process(p.ctx); err == nil {
			return
		}
		if attempt >= p.maxRetries || !p.waitRetry() {
			break
		}
	}

	p.deadLetterMu.Lock()
	if len(p.deadLetter) >= maxDeadLetters {
		p.deadLetter = p.deadLetter[1:]
	}
	p.deadLetter = append(p.deadLetter, task)
	p.deadLetterMu.Unlock()

	if p.onDeadLetter != nil {
		p.onDeadLetter(task)
	}
}

// waitRetry sleeps for retryDelay and reports false if the pool was cancelled.
func (p *WorkerPool) waitRetry() bool {
	timer := time.NewTimer(p.retryDelay)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// DeadLetterCount returns the number of tasks in the dead letter queue
func (p *WorkerPool) DeadLetterCount() int {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	return len(p.deadLetter)
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns current statistics about the worker pool
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ActiveWorkers: p.workers,
		QueueLength:   len(p.tasks),
		DeadLetters:   p.DeadLetterCount(),
	}
}
