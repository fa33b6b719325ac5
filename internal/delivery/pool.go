package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrPoolClosed = errors.New("fetch pool is shut down")

// Task is a unit of work run by a FetchPool worker
type Task func()

// FetchPool runs tasks on at most maxWorkers goroutines. Workers are started
// on demand and exit once the queue is closed.
type FetchPool struct {
	// Atomic fields must be first for proper alignment on 32-bit systems
	taskCount   int64
	workerCount int64
	running     int64
	peakRunning int64
	panics      int64

	maxWorkers int
	taskQueue  chan Task
	workerSem  chan struct{}
	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
	logger     zerolog.Logger
	name       string
}

// PoolStats is a point-in-time view of a pool
type PoolStats struct {
	Name           string `json:"name"`
	Workers        int64  `json:"workers"`
	MaxWorkers     int    `json:"maxWorkers"`
	TasksProcessed int64  `json:"tasksProcessed"`
	PeakRunning    int64  `json:"peakRunning"`
	Panics         int64  `json:"panics"`
	QueueLength    int    `json:"queueLength"`
}

// NewFetchPool creates a pool. maxWorkers below one is treated as one.
func NewFetchPool(name string, maxWorkers, queueSize int, logger zerolog.Logger) *FetchPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &FetchPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		workerSem:  make(chan struct{}, maxWorkers),
		logger:     logger.With().Str("component", "fetch-pool").Str("pool", name).Logger(),
		name:       name,
	}
}

// Submit queues a task, blocking while the queue is full. It fails once the
// pool is shut down or ctx is done.
func (p *FetchPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.ensureWorkerAvailable()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskQueue <- task:
		return nil
	}
}

// ensureWorkerAvailable starts a worker if a slot is free
func (p *FetchPool) ensureWorkerAvailable() {
	select {
	case p.workerSem <- struct{}{}:
		p.startWorker()
	default:
		// every slot is busy
	}
}

func (p *FetchPool) startWorker() {
	p.wg.Add(1)
	atomic.AddInt64(&p.workerCount, 1)

	go func() {
		defer func() {
			atomic.AddInt64(&p.workerCount, -1)
			<-p.workerSem
			p.wg.Done()
		}()

		for task := range p.taskQueue {
			p.run(task)
		}
	}()
}

func (p *FetchPool) run(task Task) {
	running := atomic.AddInt64(&p.running, 1)
	for {
		peak := atomic.LoadInt64(&p.peakRunning)
		if running <= peak || atomic.CompareAndSwapInt64(&p.peakRunning, peak, running) {
			break
		}
	}
	defer func() {
		atomic.AddInt64(&p.running, -1)
		atomic.AddInt64(&p.taskCount, 1)
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panics, 1)
			p.logger.Error().Interface("panic", r).Msg("Task execution panic recovered")
		}
	}()
	task()
}

// Shutdown stops accepting tasks. With wait it drains the queue and blocks
// until every worker has exited.
func (p *FetchPool) Shutdown(wait bool) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.taskQueue)
	}
	p.mu.Unlock()

	if wait {
		if n := len(p.taskQueue); n > 0 {
			p.logger.Debug().Int("remaining_tasks", n).Msg("Waiting for tasks to complete")
		}
		p.wg.Wait()
	}
}

func (p *FetchPool) Stats() PoolStats {
	return PoolStats{
		Name:           p.name,
		Workers:        atomic.LoadInt64(&p.workerCount),
		MaxWorkers:     p.maxWorkers,
		TasksProcessed: atomic.LoadInt64(&p.taskCount),
		PeakRunning:    atomic.LoadInt64(&p.peakRunning),
		Panics:         atomic.LoadInt64(&p.panics),
		QueueLength:    len(p.taskQueue),
	}
}
