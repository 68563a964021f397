package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task represents a unit of work.
type Task func()

// BackpressureFunc resolves a submission that found the queue full and the
// pool at maximum size. The default policy runs the task on the caller.
type BackpressureFunc func(Task)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("pools: worker pool is shut down")

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	CoreWorkers int
	MaxWorkers  int
	QueueSize   int
	// IdleTimeout reclaims workers above CoreWorkers after this long
	// without a task.
	IdleTimeout time.Duration
	// Backpressure, when nil, means caller-runs: the submitting thread
	// executes the task itself, slowing ingestion instead of growing
	// memory or dropping work.
	Backpressure BackpressureFunc
}

// WorkerPool executes tasks on a bounded set of goroutines fed by a bounded
// queue. When the queue is full it first grows toward MaxWorkers, then
// applies the backpressure policy.
type WorkerPool struct {
	cfg   WorkerPoolConfig
	tasks chan Task

	drain chan struct{}
	abort chan struct{}
	wg    sync.WaitGroup
	grow  sync.Mutex

	closed  atomic.Bool
	workers atomic.Int64
	active  atomic.Int64

	submitted     atomic.Uint64
	completed     atomic.Uint64
	backpressured atomic.Uint64
}

// WorkerPoolStats is a point-in-time snapshot of pool gauges.
type WorkerPoolStats struct {
	CoreWorkers   int    `json:"core_workers"`
	MaxWorkers    int    `json:"max_workers"`
	PoolSize      int64  `json:"pool_size"`
	ActiveWorkers int64  `json:"active_workers"`
	QueuedTasks   int    `json:"queued_tasks"`
	QueueCapacity int    `json:"queue_capacity"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Backpressured uint64 `json:"backpressured"`
}

// NewWorkerPool creates and starts a worker pool. Invalid configuration
// values are clamped, never fatal.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	if cfg.CoreWorkers <= 0 {
		cfg.CoreWorkers = runtime.NumCPU()
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	p := &WorkerPool{
		cfg:   cfg,
		tasks: make(chan Task, cfg.QueueSize),
		drain: make(chan struct{}),
		abort: make(chan struct{}),
	}

	for i := 0; i < cfg.CoreWorkers; i++ {
		p.startWorker(true)
	}
	return p
}

// Submit enqueues a task. A full queue grows the pool toward MaxWorkers;
// at maximum the backpressure policy resolves the submission. Submit never
// blocks the caller beyond what the policy itself does.
func (p *WorkerPool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	if p.tryGrow() {
		select {
		case p.tasks <- task:
			return nil
		default:
		}
	}

	p.backpressured.Add(1)
	if p.cfg.Backpressure != nil {
		p.cfg.Backpressure(task)
		return nil
	}
	p.run(task)
	return nil
}

// Shutdown stops new admissions, waits for queued and in-flight tasks up to
// grace, then abandons the stragglers. It reports whether the pool drained
// in time. Safe to call once; later Submit calls fail deterministically.
func (p *WorkerPool) Shutdown(grace time.Duration) bool {
	if !p.closed.CompareAndSwap(false, true) {
		return true
	}
	close(p.drain)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		close(p.abort)
		return false
	}
}

// Stats returns current pool gauges for the external profiler.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		CoreWorkers:   p.cfg.CoreWorkers,
		MaxWorkers:    p.cfg.MaxWorkers,
		PoolSize:      p.workers.Load(),
		ActiveWorkers: p.active.Load(),
		QueuedTasks:   len(p.tasks),
		QueueCapacity: cap(p.tasks),
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Backpressured: p.backpressured.Load(),
	}
}

func (p *WorkerPool) tryGrow() bool {
	p.grow.Lock()
	defer p.grow.Unlock()
	if p.workers.Load() >= int64(p.cfg.MaxWorkers) {
		return false
	}
	p.startWorker(false)
	return true
}

func (p *WorkerPool) startWorker(core bool) {
	p.workers.Add(1)
	p.wg.Add(1)
	go p.worker(core)
}

func (p *WorkerPool) worker(core bool) {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.abort:
			return
		default:
		}

		select {
		case task := <-p.tasks:
			p.run(task)
			if !core {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(p.cfg.IdleTimeout)
			}
		case <-p.drain:
			p.drainQueue()
			return
		case <-p.abort:
			return
		case <-idle.C:
			if !core {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

// drainQueue finishes what is already queued during shutdown.
func (p *WorkerPool) drainQueue() {
	for {
		select {
		case <-p.abort:
			return
		default:
		}
		select {
		case task := <-p.tasks:
			p.run(task)
		default:
			return
		}
	}
}

func (p *WorkerPool) run(task Task) {
	p.active.Add(1)
	task()
	p.active.Add(-1)
	p.completed.Add(1)
}
