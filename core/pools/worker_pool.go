package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolFull is returned when every worker queue is at capacity
	ErrPoolFull = errors.New("worker pool: all queues full")
	// ErrPoolClosed is returned after Close
	ErrPoolClosed = errors.New("worker pool: closed")
)

// DefaultQueueSize is the per-worker queue capacity used when none is given
const DefaultQueueSize = 256

// Task represents a unit of work
type Task func()

// WorkerPool is a bounded work-stealing goroutine pool. Submission never
// blocks and never runs the task on the caller's goroutine: when every queue
// is full the task is rejected.
type WorkerPool struct {
	numWorkers int
	queueSize  int
	queues     []*workerQueue

	// notify wakes idle workers so they can steal from busy ones
	notify chan struct{}

	// mu orders TrySubmit's channel sends against Close
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	next atomic.Uint64

	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		tasksPanicked  atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

type workerQueue struct {
	tasks chan Task
	id    int
}

type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool creates a pool; non-positive arguments take defaults
// (runtime.NumCPU() workers, DefaultQueueSize slots each).
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queueSize:  queueSize,
		queues:     make([]*workerQueue, numWorkers),
		notify:     make(chan struct{}, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = &workerQueue{
			tasks: make(chan Task, queueSize),
			id:    i,
		}
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:    i,
			pool:  pool,
			queue: pool.queues[i],
		}
		go w.run()
	}

	return pool
}

// TrySubmit enqueues task on the next queue in round-robin order, moving on
// to the other queues when it is full.
func (p *WorkerPool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	start := int(p.next.Add(1) % uint64(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		q := p.queues[(start+i)%p.numWorkers]
		select {
		case q.tasks <- task:
			p.stats.tasksSubmitted.Add(1)
			select {
			case p.notify <- struct{}{}:
			default:
			}
			return nil
		default:
		}
	}

	p.stats.tasksRejected.Add(1)
	return ErrPoolFull
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case task, ok := <-w.queue.tasks:
			if !ok {
				return
			}
			w.pool.exec(task)
			continue
		default:
		}

		if w.trySteal() {
			continue
		}

		select {
		case task, ok := <-w.queue.tasks:
			if !ok {
				return
			}
			w.pool.exec(task)
		case <-w.pool.notify:
		}
	}
}

// trySteal attempts to take one task from another worker's queue
func (w *worker) trySteal() bool {
	numWorkers := w.pool.numWorkers
	start := (w.id + 1) % numWorkers

	for i := 0; i < numWorkers-1; i++ {
		victim := w.pool.queues[(start+i)%numWorkers]

		select {
		case task, ok := <-victim.tasks:
			if ok && task != nil {
				w.pool.stats.stealsSuccess.Add(1)
				w.pool.exec(task)
				return true
			}
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// exec runs task; a panicking task does not take the worker down with it
func (p *WorkerPool) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.tasksPanicked.Add(1)
		}
		p.stats.tasksCompleted.Add(1)
	}()
	if task != nil {
		task()
	}
}

// Close stops accepting tasks, runs everything already queued and waits for
// the workers to exit.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	pending := uint64(0)
	if submitted > completed {
		pending = submitted - completed
	}
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		QueueCapacity:  p.numWorkers * p.queueSize,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   pending,
		TasksRejected:  p.stats.tasksRejected.Load(),
		TasksPanicked:  p.stats.tasksPanicked.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	QueueCapacity  int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64 // queued or running
	TasksRejected  uint64
	TasksPanicked  uint64
	StealsSuccess  uint64
	StealsFailed   uint64
}
