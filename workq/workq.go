// Package workq runs short-lived actions on a fixed pool of worker
// goroutines fed by an unbounded FIFO.
package workq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/fzft/go-conmgr/log"
	"go.uber.org/zap"
)

// ErrShutdown is returned by Submit once the queue is quiesced or closed.
var ErrShutdown = errors.New("workq: shutdown")

type phase int

const (
	phaseRunning phase = iota
	phaseDraining
	phaseStopped
)

type work struct {
	fn  func()
	tag string
}

// Queue is a fixed set of workers executing submitted actions.
//
// mu guards pending and phase. Workers wait on workCond; Quiesce waits on
// idleCond. Submit never waits on either.
type Queue struct {
	mu       sync.Mutex
	workCond *sync.Cond
	idleCond *sync.Cond
	pending  *queue.Queue
	phase    phase
	workers  int
	active   atomic.Int32
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New starts a Queue with the given number of workers. A non-positive count
// is a programming error and panics.
func New(workers int, opts ...Option) *Queue {
	if workers <= 0 {
		panic(fmt.Sprintf("workq: invalid worker count %d", workers))
	}

	q := &Queue{
		pending: queue.New(),
		workers: workers,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.workCond = sync.NewCond(&q.mu)
	q.idleCond = sync.NewCond(&q.mu)

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker(i)
	}

	q.logger.Debug("work queue started", zap.Int("workers", workers))
	return q
}

// Submit appends fn to the queue. The action must eventually return: a
// worker stuck in fn also blocks Quiesce and Close.
func (q *Queue) Submit(fn func(), tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase != phaseRunning {
		q.logger.Debug("rejecting work", zap.String("tag", tag))
		return fmt.Errorf("%w: rejecting %s", ErrShutdown, tag)
	}

	q.pending.Add(&work{fn: fn, tag: tag})
	q.workCond.Signal()
	return nil
}

// Active returns how many workers are executing an action. The value may be
// stale by the time it is used.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// Pending returns the number of queued actions not yet picked up.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

// Workers returns the size of the pool.
func (q *Queue) Workers() int {
	return q.workers
}

// Quiesce stops accepting work and blocks until every queued action has
// finished. Workers stay alive. It may be called more than once.
func (q *Queue) Quiesce() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.phase == phaseRunning {
		q.phase = phaseDraining
		q.logger.Debug("work queue quiescing", zap.Int("pending", q.pending.Length()))
	}
	q.waitIdle()
}

// Close drains any remaining work, stops and joins every worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.phase == phaseStopped {
		q.mu.Unlock()
		return
	}
	q.phase = phaseDraining
	q.waitIdle()
	q.phase = phaseStopped
	q.workCond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Debug("work queue stopped", zap.Int("workers", q.workers))
}

// waitIdle requires mu.
func (q *Queue) waitIdle() {
	for q.pending.Length() > 0 || q.active.Load() > 0 {
		q.idleCond.Wait()
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		w, ok := q.next()
		if !ok {
			return
		}
		q.run(id, w)
		q.finish()
	}
}

// next blocks until there is work or the queue is stopped and empty.
func (q *Queue) next() (*work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Length() == 0 && q.phase != phaseStopped {
		q.workCond.Wait()
	}
	if q.pending.Length() == 0 {
		return nil, false
	}

	q.active.Add(1)
	return q.pending.Remove().(*work), true
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active.Add(-1) == 0 && q.pending.Length() == 0 {
		q.idleCond.Broadcast()
	}
}

func (q *Queue) run(id int, w *work) {
	if ce := q.logger.Check(zap.DebugLevel, "running work"); ce != nil {
		ce.Write(zap.Int("worker", id), zap.String("tag", w.tag))
	}
	w.fn()
}
