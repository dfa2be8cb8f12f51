package channel

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// defaultQueueDepth bounds the executor task queue. Posting blocks once the
// queue is full, which only happens if continuations are produced faster
// than any worker can retire them.
const defaultQueueDepth = 1024

// Executor is the cooperative scheduler driving all loop continuations and
// posted completions. It owns no goroutines outside Run: with a pool size
// of zero every task executes on the caller of Run.
type Executor struct {
	tasks    chan func()
	quit     chan struct{}
	quitOnce sync.Once
}

// NewExecutor creates an executor with the given task queue depth.
// Depth <= 0 selects the default.
func NewExecutor(depth int) *Executor {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Executor{
		tasks: make(chan func(), depth),
		quit:  make(chan struct{}),
	}
}

// Post schedules fn on the executor. Posts after Stop are dropped: every
// continuation re-checks channel liveness on entry, so a dropped task is
// indistinguishable from one that ran and returned early.
func (e *Executor) Post(fn func()) {
	select {
	case <-e.quit:
	default:
		select {
		case e.tasks <- fn:
		case <-e.quit:
		}
	}
}

// Run executes tasks until Stop is called. With workers <= 0 it runs every
// task on the calling goroutine; otherwise it spawns a pool of the given
// size and blocks until all workers have drained.
func (e *Executor) Run(workers int) {
	if workers <= 0 {
		e.work()
		return
	}

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			e.work()
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) work() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.quit:
			return
		}
	}
}

// Stop terminates Run. Pending tasks are discarded. Idempotent.
func (e *Executor) Stop() {
	e.quitOnce.Do(func() { close(e.quit) })
}
