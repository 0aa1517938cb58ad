package poll

import (
	"runtime"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var logger = otelslog.NewLogger("github.com/freekieb7/shale/poll")

// WorkUnit is a dispatched piece of connection work, typically a read or
// write cycle handed off by the selector.
type WorkUnit func()

// Executor runs work units on a fixed set of workers. Submissions go through
// a lock-free ring; a counting semaphore wakes exactly one worker per item.
type Executor struct {
	ring *RingBuffer[WorkUnit]
	sem  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewExecutor(workers, queueSize int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &Executor{
		ring: NewRingBuffer[WorkUnit](queueSize),
		sem:  make(chan struct{}, queueSize),
		done: make(chan struct{}),
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Submit queues w for execution. When the queue is full the caller runs the
// unit itself, trading latency for backpressure.
func (e *Executor) Submit(w WorkUnit) {
	if w == nil {
		return
	}
	if err := e.ring.Enqueue(w); err != nil {
		logger.Warn("executor queue full, running work unit inline")
		run(w)
		return
	}
	e.sem <- struct{}{}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.sem:
			w, err := e.ring.Dequeue()
			if err != nil {
				continue
			}
			run(w)
		case <-e.done:
			return
		}
	}
}

func run(w WorkUnit) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("work unit panicked", "panic", r)
		}
	}()
	w()
}

func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}
