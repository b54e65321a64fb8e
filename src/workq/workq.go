// Package workq implements kernel worker threads that consume deferred
// work items, plus the timer wheel that backs delayed work.
package workq

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

/// Kind_t tags how a Work_t is dispatched by Schedule.
type Kind_t int

const (
	/// KindDirect runs the callback inline, on the caller's goroutine.
	KindDirect Kind_t = iota
	/// KindWake invokes a wake closure -- conceptually "wake a task".
	KindWake
	/// KindDefaultQ enqueues on the package default workqueue.
	KindDefaultQ
	/// KindNamedQ enqueues on a specific *Workqueue_t.
	KindNamedQ
)

/// scheduled is set on a Work_t from the time it is enqueued until a
/// worker dequeues it, and again by a Schedule that arrives while its
/// callback runs, so that such a re-Schedule is not lost: it causes exactly one
/// re-enqueue instead of stacking up duplicate nodes.
type Work_t struct {
	mu        sync.Mutex
	kind      Kind_t
	fn        func()
	wake      func()
	q         *Workqueue_t
	scheduled bool
	running   bool
	elem      *list.Element
}

/// NewCallback returns a Work_t that runs fn inline when scheduled.
func NewCallback(fn func()) *Work_t {
	return &Work_t{kind: KindDirect, fn: fn}
}

/// NewWake returns a Work_t whose dispatch calls wake -- the scheduler
/// binds this to "mark task runnable" without workq needing to know the
/// task type.
func NewWake(wake func()) *Work_t {
	return &Work_t{kind: KindWake, wake: wake}
}

/// NewQueued returns a Work_t that runs fn on the default kernel
/// workqueue.
func NewQueued(fn func()) *Work_t {
	return &Work_t{kind: KindDefaultQ, fn: fn}
}

/// NewQueuedOn returns a Work_t that runs fn on wq.
func NewQueuedOn(wq *Workqueue_t, fn func()) *Work_t {
	return &Work_t{kind: KindNamedQ, fn: fn, q: wq}
}

/// Schedule dispatches w according to its kind. If w is currently running
/// its SCHEDULED flag is set instead of enqueuing a second node; the
/// worker re-enqueues it itself when the callback returns.
func (w *Work_t) Schedule() {
	switch w.kind {
	case KindDirect:
		w.fn()
	case KindWake:
		w.wake()
	case KindDefaultQ:
		Default.enqueue(w)
	case KindNamedQ:
		w.q.enqueue(w)
	}
}

/// Workqueue_t is a FIFO of work items consumed by N worker goroutines.
type Workqueue_t struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *list.List // ready to run
	running map[*Work_t]bool
	workers int
	stopped bool
	eg      errgroup.Group
}

/// Default is the default kernel workqueue that KindDefaultQ work runs
/// on, and the target of delay_work timeouts.
var Default = New(2)

/// New starts a workqueue with nworkers kernel threads.
func New(nworkers int) *Workqueue_t {
	wq := &Workqueue_t{
		items:   list.New(),
		running: make(map[*Work_t]bool),
		workers: nworkers,
	}
	wq.cond = sync.NewCond(&wq.mu)
	for i := 0; i < nworkers; i++ {
		wq.eg.Go(wq.worker)
	}
	return wq
}

func (wq *Workqueue_t) enqueue(w *Work_t) {
	w.mu.Lock()
	already := w.scheduled
	w.scheduled = true
	stillRunning := w.running
	w.mu.Unlock()

	if already || stillRunning {
		// either a node is already queued, or the worker running
		// this item will notice SCHEDULED and re-enqueue exactly
		// once on completion -- never add a second node.
		return
	}

	wq.mu.Lock()
	if wq.stopped {
		wq.mu.Unlock()
		return
	}
	w.elem = wq.items.PushBack(w)
	wq.cond.Signal()
	wq.mu.Unlock()
}

func (wq *Workqueue_t) worker() error {
	for {
		wq.mu.Lock()
		for wq.items.Len() == 0 && !wq.stopped {
			wq.cond.Wait()
		}
		if wq.stopped && wq.items.Len() == 0 {
			wq.mu.Unlock()
			return nil
		}
		e := wq.items.Front()
		w := e.Value.(*Work_t)
		wq.items.Remove(e)
		wq.mu.Unlock()

		w.mu.Lock()
		w.scheduled = false
		w.running = true
		fn := w.fn
		w.mu.Unlock()

		if fn != nil {
			fn()
		}

		w.mu.Lock()
		w.running = false
		resched := w.scheduled
		w.scheduled = false
		w.mu.Unlock()
		if resched {
			wq.enqueue(w)
		}
	}
}

/// Stop signals all workers to exit once the queue drains and waits for
/// them to finish.
func (wq *Workqueue_t) Stop() {
	wq.mu.Lock()
	wq.stopped = true
	wq.cond.Broadcast()
	wq.mu.Unlock()
	wq.eg.Wait()
}

/// DelayWork layers a timer on top of a Work_t: on timeout, the work is
/// scheduled on the default workqueue.
func DelayWork(fn func(), d time.Duration) *Timer_t {
	w := NewQueued(fn)
	t := &Timer_t{fire: func() { w.Schedule() }}
	Add(t, d)
	return t
}
