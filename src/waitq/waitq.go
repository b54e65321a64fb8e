// Package waitq implements wait queues: ordered lists
// of registered work items, fired atomically on a wake event. Waking
// fires every registered item; each waiter re-checks its own condition,
// which is what makes the register-before-check idiom in sleep_event
// safe against lost wakeups.
package waitq

import (
	"container/list"
	"sync"

	"workq"
)

/// Queue_t is a wait queue. The zero value is ready to use.
type Queue_t struct {
	mu    sync.Mutex
	nodes *list.List // *workq.Work_t
}

func (q *Queue_t) init() {
	if q.nodes == nil {
		q.nodes = list.New()
	}
}

/// Token_t identifies a registration so it can be removed without firing
/// it, used to unregister a waiter whose condition became true some
/// other way (e.g. poll, or a condition satisfied by a racing waker).
type Token_t struct {
	q    *Queue_t
	elem *list.Element
}

/// Register adds w to the queue and returns a token that can later be
/// passed to Unregister. Callers must register before testing their
/// condition, per the sleep_event idiom.
func (q *Queue_t) Register(w *workq.Work_t) *Token_t {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.init()
	e := q.nodes.PushBack(w)
	return &Token_t{q: q, elem: e}
}

/// Unregister removes a previously registered waiter without firing it.
func (tok *Token_t) Unregister() {
	tok.q.mu.Lock()
	defer tok.q.mu.Unlock()
	if tok.elem != nil {
		tok.q.nodes.Remove(tok.elem)
		tok.elem = nil
	}
}

/// Wakeall fires every work item currently registered on the queue and
/// empties it. Each fired item re-checks its own condition; a wakeup
/// never narrows to "one waiter" the way a condition variable Signal
/// does, because any number of waiters may have been sleeping on
/// logically distinct instances of the same condition.
func (q *Queue_t) Wakeall() {
	q.mu.Lock()
	q.init()
	var items []*workq.Work_t
	for e := q.nodes.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(*workq.Work_t))
	}
	q.nodes.Init()
	q.mu.Unlock()

	for _, w := range items {
		w.Schedule()
	}
}

/// Empty reports whether the queue has no registered waiters.
func (q *Queue_t) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.init()
	return q.nodes.Len() == 0
}
