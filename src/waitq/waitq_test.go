package waitq

import (
	"sync/atomic"
	"testing"

	"workq"
)

func TestWakeallFiresAll(t *testing.T) {
	var q Queue_t
	var fired int32
	for i := 0; i < 5; i++ {
		q.Register(workq.NewWake(func() { atomic.AddInt32(&fired, 1) }))
	}
	q.Wakeall()
	if fired != 5 {
		t.Fatalf("fired = %d, want 5", fired)
	}
	if !q.Empty() {
		t.Fatalf("queue not drained after wakeall")
	}
}

func TestUnregisterSuppresses(t *testing.T) {
	var q Queue_t
	var fired int32
	tok := q.Register(workq.NewWake(func() { atomic.AddInt32(&fired, 1) }))
	tok.Unregister()
	q.Wakeall()
	if fired != 0 {
		t.Fatalf("unregistered waiter fired")
	}
}

// The register-then-check ordering means a wake issued after the
// condition becomes true cannot be lost: the waiter is on the queue
// before it tests.
func TestNoLostWakeup(t *testing.T) {
	var q Queue_t
	cond := int32(0)
	ch := make(chan struct{})
	tok := q.Register(workq.NewWake(func() {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}))
	// waker: condition first, wake second
	atomic.StoreInt32(&cond, 1)
	q.Wakeall()

	if atomic.LoadInt32(&cond) == 0 {
		<-ch // would hang if the wake had been lost
	}
	tok.Unregister()
}

func TestDoubleUnregister(t *testing.T) {
	var q Queue_t
	tok := q.Register(workq.NewWake(func() {}))
	tok.Unregister()
	tok.Unregister() // second unregister is a no-op
	if !q.Empty() {
		t.Fatalf("queue should be empty")
	}
}
