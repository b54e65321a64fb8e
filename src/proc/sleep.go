package proc

import (
	"time"

	"defs"
	"waitq"
	"workq"
)

// The sleep_event idiom: register on the wait queue, then
// test the condition, then park. A wakeup that fires after the
// condition became true is never lost because the waiter is already
// registered when it tests.

// parkch builds a one-shot wake channel plus the work item that closes
// it. Work items may fire more than once (wakeall on a busy queue), so
// the close is guarded.
func parkch() (chan struct{}, *workq.Work_t) {
	ch := make(chan struct{})
	w := workq.NewWake(func() {
		select {
		case <-ch:
		default:
			close(ch)
		}
	})
	return ch, w
}

/// WaitqEvent sleeps uninterruptibly on q until cond() is true.
func (t *Task_t) WaitqEvent(q *waitq.Queue_t, cond func() bool) {
	for {
		ch, w := parkch()
		tok := q.Register(w)
		t.SetSleeping()
		if cond() {
			tok.Unregister()
			t.SetRunning()
			return
		}
		<-ch
		tok.Unregister()
		t.SetRunning()
	}
}

/// WaitqEventIntr is the interruptible variant: it returns ERESTARTSYS
/// if an unblocked signal is pending, whether it arrived before or
/// during the sleep.
func (t *Task_t) WaitqEventIntr(q *waitq.Queue_t, cond func() bool) defs.Err_t {
	for {
		ch, w := parkch()
		tok := q.Register(w)
		sch, sw := parkch()
		stok := t.sig.wakeq.Register(sw)
		t.SetIntrSleeping()
		if cond() {
			tok.Unregister()
			stok.Unregister()
			t.SetRunning()
			return 0
		}
		if t.SignalPending() {
			tok.Unregister()
			stok.Unregister()
			t.SetRunning()
			return -defs.ERESTARTSYS
		}
		select {
		case <-ch:
		case <-sch:
		}
		tok.Unregister()
		stok.Unregister()
		t.SetRunning()
		if t.SignalPending() {
			return -defs.ERESTARTSYS
		}
		if cond() {
			return 0
		}
	}
}

/// SleepMS sleeps for at least ms milliseconds, uninterruptibly, by
/// arming a timer whose expiry makes the task runnable again
/// (scheduler_task_waitms: the wake_up tick piggy-backs on the timer
/// subsystem).
func (t *Task_t) SleepMS(ms int) {
	ch, w := parkch()
	tm := workq.AfterFunc(time.Duration(ms)*time.Millisecond, func() { w.Schedule() })
	t.SetSleeping()
	<-ch
	workq.Del(tm)
	t.SetRunning()
}

/// SleepMSIntr sleeps up to ms milliseconds but wakes early on a
/// pending signal, returning ERESTARTSYS and the milliseconds that had
/// not yet elapsed.
func (t *Task_t) SleepMSIntr(ms int) (int, defs.Err_t) {
	start := time.Now()
	ch, w := parkch()
	tm := workq.AfterFunc(time.Duration(ms)*time.Millisecond, func() { w.Schedule() })
	sch, sw := parkch()
	stok := t.sig.wakeq.Register(sw)
	t.SetIntrSleeping()
	if t.SignalPending() {
		stok.Unregister()
		workq.Del(tm)
		t.SetRunning()
		return ms, -defs.ERESTARTSYS
	}
	select {
	case <-ch:
	case <-sch:
	}
	stok.Unregister()
	workq.Del(tm)
	t.SetRunning()
	if t.SignalPending() {
		left := ms - int(time.Since(start)/time.Millisecond)
		if left < 0 {
			left = 0
		}
		return left, -defs.ERESTARTSYS
	}
	return 0, 0
}

/// Pause sleeps until any signal is delivered.
func (t *Task_t) Pause() defs.Err_t {
	err := t.WaitqEventIntr(&t.sig.wakeq, func() bool { return false })
	if err == 0 {
		// cannot happen: the condition is never true
		return -defs.EINTR
	}
	return err
}
