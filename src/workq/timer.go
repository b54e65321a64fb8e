package workq

import (
	"container/list"
	"sync"
	"time"
)

// Tick is the timer wheel's resolution. Real hardware ticks at a fixed
// rate; here a background goroutine
// advances the wheel at this rate instead.
const Tick = 10 * time.Millisecond

/// Timer_t is a single entry in the timer wheel, sorted by absolute
/// deadline tick.
type Timer_t struct {
	fire     func()
	deadline int64 // absolute tick
	elem     *list.Element
	pending  bool
}

type wheel_t struct {
	mu      sync.Mutex
	ticks   int64
	entries *list.List // *Timer_t, kept sorted by deadline
	once    sync.Once
}

var w = &wheel_t{entries: list.New()}

func (wh *wheel_t) start() {
	wh.once.Do(func() {
		go func() {
			t := time.NewTicker(Tick)
			for range t.C {
				wh.advance()
			}
		}()
	})
}

func (wh *wheel_t) advance() {
	wh.mu.Lock()
	wh.ticks++
	now := wh.ticks
	var fired []*Timer_t
	for e := wh.entries.Front(); e != nil; {
		next := e.Next()
		tm := e.Value.(*Timer_t)
		if tm.deadline <= now {
			wh.entries.Remove(e)
			tm.pending = false
			tm.elem = nil
			fired = append(fired, tm)
		}
		e = next
	}
	wh.mu.Unlock()
	// callbacks run "from interrupt context" per spec; here that just
	// means outside the wheel lock, so a callback adding a new timer
	// does not deadlock.
	for _, tm := range fired {
		tm.fire()
	}
}

/// Add inserts timer into the wheel, to fire after d elapses. Re-adding a
/// pending timer first removes its old entry.
func Add(timer *Timer_t, d time.Duration) {
	w.start()
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer.pending && timer.elem != nil {
		w.entries.Remove(timer.elem)
	}
	ticks := int64(d/Tick) + 1
	timer.deadline = w.ticks + ticks
	timer.pending = true
	inserted := false
	for e := w.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*Timer_t).deadline > timer.deadline {
			timer.elem = w.entries.InsertBefore(timer, e)
			inserted = true
			break
		}
	}
	if !inserted {
		timer.elem = w.entries.PushBack(timer)
	}
}

/// AfterFunc arms a one-shot timer that calls fn from the timer tick
/// after d elapses. Cancel with Del.
func AfterFunc(d time.Duration, fn func()) *Timer_t {
	t := &Timer_t{fire: fn}
	Add(t, d)
	return t
}

/// Del removes timer from the wheel. It is idempotent: deleting a timer
/// that already fired or was never added is a no-op.
func Del(timer *Timer_t) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer.pending && timer.elem != nil {
		w.entries.Remove(timer.elem)
	}
	timer.pending = false
	timer.elem = nil
}
