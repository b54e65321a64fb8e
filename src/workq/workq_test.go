package workq

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	wq := New(1)
	defer wq.Stop()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		w := NewQueuedOn(wq, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
		w.Schedule()
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestScheduledWhileRunning(t *testing.T) {
	wq := New(1)
	defer wq.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	done := make(chan struct{}, 8)

	var w *Work_t
	w = NewQueuedOn(wq, func() {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		done <- struct{}{}
	})
	w.Schedule()
	<-started
	// re-raise while running: exactly one re-enqueue even for several
	// schedules
	w.Schedule()
	w.Schedule()
	w.Schedule()
	close(release)
	<-done
	<-done
	select {
	case <-done:
		t.Fatalf("work ran more than twice")
	case <-time.After(50 * time.Millisecond):
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestDelayWork(t *testing.T) {
	ch := make(chan struct{})
	start := time.Now()
	DelayWork(func() { close(ch) }, 30*time.Millisecond)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed work never ran")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("delayed work ran too early")
	}
}

func TestTimerDelIdempotent(t *testing.T) {
	fired := make(chan struct{}, 1)
	tm := AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	Del(tm)
	Del(tm) // idempotent
	select {
	case <-fired:
		t.Fatalf("deleted timer fired")
	case <-time.After(100 * time.Millisecond):
	}

	tm2 := AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
	Del(tm2) // deleting a fired timer is a no-op
}

func TestWakeKind(t *testing.T) {
	ch := make(chan struct{}, 1)
	w := NewWake(func() { ch <- struct{}{} })
	w.Schedule()
	select {
	case <-ch:
	default:
		t.Fatalf("wake work did not run inline")
	}
}
