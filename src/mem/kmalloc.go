package mem

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"caller"
	"oommsg"
)

// bigalloc_t records a direct page-allocator-backed allocation too large
// for any cache rung, so Kfree/Ksize can find its order again. The pages
// charge the buddy allocator; the contiguous buffer stands in for the
// virtually-contiguous mapping a real kernel would build over the run.
type bigalloc_t struct {
	pg    *Page_t
	order int
	size  int
	buf   []byte
}

var bigs struct {
	mu    sync.Mutex
	items map[uintptr]*bigalloc_t
}

// bigsem bounds how many pages of big allocations may be outstanding at
// once, so a burst of large requests queues instead of draining the
// buddy allocator from under the page-sized users.
var bigsem = semaphore.NewWeighted(256)

// bigcallers records the distinct call sites that reach the big-
// allocation fallback; each new one is reported once.
var bigcallers caller.Distinct_caller_t

func init() {
	bigs.items = make(map[uintptr]*bigalloc_t)
	bigcallers.Enabled = true
}

func cacheFor(size int) int {
	for i, sz := range objsizes {
		if sz >= size {
			return i
		}
	}
	return -1
}

/// Kmalloc returns a zeroed byte slice of at least size bytes, picking the
/// smallest cache rung that fits or falling back to direct page
/// allocation for anything larger than the largest rung.
func Kmalloc(size int) []byte {
	cacheInit.Do(initCaches)
	if i := cacheFor(size); i >= 0 {
		obj := caches[i].Alloc()
		if obj == nil {
			return nil
		}
		for j := range obj {
			obj[j] = 0
		}
		return obj[:size]
	}
	if ok, msg := bigcallers.Distinct(); ok {
		fmt.Printf("kmalloc: new big-allocation call site:\n%s", msg)
	}
	order := 0
	for (1<<uint(order))*PGSIZE < size {
		order++
	}
	if err := bigsem.Acquire(context.Background(), 1<<uint(order)); err != nil {
		return nil
	}
	pg, ok := Physmem.Alloc(order, 0)
	if !ok {
		bigsem.Release(1 << uint(order))
		return nil
	}
	buf := make([]byte, size)
	b := &bigalloc_t{pg: pg, order: order, size: size, buf: buf}
	bigs.mu.Lock()
	bigs.items[sliceAddr(buf)] = b
	bigs.mu.Unlock()
	return buf
}

/// Kfree releases an allocation previously returned by Kmalloc.
func Kfree(obj []byte) {
	cacheInit.Do(initCaches)
	addr := sliceAddr(obj)
	bigs.mu.Lock()
	if b, ok := bigs.items[addr]; ok {
		delete(bigs.items, addr)
		bigs.mu.Unlock()
		Physmem.Free(b.pg, b.order)
		bigsem.Release(1 << uint(b.order))
		return
	}
	bigs.mu.Unlock()
	for _, c := range caches {
		if c.owns(addr) {
			c.Free(obj)
			return
		}
	}
}

/// Ksize reports the usable size of an allocation, rounding up to the
/// cache rung or big-allocation size it actually occupies.
func Ksize(obj []byte) int {
	addr := sliceAddr(obj)
	bigs.mu.Lock()
	if b, ok := bigs.items[addr]; ok {
		bigs.mu.Unlock()
		return b.size
	}
	bigs.mu.Unlock()
	if i := cacheFor(len(obj)); i >= 0 {
		return objsizes[i]
	}
	return len(obj)
}

// oomNotify tells the reclaim side that an allocation is blocked, then
// waits on Resume until one reclaim pass has run, so the caller
// re-checks the free lists only after the shrinkable caches have been
// shed. The message is dropped -- and the wait skipped -- when no
// reclaimer is listening (early boot, unit tests); the blocked Alloc
// still wakes on any ordinary Free.
func oomNotify(need int) {
	msg := oommsg.Oommsg_t{Need: need, Resume: make(chan bool, 1)}
	select {
	case oommsg.OomCh <- msg:
		<-msg.Resume
	default:
	}
}
