// Package mem implements the physical page allocator (a buddy
// allocator) and the slab/kmalloc layer built on top of it.
//
// There is no real physical RAM here -- each Page_t owns a byte slice
// standing in for its frame, in place of a direct map over real
// frames. Frame ownership, refcounting, and the buddy invariants are
// unchanged by that substitution.
package mem

import (
	"container/list"
	"sync"

	"workq"
)

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// ORDER_MAX is the highest buddy order the allocator tracks: the
/// largest run it will hand out is 2^ORDER_MAX pages.
const ORDER_MAX = 6

/// Pa_t is a physical page number (not a byte address): Page_t.Num.
type Pa_t int

/// Page_t is one physical page. A page with Order == -1 is
/// allocated; otherwise Order is the free-list it currently sits on.
type Page_t struct {
	Num     Pa_t
	Refcnt  int32
	Order   int
	Invalid bool
	Start   int // cache metadata: (start,length) for multi-page allocations
	Length  int
	data    []byte
	elem    *list.Element
}

/// Bytes returns the simulated physical bytes backing the page.
func (p *Page_t) Bytes() []byte {
	return p.data
}

/// Flags_t controls allocation behavior.
type Flags_t uint

const (
	/// NOWAIT makes Alloc return (nil,false) instead of blocking when
	/// there is not enough free memory.
	NOWAIT Flags_t = 1 << iota
)

/// Allocator_t is the singleton buddy allocator over a dense page array.
type Allocator_t struct {
	mu     sync.Mutex
	pages  []Page_t
	free   [ORDER_MAX + 1]*list.List
	waiter *workq.Work_t
	waitch chan struct{}
	free_pages int
}

/// Physmem is the global physical-memory allocator instance.
var Physmem = &Allocator_t{}

/// Init populates the allocator with npages simulated physical pages, all
/// initially free at the maximum order that evenly divides them (boot
/// time population).
func Init(npages int) {
	a := Physmem
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages = make([]Page_t, npages)
	for i := range a.free {
		a.free[i] = list.New()
	}
	for i := range a.pages {
		a.pages[i].Num = Pa_t(i)
		a.pages[i].Order = -1
		a.pages[i].data = make([]byte, PGSIZE)
	}
	a.free_pages = 0
	// slab frames carved from the previous page array do not belong to
	// this one: start every kmalloc rung empty
	cacheInit.Do(func() {})
	initCaches()
	// group pages into the largest aligned buddy runs available and
	// seed the free lists, exactly as repeated pfree calls would.
	i := 0
	for i < npages {
		order := ORDER_MAX
		for order > 0 {
			run := 1 << uint(order)
			if i+run <= npages && i%run == 0 {
				break
			}
			order--
		}
		a._markFreeLocked(i, order)
		i += 1 << uint(order)
	}
}

func (a *Allocator_t) _markFreeLocked(idx, order int) {
	pg := &a.pages[idx]
	pg.Order = order
	pg.elem = a.free[order].PushBack(pg)
	a.free_pages += 1 << uint(order)
}

/// MarkFree puts one page on the order-0 free list during boot-time
/// population, without coalescing; it takes the allocator lock.
func MarkFree(pa Pa_t) {
	a := Physmem
	a.mu.Lock()
	defer a.mu.Unlock()
	a._markFreeLocked(int(pa), 0)
}

func (a *Allocator_t) takeFree(order int) *Page_t {
	if a.free[order].Len() > 0 {
		e := a.free[order].Front()
		pg := e.Value.(*Page_t)
		a.free[order].Remove(e)
		pg.elem = nil
		pg.Order = -1
		a.free_pages -= 1 << uint(order)
		return pg
	}
	// split the lowest available higher order.
	for hi := order + 1; hi <= ORDER_MAX; hi++ {
		if a.free[hi].Len() == 0 {
			continue
		}
		e := a.free[hi].Front()
		pg := e.Value.(*Page_t)
		a.free[hi].Remove(e)
		pg.elem = nil
		a.free_pages -= 1 << uint(hi)
		// split pg's run of 2^hi pages down to order, pushing the
		// upper halves onto progressively lower free lists.
		for cur := hi; cur > order; cur-- {
			half := 1 << uint(cur-1)
			buddyIdx := int(pg.Num) + half
			buddy := &a.pages[buddyIdx]
			buddy.Order = cur - 1
			buddy.elem = a.free[cur-1].PushBack(buddy)
			a.free_pages += half
		}
		pg.Order = -1
		return pg
	}
	return nil
}

/// Alloc returns a page whose run of 2^order contiguous pages is free,
/// marking its Order -1. With NOWAIT clear, a caller blocks until enough
/// pages are freed by some Free call.
func (a *Allocator_t) Alloc(order int, flags Flags_t) (*Page_t, bool) {
	for {
		a.mu.Lock()
		pg := a.takeFree(order)
		if pg != nil {
			a.mu.Unlock()
			atomicSet(&pg.Refcnt, 0)
			return pg, true
		}
		if flags&NOWAIT != 0 {
			a.mu.Unlock()
			return nil, false
		}
		// register before dropping a.mu: a Free cannot complete (it
		// needs a.mu) until the waiter is visible, so its wakeup is
		// never lost -- the same register-before-check ordering every
		// sleep site in the tree uses.
		ch := make(chan struct{})
		w := workq.NewWake(func() { closeOnce(ch) })
		a.registerWaiter(w)
		a.mu.Unlock()
		oomNotify(1 << uint(order))
		<-ch
	}
}

// registerWaiter keeps a simple broadcast list of pending allocation
// waiters; Free() fires them all so every blocked Alloc re-checks.
var allocWaiters struct {
	mu    sync.Mutex
	items []*workq.Work_t
}

func (a *Allocator_t) registerWaiter(w *workq.Work_t) {
	allocWaiters.mu.Lock()
	allocWaiters.items = append(allocWaiters.items, w)
	allocWaiters.mu.Unlock()
}

func wakeAllocWaiters() {
	allocWaiters.mu.Lock()
	items := allocWaiters.items
	allocWaiters.items = nil
	allocWaiters.mu.Unlock()
	for _, w := range items {
		w.Schedule()
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

/// Free coalesces pg's run with its buddy whenever possible and appends
/// the result to the matching free list, then wakes blocked allocators.
func (a *Allocator_t) Free(pg *Page_t, order int) {
	a.mu.Lock()
	cur := pg
	curOrder := order
	for curOrder < ORDER_MAX {
		buddyNum := int(cur.Num) ^ (1 << uint(curOrder))
		if buddyNum < 0 || buddyNum >= len(a.pages) {
			break
		}
		buddy := &a.pages[buddyNum]
		if buddy.Invalid || buddy.Order != curOrder {
			break
		}
		a.free[curOrder].Remove(buddy.elem)
		buddy.elem = nil
		a.free_pages -= 1 << uint(curOrder)
		if buddyNum < int(cur.Num) {
			cur = buddy
		}
		curOrder++
	}
	a._markFreeLocked(int(cur.Num), curOrder)
	a.mu.Unlock()
	wakeAllocWaiters()
}

/// Refup increments a page's reference count.
func (a *Allocator_t) Refup(pg *Page_t) {
	atomicAdd(&pg.Refcnt, 1)
}

/// Refdown decrements a page's reference count and returns true if it
/// dropped to zero (the caller should then Free it at its known order).
func (a *Allocator_t) Refdown(pg *Page_t) bool {
	return atomicAdd(&pg.Refcnt, -1) == 0
}

/// FreePages reports the number of free pages across all orders.
func (a *Allocator_t) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free_pages
}
