package mem

import (
	"sync"
	"unsafe"
)

/// objsizes is the fixed kmalloc size ladder.
var objsizes = [...]int{32, 64, 128, 256, 512, 1024, 2048, 4096}

/// frame_t is one page-backed frame belonging to a cache: objsize-sized
/// objects threaded into a free list through their own first bytes.
type frame_t struct {
	pg       *Page_t
	order    int
	objsize  int
	nfree    int
	freehead int // index of the first free object, -1 if none
	next     *frame_t
}

/// Cache_t is a single fixed-size object cache (one rung of the ladder).
type Cache_t struct {
	mu      sync.Mutex
	objsize int
	order   int // page-allocator order a frame consumes
	frames  *frame_t
}

var caches [len(objsizes)]*Cache_t
var cacheInit sync.Once

func initCaches() {
	for i, sz := range objsizes {
		order := 0
		for (1<<uint(order))*PGSIZE/sz < 1 {
			order++
		}
		caches[i] = &Cache_t{objsize: sz, order: order}
	}
}

func newFrame(c *Cache_t) *frame_t {
	pg, ok := Physmem.Alloc(c.order, 0)
	if !ok {
		return nil
	}
	nper := ((1 << uint(c.order)) * PGSIZE) / c.objsize
	fr := &frame_t{pg: pg, order: c.order, objsize: c.objsize, nfree: nper}
	// thread the free list through the objects themselves: each free
	// object's first 4 bytes hold the index of the next free object, or
	// -1 to terminate.
	buf := pg.Bytes()
	for i := 0; i < nper; i++ {
		next := i + 1
		if i == nper-1 {
			next = -1
		}
		putint32(buf[i*c.objsize:], int32(next))
	}
	fr.freehead = 0
	return fr
}

func putint32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getint32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}

/// Alloc returns one zero-length-addressed object from c, growing the
/// cache by one frame from the page allocator on miss.
func (c *Cache_t) Alloc() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fr := c.frames; fr != nil; fr = fr.next {
		if fr.nfree > 0 {
			return c.takeFrom(fr)
		}
	}
	fr := newFrame(c)
	if fr == nil {
		return nil
	}
	fr.next = c.frames
	c.frames = fr
	return c.takeFrom(fr)
}

func (c *Cache_t) takeFrom(fr *frame_t) []byte {
	idx := fr.freehead
	buf := fr.pg.Bytes()
	obj := buf[idx*fr.objsize : idx*fr.objsize+fr.objsize]
	fr.freehead = int(getint32(obj))
	fr.nfree--
	return obj[:fr.objsize]
}

/// Free returns obj (previously returned by Alloc) to its frame's free
/// list, locating the frame by address range.
func (c *Cache_t) Free(obj []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	objp := sliceAddr(obj)
	for fr := c.frames; fr != nil; fr = fr.next {
		buf := fr.pg.Bytes()
		base := sliceAddr(buf)
		off := int(objp - base)
		if off < 0 || off >= len(buf) {
			continue
		}
		idx := off / fr.objsize
		putint32(obj, int32(fr.freehead))
		fr.freehead = idx
		fr.nfree++
		return
	}
}

/// owns reports whether addr falls inside one of c's frames, without
/// mutating any free list.
func (c *Cache_t) owns(addr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fr := c.frames; fr != nil; fr = fr.next {
		buf := fr.pg.Bytes()
		base := sliceAddr(buf)
		off := int(addr - base)
		if off >= 0 && off < len(buf) {
			return true
		}
	}
	return false
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

/// Shrink releases every frame in c with no outstanding allocations,
/// handing its pages back to the page allocator (the slab OOM hook).
func (c *Cache_t) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept *frame_t
	for fr := c.frames; fr != nil; {
		next := fr.next
		nper := ((1 << uint(fr.order)) * PGSIZE) / fr.objsize
		if fr.nfree == nper {
			Physmem.Free(fr.pg, fr.order)
		} else {
			fr.next = kept
			kept = fr
		}
		fr = next
	}
	c.frames = kept
}

/// ShrinkAll runs the OOM hook over every cache rung.
func ShrinkAll() {
	cacheInit.Do(initCaches)
	for _, c := range caches {
		c.Shrink()
	}
}
