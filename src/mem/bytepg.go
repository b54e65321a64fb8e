package mem

import "unsafe"

// Bytepg_t is a page-sized byte buffer: the unit the block cache and
// block-backed vm_map pages are read and written in (BSIZE == PGSIZE).
type Bytepg_t [PGSIZE]uint8

// Pg2bytes reinterprets a page's backing bytes as a *Bytepg_t, the same
// technique util.Readn/Writen use to reinterpret byte slices in place.
func Pg2bytes(pg *Page_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(&pg.data[0]))
}

// Page_i is the minimal page-allocator surface needed by callers that
// only ever hold a single refcounted page (circbuf, socket buffers),
// so they don't need to import the full Allocator_t type.
type Page_i interface {
	Refup(pg *Page_t)
	Refdown(pg *Page_t) bool
	Refpg_new_nozero() (*Page_t, bool)
}

// Refpg_new_nozero allocates a single page without clearing it -- the
// buddy allocator never clears a page on (re)allocation in the first
// place, so this is a plain order-0 Alloc under another name, kept for
// callers that want to document the no-zero-fill intent explicitly.
func (a *Allocator_t) Refpg_new_nozero() (*Page_t, bool) {
	return a.Alloc(0, 0)
}
