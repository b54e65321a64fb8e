// Package vm implements the per-task address space: a list of
// disjoint vm_map regions, lazy page-fault-driven allocation, brk/sbrk,
// user-pointer validation and the user<->kernel copy helpers built on top
// of them.
//
// There is no MMU or page table to program here -- a Vm_t's "page table"
// is a plain Go map from page-aligned virtual address to the mem.Page_t
// backing it. The observable behavior (disjoint regions, lazy fault-in,
// EFAULT on an unmapped or wrongly-permissioned access, brk/sbrk
// semantics) is what a hardware page table would produce; only the
// mechanism differs.
package vm

import (
	"fmt"
	"sync"
	"time"

	"bounds"
	"defs"
	"fdops"
	"mem"
	"res"
	"ustr"
	"util"
)

/// PGSIZE/PGSHIFT/PGOFFSET mirror the page allocator's page geometry.
const (
	PGSIZE   = mem.PGSIZE
	PGSHIFT  = mem.PGSHIFT
	PGOFFSET = PGSIZE - 1
)

/// USERMIN is the lowest virtual address a vm_map may occupy; the page
/// below it is reserved so that a NULL pointer is never a valid mapping.
const USERMIN = PGSIZE

/// Perm_t is a region's access-flag bitmask, named PTE_* to keep the
/// vocabulary the page-fault handler and copy helpers were written
/// against, even though there is no literal page-table entry behind it.
type Perm_t uint

const (
	PTE_P Perm_t = 1 << iota /// present (mapped)
	PTE_W                    /// writable
	PTE_U                    /// user-accessible (every region is; kept for symmetry)
)

/// mtype_t distinguishes how a region's pages are filled on first fault.
type mtype_t int

const (
	VANON  mtype_t = iota /// zero-filled anonymous memory
	VFILE                 /// backed by a file's Pread at a fixed offset
)

/// Vmregion_t is one vm_map entry: a page-aligned, closed-open virtual
/// interval with access flags and an optional file backing.
type Vmregion_t struct {
	Name  string // "code"/"data"/"bss"/"stack", or "" for anonymous mmaps
	Start uintptr
	Len   uintptr // bytes, page-aligned
	Perms Perm_t
	Mtype mtype_t

	fops fdops.Fdops_i // backing file, when Mtype == VFILE
	foff int           // file offset corresponding to Start
}

/// End returns the exclusive upper bound of the region.
func (v *Vmregion_t) End() uintptr { return v.Start + v.Len }

/// Contains reports whether va falls within [Start, End).
func (v *Vmregion_t) Contains(va uintptr) bool {
	return va >= v.Start && va < v.End()
}

/// Vm_t is a task's address space. The mutex protects the region list
/// and the page map together.
type Vm_t struct {
	sync.Mutex

	regions []*Vmregion_t
	pages   map[uintptr]*mem.Page_t // page-aligned va -> backing page

	brk    *Vmregion_t // the bss region sbrk/brk grow; nil until first grown
	brkEnd uintptr
}

/// Init prepares an empty address space.
func (as *Vm_t) Init() {
	as.regions = nil
	as.pages = make(map[uintptr]*mem.Page_t)
}

func pgalign(va uintptr) uintptr { return va &^ uintptr(PGOFFSET) }

/// lookup returns the region containing va, if any. Caller holds as.Mutex.
func (as *Vm_t) lookup(va uintptr) (*Vmregion_t, bool) {
	for _, r := range as.regions {
		if r.Contains(va) {
			return r, true
		}
	}
	return nil, false
}

// overlaps reports whether [start,end) intersects any existing region.
func (as *Vm_t) overlaps(start, end uintptr) bool {
	for _, r := range as.regions {
		if start < r.End() && end > r.Start {
			return true
		}
	}
	return false
}

/// insert adds a new, disjoint region. Panics on overlap: callers are
/// expected to have already chosen an unused range (Unusedva does this
/// for mmap-style callers; the loader lays out code/data/bss/stack by
/// construction).
func (as *Vm_t) insert(r *Vmregion_t) {
	as.Lock()
	defer as.Unlock()
	if as.overlaps(r.Start, r.End()) {
		panic("overlapping vm_map")
	}
	as.regions = append(as.regions, r)
}

/// Vmadd_anon adds a private anonymous region.
func (as *Vm_t) Vmadd_anon(name string, start, length uintptr, perms Perm_t) {
	as.insert(&Vmregion_t{Name: name, Start: start, Len: length, Perms: perms, Mtype: VANON})
}

/// Vmadd_file adds a region backed by fops starting at file offset foff.
func (as *Vm_t) Vmadd_file(name string, start, length uintptr, perms Perm_t, fops fdops.Fdops_i, foff int) {
	as.insert(&Vmregion_t{Name: name, Start: start, Len: length, Perms: perms, Mtype: VFILE, fops: fops, foff: foff})
}

/// Unusedva finds a free, page-aligned span of length len at or above
/// startva, skipping over existing regions.
func (as *Vm_t) Unusedva(startva, length int) int {
	as.Lock()
	defer as.Unlock()
	if startva < USERMIN {
		startva = USERMIN
	}
	cand := uintptr(util.Roundup(startva, PGSIZE))
	length8 := uintptr(util.Roundup(length, PGSIZE))
	for {
		end := cand + length8
		conflict := false
		for _, r := range as.regions {
			if cand < r.End() && end > r.Start {
				cand = r.End()
				conflict = true
				break
			}
		}
		if !conflict {
			return int(cand)
		}
	}
}

// fillPage returns the page backing va within region r, allocating and
// populating it on first access (the fault-handler side of lazy
// allocation). Caller holds as.Mutex.
func (as *Vm_t) fillPage(r *Vmregion_t, va uintptr) (*mem.Page_t, defs.Err_t) {
	va = pgalign(va)
	if pg, ok := as.pages[va]; ok {
		return pg, 0
	}
	pg, ok := mem.Physmem.Alloc(0, 0)
	if !ok {
		return nil, -defs.ENOMEM
	}
	switch r.Mtype {
	case VANON:
		buf := pg.Bytes()
		for i := range buf {
			buf[i] = 0
		}
	case VFILE:
		off := r.foff + int(va-r.Start)
		fub := &Fakeubuf_t{}
		fub.Fake_init(pg.Bytes())
		if _, err := r.fops.Pread(fub, off); err != 0 {
			mem.Physmem.Free(pg, 0)
			return nil, err
		}
	default:
		panic("bad mtype")
	}
	as.pages[va] = pg
	return pg, 0
}

/// Pgfault resolves a page fault at faultaddr. iswrite distinguishes
/// a write fault from a read fault for the permission check.
func (as *Vm_t) Pgfault(faultaddr uintptr, iswrite bool) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	r, ok := as.lookup(faultaddr)
	if !ok {
		return -defs.EFAULT
	}
	if iswrite && r.Perms&PTE_W == 0 {
		return -defs.EFAULT
	}
	_, err := as.fillPage(r, faultaddr)
	return err
}

// mapped returns the bytes of the page backing va, faulting it in first
// if necessary, sliced from the page offset through the end of the page.
// Caller holds as.Mutex.
func (as *Vm_t) mapped(va uintptr, write bool) ([]uint8, defs.Err_t) {
	r, ok := as.lookup(va)
	if !ok {
		return nil, -defs.EFAULT
	}
	if write && r.Perms&PTE_W == 0 {
		return nil, -defs.EFAULT
	}
	pg, err := as.fillPage(r, va)
	if err != 0 {
		return nil, err
	}
	voff := int(va) & PGOFFSET
	return pg.Bytes()[voff:], 0
}

/// UserCheckRegion implements user_check_region: EFAULT unless some
/// region fully contains [ptr, ptr+length) with at least the given access.
func (as *Vm_t) UserCheckRegion(ptr, length int, need Perm_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	start := uintptr(ptr)
	end := start + uintptr(length)
	for _, r := range as.regions {
		if start >= r.Start && end <= r.End() {
			if r.Perms&need != need {
				return -defs.EFAULT
			}
			return 0
		}
	}
	return -defs.EFAULT
}

/// UserCheckStrn implements user_check_strn: scans for a NUL within the
/// containing region, up to max bytes.
func (as *Vm_t) UserCheckStrn(ptr, max int, need Perm_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	r, ok := as.lookup(uintptr(ptr))
	if !ok || r.Perms&need != need {
		return -defs.EFAULT
	}
	avail := int(r.End()) - ptr
	if max > 0 && max < avail {
		avail = max
	}
	for i := 0; i < avail; {
		b, err := as.mapped(uintptr(ptr+i), false)
		if err != 0 {
			return err
		}
		for j := 0; j < len(b) && i+j < avail; j++ {
			if b[j] == 0 {
				return 0
			}
		}
		i += len(b)
	}
	return -defs.EFAULT
}

/// Userdmap8 maps the user address va for reading (k2u==false) or for a
/// kernel write (k2u==true), faulting the backing page in as needed.
func (as *Vm_t) Userdmap8(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	return as.mapped(uintptr(va), k2u)
}

/// Userreadn reads n (<=8) bytes from user address va as a little-endian
/// integer.
func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	as.Lock()
	defer as.Unlock()
	var ret int
	for i := 0; i < n; {
		src, err := as.mapped(uintptr(va+i), false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
		i += l
	}
	return ret, 0
}

/// Userwriten writes the low n (<=8) bytes of val to user address va.
func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock()
	defer as.Unlock()
	for i := 0; i < n; {
		dst, err := as.mapped(uintptr(va+i), true)
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		util.Writen(dst, l, 0, val>>(8*uint(i)))
		i += l
	}
	return 0
}

/// Userstr copies a NUL-terminated string from user space, up to lenmax
/// bytes (exclusive of the NUL). Returns ENAMETOOLONG if no NUL is found
/// in time.
func (as *Vm_t) Userstr(uva int, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock()
	defer as.Unlock()
	s := ustr.MkUstr()
	i := 0
	for {
		str, err := as.mapped(uintptr(uva+i), false)
		if err != 0 {
			return nil, err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				if len(s) > lenmax {
					return nil, -defs.ENAMETOOLONG
				}
				return s, 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) > lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}

/// Usertimespec reads a {secs,nsecs} pair (two 8-byte fields) from user
/// memory at va, as struct timespec.
func (as *Vm_t) Usertimespec(va int) (time.Duration, time.Time, defs.Err_t) {
	var zt time.Time
	secs, err := as.Userreadn(va, 8)
	if err != 0 {
		return 0, zt, err
	}
	nsecs, err := as.Userreadn(va+8, 8)
	if err != 0 {
		return 0, zt, err
	}
	if secs < 0 || nsecs < 0 {
		return 0, zt, -defs.EINVAL
	}
	tot := time.Duration(secs)*time.Second + time.Duration(nsecs)*time.Nanosecond
	return tot, time.Unix(int64(secs), int64(nsecs)), 0
}

/// K2user copies src into the user address space starting at uva
/// (user_memcpy_from_kernel), faulting pages in a page at a time and
/// charging the per-page recursion budget.
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(src) {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER)) {
			return -defs.ENOHEAP
		}
		dst, err := as.mapped(uintptr(uva+cnt), true)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		cnt += n
	}
	return 0
}

/// Kwrite copies src to uva ignoring the region's write permission: the
/// loader's staging path, which must seed read-only text and the tail
/// of a file-backed page before the task ever runs.
func (as *Vm_t) Kwrite(src []uint8, uva int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(src) {
		va := uintptr(uva + cnt)
		r, ok := as.lookup(va)
		if !ok {
			return -defs.EFAULT
		}
		pg, err := as.fillPage(r, va)
		if err != 0 {
			return err
		}
		voff := int(va) & PGOFFSET
		n := copy(pg.Bytes()[voff:], src[cnt:])
		cnt += n
	}
	return 0
}

/// User2k copies len(dst) bytes from user address uva into dst
/// (user_memcpy_to_kernel).
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(dst) {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ASPACE_T_USER2K_INNER)) {
			return -defs.ENOHEAP
		}
		src, err := as.mapped(uintptr(uva+cnt), false)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		cnt += n
	}
	return 0
}

/// Usermemset fills length bytes at uva with val (user_memset_from_kernel).
func (as *Vm_t) Usermemset(uva, length, val int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != length {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER)) {
			return -defs.ENOHEAP
		}
		dst, err := as.mapped(uintptr(uva+cnt), true)
		if err != 0 {
			return err
		}
		n := length - cnt
		if n > len(dst) {
			n = len(dst)
		}
		for i := 0; i < n; i++ {
			dst[i] = uint8(val)
		}
		cnt += n
	}
	return 0
}

/// Sbrk grows or shrinks the bss region by increment bytes and returns the
/// prior break.
func (as *Vm_t) Sbrk(increment int) (int, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	if as.brk == nil {
		return 0, -defs.EINVAL
	}
	old := as.brkEnd
	return as.brkTo(int(old) + increment)
}

/// Brk sets the break to the absolute address newend.
func (as *Vm_t) Brk(newend int) (int, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	if as.brk == nil {
		return 0, -defs.EINVAL
	}
	return as.brkTo(newend)
}

// brkTo resizes the bss region to cover PG_ALIGN(newend), freeing dropped
// pages on shrink, and returns the previous break. Caller holds as.Mutex.
func (as *Vm_t) brkTo(newend int) (int, defs.Err_t) {
	old := as.brkEnd
	if newend < int(as.brk.Start) {
		return 0, -defs.EINVAL
	}
	newlen := uintptr(util.Roundup(newend, PGSIZE)) - as.brk.Start
	if as.overlapsExcept(as.brk, as.brk.Start, as.brk.Start+newlen) {
		return 0, -defs.ENOMEM
	}
	if newlen < as.brk.Len {
		// shrinking: free pages beyond the new end
		for va := as.brk.Start + newlen; va < as.brk.End(); va += PGSIZE {
			if pg, ok := as.pages[va]; ok {
				mem.Physmem.Free(pg, 0)
				delete(as.pages, va)
			}
		}
	}
	as.brk.Len = newlen
	as.brkEnd = uintptr(newend)
	return int(old), 0
}

func (as *Vm_t) overlapsExcept(skip *Vmregion_t, start, end uintptr) bool {
	for _, r := range as.regions {
		if r == skip {
			continue
		}
		if start < r.End() && end > r.Start {
			return true
		}
	}
	return false
}

/// InitBrk installs r as the region that Sbrk/Brk grow, with the break
/// at its end.
func (as *Vm_t) InitBrk(r *Vmregion_t) {
	as.Lock()
	defer as.Unlock()
	as.brk = r
	as.brkEnd = r.End()
}

/// SetBrkRegion selects the region starting at start as the sbrk/brk
/// target; the loader calls this after laying out the load segments.
func (as *Vm_t) SetBrkRegion(start uintptr) {
	as.Lock()
	defer as.Unlock()
	for _, r := range as.regions {
		if r.Start == start {
			as.brk = r
			as.brkEnd = r.End()
			return
		}
	}
	panic("no such region")
}

/// Fork duplicates this address space for a child task.
// Deep (eager) copy rather than copy-on-write: writes in one task must
// not be observable in the other either way, and an eager copy needs no
// COW bookkeeping in a model that has no page-table protection bits to
// revoke.
func (as *Vm_t) Fork() (*Vm_t, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	child := &Vm_t{}
	child.Init()
	for _, r := range as.regions {
		nr := *r
		if nr.fops != nil {
			nr.fops.Reopen()
		}
		child.regions = append(child.regions, &nr)
	}
	if as.brk != nil {
		for i, r := range as.regions {
			if r == as.brk {
				child.brk = child.regions[i]
				break
			}
		}
		child.brkEnd = as.brkEnd
	}
	for va, pg := range as.pages {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_VM_T_FORK_COPY)) {
			return nil, -defs.ENOHEAP
		}
		npg, ok := mem.Physmem.Alloc(0, 0)
		if !ok {
			return nil, -defs.ENOMEM
		}
		copy(npg.Bytes(), pg.Bytes())
		child.pages[va] = npg
	}
	return child, 0
}

/// Uvmfree releases every mapped page and drops all regions, the
/// address-space teardown on exec/exit.
func (as *Vm_t) Uvmfree() {
	as.Lock()
	defer as.Unlock()
	for va, pg := range as.pages {
		mem.Physmem.Free(pg, 0)
		delete(as.pages, va)
	}
	for _, r := range as.regions {
		if r.fops != nil {
			r.fops.Close()
		}
	}
	as.regions = nil
	as.brk = nil
	as.brkEnd = 0
}

/// Mkuserbuf allocates and initializes a Userbuf_t referencing user
/// memory starting at userva.
func (as *Vm_t) Mkuserbuf(userva, length int) *Userbuf_t {
	ret := &Userbuf_t{}
	ret.ub_init(as, userva, length)
	return ret
}

/// Meminfo reports the region count, resident page count and current
/// break, the per-task memory detail behind the task_api ioctls.
func (as *Vm_t) Meminfo() (int, int, int) {
	as.Lock()
	defer as.Unlock()
	return len(as.regions), len(as.pages), int(as.brkEnd)
}

/// String renders the region list for debugging/ /proc use.
func (as *Vm_t) String() string {
	as.Lock()
	defer as.Unlock()
	s := ""
	for _, r := range as.regions {
		s += fmt.Sprintf("%s: [%x, %x) perms=%x\n", r.Name, r.Start, r.End(), r.Perms)
	}
	return s
}
