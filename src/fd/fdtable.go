package fd

import (
	"sync/atomic"

	"defs"
)

/// NOFILE is the fixed size of a task's open-file table.
const NOFILE = 64

// reserved is the sentinel a slot holds between fd_get_empty claiming it
// and the caller installing the real file, so concurrent claimants skip
// it without a table-wide lock.
var reserved = &Fd_t{}

/// Fdtable_t is a task's open-file table: NOFILE slots claimed by
/// compare-and-swap from nil to a sentinel. The table keeps no
/// close-on-exec bitset; that flag is the FD_CLOEXEC bit of each
/// descriptor's Perms.
type Fdtable_t struct {
	slots [NOFILE]atomic.Pointer[Fd_t]
}

/// MkFdtable returns an empty table.
func MkFdtable() *Fdtable_t {
	return &Fdtable_t{}
}

/// GetEmpty atomically reserves the lowest free slot at or above min and
/// returns its index; the caller must follow with Install or Abort.
func (ft *Fdtable_t) GetEmpty(min int) (int, defs.Err_t) {
	if min < 0 {
		min = 0
	}
	for i := min; i < NOFILE; i++ {
		if ft.slots[i].CompareAndSwap(nil, reserved) {
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

/// Install stores f into a slot previously returned by GetEmpty.
func (ft *Fdtable_t) Install(fdn int, f *Fd_t) {
	if !ft.slots[fdn].CompareAndSwap(reserved, f) {
		panic("install into unreserved fd slot")
	}
}

/// Abort releases a reserved slot without installing a file.
func (ft *Fdtable_t) Abort(fdn int) {
	if !ft.slots[fdn].CompareAndSwap(reserved, nil) {
		panic("abort of unreserved fd slot")
	}
}

/// Insert reserves a slot and installs f in one call.
func (ft *Fdtable_t) Insert(f *Fd_t, min int) (int, defs.Err_t) {
	fdn, err := ft.GetEmpty(min)
	if err != 0 {
		return 0, err
	}
	ft.Install(fdn, f)
	return fdn, 0
}

/// Get returns the file in slot fdn, or EBADF.
func (ft *Fdtable_t) Get(fdn int) (*Fd_t, defs.Err_t) {
	if fdn < 0 || fdn >= NOFILE {
		return nil, -defs.EBADF
	}
	f := ft.slots[fdn].Load()
	if f == nil || f == reserved {
		return nil, -defs.EBADF
	}
	return f, 0
}

/// Close clears slot fdn and releases its reference.
func (ft *Fdtable_t) Close(fdn int) defs.Err_t {
	if fdn < 0 || fdn >= NOFILE {
		return -defs.EBADF
	}
	f := ft.slots[fdn].Load()
	if f == nil || f == reserved {
		return -defs.EBADF
	}
	if !ft.slots[fdn].CompareAndSwap(f, nil) {
		return -defs.EBADF
	}
	return f.Fops.Close()
}

/// Dup duplicates oldn into the lowest free slot >= min, sharing the
/// open file (refcount bumped via Reopen). dup2's exact-slot form is
/// Dup2.
func (ft *Fdtable_t) Dup(oldn, min int) (int, defs.Err_t) {
	f, err := ft.Get(oldn)
	if err != 0 {
		return 0, err
	}
	nf, err := Copyfd(f)
	if err != 0 {
		return 0, err
	}
	// the duplicate does not inherit close-on-exec
	nf.Perms &^= FD_CLOEXEC
	fdn, err := ft.Insert(nf, min)
	if err != 0 {
		nf.Fops.Close()
		return 0, err
	}
	return fdn, 0
}

/// Dup2 duplicates oldn into exactly newn, closing whatever newn held.
func (ft *Fdtable_t) Dup2(oldn, newn int) (int, defs.Err_t) {
	if newn < 0 || newn >= NOFILE {
		return 0, -defs.EBADF
	}
	f, err := ft.Get(oldn)
	if err != 0 {
		return 0, err
	}
	if oldn == newn {
		return newn, 0
	}
	nf, err := Copyfd(f)
	if err != 0 {
		return 0, err
	}
	nf.Perms &^= FD_CLOEXEC
	old := ft.slots[newn].Swap(nf)
	if old != nil && old != reserved {
		old.Fops.Close()
	}
	return newn, 0
}

/// SetCloexec marks slot fdn close-on-exec.
func (ft *Fdtable_t) SetCloexec(fdn int) defs.Err_t {
	f, err := ft.Get(fdn)
	if err != 0 {
		return err
	}
	f.Perms |= FD_CLOEXEC
	return 0
}

/// CloseExec closes every descriptor flagged close-on-exec and clears
/// the flag bits, execve's sweep.
func (ft *Fdtable_t) CloseExec() {
	for i := 0; i < NOFILE; i++ {
		f := ft.slots[i].Load()
		if f == nil || f == reserved {
			continue
		}
		if f.Perms&FD_CLOEXEC != 0 {
			if ft.slots[i].CompareAndSwap(f, nil) {
				f.Fops.Close()
			}
		}
	}
}

/// CloseAll closes every open descriptor (task exit).
func (ft *Fdtable_t) CloseAll() {
	for i := 0; i < NOFILE; i++ {
		f := ft.slots[i].Load()
		if f == nil || f == reserved {
			continue
		}
		if ft.slots[i].CompareAndSwap(f, nil) {
			f.Fops.Close()
		}
	}
}

/// Fork copies the table for a child task, bumping each open file's
/// refcount; the close-on-exec flags copy with their descriptors.
func (ft *Fdtable_t) Fork() (*Fdtable_t, defs.Err_t) {
	nt := MkFdtable()
	for i := 0; i < NOFILE; i++ {
		f := ft.slots[i].Load()
		if f == nil || f == reserved {
			continue
		}
		nf, err := Copyfd(f)
		if err != 0 {
			nt.CloseAll()
			return nil, err
		}
		nt.slots[i].Store(nf)
	}
	return nt, 0
}

/// Count reports the number of open descriptors, for /proc detail.
func (ft *Fdtable_t) Count() int {
	n := 0
	for i := 0; i < NOFILE; i++ {
		f := ft.slots[i].Load()
		if f != nil && f != reserved {
			n++
		}
	}
	return n
}
