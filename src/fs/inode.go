package fs

import (
	"container/list"
	"fmt"
	"sync"

	"defs"
	"fdops"
	"hashtable"
	"limits"
	"stat"
	"ustr"
	"waitq"
	"workq"
)

/// Inum_t is an inode number within one file system.
type Inum_t int

/// Iflags_t is an inode's lifecycle-flag bitmask.
type Iflags_t uint32

const (
	I_VALID   Iflags_t = 1 << iota /// body read from disk; sticky
	I_DIRTY                        /// body differs from disk
	I_SYNC                         /// write-back in progress
	I_FREEING                      /// about to leave the hash
	I_BAD                          /// initialization failed; never handed out
)

/// Iops_i is the inode operations vtable. File systems implement
/// a subset meaningfully; unsupported operations return ENOTSUP.
type Iops_i interface {
	Lookup(dir *Inode_t, name ustr.Ustr) (Inum_t, defs.Err_t)
	Create(dir *Inode_t, name ustr.Ustr, mode uint, major, minor int) (Inum_t, defs.Err_t)
	Mkdir(dir *Inode_t, name ustr.Ustr, mode uint) (Inum_t, defs.Err_t)
	Link(dir *Inode_t, name ustr.Ustr, target *Inode_t) defs.Err_t
	Unlink(dir *Inode_t, name ustr.Ustr, rmdir bool) defs.Err_t
	Rename(odir *Inode_t, oname ustr.Ustr, ndir *Inode_t, nname ustr.Ustr) defs.Err_t
	Truncate(i *Inode_t, size int) defs.Err_t
	// Bmap translates a file page index to a device sector; with alloc
	// set it assigns a fresh block to a hole (bmap_alloc).
	Bmap(i *Inode_t, bn int, alloc bool) (int, defs.Err_t)
	Symlink(dir *Inode_t, name ustr.Ustr, target ustr.Ustr) defs.Err_t
	Readlink(i *Inode_t) (ustr.Ustr, defs.Err_t)
	// Readdir returns the entry at cookie off and the next cookie;
	// done is true when off is past the last entry.
	Readdir(i *Inode_t, off int) (Dirent_t, int, bool, defs.Err_t)
}

/// Dirent_t is one directory entry as produced by Readdir.
type Dirent_t struct {
	Name ustr.Ustr
	Inum Inum_t
}

/// Inode_t is the in-memory handle for a file-system object, keyed by
/// (superblock, inode number).
type Inode_t struct {
	Sb   *Superblock_t
	Inum Inum_t

	// L is the body lock: it guards Mode/Size/Links/... and file
	// content operations. fmu (the flags lock) may be taken while L is
	// held, never the reverse.
	L     sync.Mutex
	Mode  uint
	Size  int
	Links int
	Uid   int
	Gid   int
	Mtime int64
	// device number for device-special inodes
	Major, Minor int

	// Priv is the owning file system's body (block pointers etc.).
	Priv interface{}

	// Pipe carries FIFO state for pipe inodes.
	Pipe *Pipe_t

	// OpenHook, when set, supplies the file ops for this inode instead
	// of the generic File_t; proc-like synthetic files use it.
	OpenHook func() (fdops.Fdops_i, defs.Err_t)

	fmu    sync.Mutex
	flags  Iflags_t
	refcnt int
	flagq  waitq.Queue_t

	dirtyElem *list.Element
	allElem   *list.Element
}

/// Flags returns the current flag set.
func (i *Inode_t) Flags() Iflags_t {
	i.fmu.Lock()
	defer i.fmu.Unlock()
	return i.flags
}

/// Refup takes an additional reference on an inode already held.
func (i *Inode_t) Refup() {
	i.fmu.Lock()
	i.refcnt++
	i.fmu.Unlock()
}

/// MarkValid publishes a filled-in body (inode_mark_valid): VALID is
/// sticky from here on. Wakes Inode_get waiters.
func (i *Inode_t) MarkValid() {
	i.fmu.Lock()
	i.flags |= I_VALID
	i.fmu.Unlock()
	i.flagq.Wakeall()
}

// markBad flags a failed initialization; the inode is never handed out
// and is freed when its last reference drops.
func (i *Inode_t) markBad() {
	i.fmu.Lock()
	i.flags |= I_BAD
	i.fmu.Unlock()
	i.flagq.Wakeall()
}

/// SetDirty sets I_DIRTY and links the inode onto its superblock's
/// dirty list.
func (i *Inode_t) SetDirty() {
	i.fmu.Lock()
	already := i.flags&I_DIRTY != 0
	i.flags |= I_DIRTY
	i.fmu.Unlock()
	if already {
		return
	}
	sb := i.Sb
	sb.lmu.Lock()
	if i.dirtyElem == nil {
		i.dirtyElem = sb.dirty.PushBack(i)
	}
	sb.lmu.Unlock()
}

/// IsDir reports whether the inode is a directory.
func (i *Inode_t) IsDir() bool { return i.Mode&stat.S_IFMT == stat.S_IFDIR }

/// IsReg reports whether the inode is a regular file.
func (i *Inode_t) IsReg() bool { return i.Mode&stat.S_IFMT == stat.S_IFREG }

// icache is the global closed-hash inode table keyed on (sb, ino);
// count tracks limits.Syslimit.Vnodes.
var icache = struct {
	mu    sync.Mutex
	table *hashtable.Hashtable_t
	count int
}{table: hashtable.MkHash(512)}

func ikey(sb *Superblock_t, inum Inum_t) string {
	return fmt.Sprintf("%d:%d", sb.id, inum)
}

func icacheWait(i *Inode_t) {
	ch := make(chan struct{})
	w := workq.NewWake(func() { closeOnce(ch) })
	tok := i.flagq.Register(w)
	// re-test under the flags lock: the flag may have flipped between
	// our observation and registration.
	i.fmu.Lock()
	settled := i.flags&(I_VALID|I_BAD) != 0 && i.flags&I_FREEING == 0
	i.fmu.Unlock()
	if settled {
		tok.Unregister()
		return
	}
	<-ch
	tok.Unregister()
}

// inodeGet is the common resolution loop behind Inode_get and
// Inode_get_invalid.
func inodeGet(sb *Superblock_t, inum Inum_t, read bool) (*Inode_t, defs.Err_t) {
	vnodesAvailable()
	k := ikey(sb, inum)
	for {
		icache.mu.Lock()
		if v, ok := icache.table.Get(k); ok {
			i := v.(*Inode_t)
			i.fmu.Lock()
			switch {
			case i.flags&I_FREEING != 0:
				// wait for removal to finish, then re-resolve
				i.fmu.Unlock()
				icache.mu.Unlock()
				icacheWait(i)
				continue
			case i.flags&I_BAD != 0:
				i.fmu.Unlock()
				icache.mu.Unlock()
				return nil, -defs.EIO
			case i.flags&I_VALID != 0:
				i.refcnt++
				i.fmu.Unlock()
				icache.mu.Unlock()
				return i, 0
			default:
				// another task is mid-read; wait on the flags
				// queue
				i.fmu.Unlock()
				icache.mu.Unlock()
				icacheWait(i)
				continue
			}
		}
		// miss: allocate a fresh body and insert with VALID clear
		i, err := sb.Ops.InodeAlloc(sb, inum)
		if err != 0 {
			icache.mu.Unlock()
			return nil, err
		}
		i.Sb = sb
		i.Inum = inum
		i.refcnt = 1
		icache.table.Set(k, i)
		icache.count++
		sb.lmu.Lock()
		i.allElem = sb.all.PushBack(i)
		sb.lmu.Unlock()
		icache.mu.Unlock()

		if !read {
			// Inode_get_invalid: the caller fills the body and
			// calls MarkValid itself.
			return i, 0
		}
		if err := sb.Ops.InodeRead(i); err != 0 {
			i.markBad()
			Inode_put(i)
			return nil, -defs.ENOENT
		}
		i.MarkValid()
		return i, 0
	}
}

/// Inode_get resolves (sb, ino) through the cache, reading the body from
/// the file system on a miss. Any returned inode is VALID and not
/// FREEING.
func Inode_get(sb *Superblock_t, inum Inum_t) (*Inode_t, defs.Err_t) {
	return inodeGet(sb, inum, true)
}

/// Inode_get_invalid inserts a not-yet-VALID inode, skipping InodeRead;
/// the caller fills the body and calls MarkValid (used when creating a
/// brand-new inode whose body is about to be written anyway).
func Inode_get_invalid(sb *Superblock_t, inum Inum_t) (*Inode_t, defs.Err_t) {
	return inodeGet(sb, inum, false)
}

/// Inode_put drops one reference. At zero, a BAD or unlinked inode (or
/// any inode, under cache pressure) is removed from the hash -- FREEING
/// set first, write-back if dirty, then the sb's dealloc.
func Inode_put(i *Inode_t) {
	i.fmu.Lock()
	i.refcnt--
	if i.refcnt > 0 {
		i.fmu.Unlock()
		return
	}
	if i.refcnt < 0 {
		panic("inode over-put")
	}
	bad := i.flags&I_BAD != 0
	unlinked := i.Links == 0
	if !bad && !unlinked {
		// stays cached for reuse; evictable later
		i.fmu.Unlock()
		return
	}
	i.flags |= I_FREEING
	dirty := i.flags&I_DIRTY != 0
	i.fmu.Unlock()

	if dirty && !bad {
		inodeSyncOne(i)
	}
	inodeDrop(i)
}

// inodeDrop removes i from the hash, the sb lists and the cache count,
// then deallocates the body and wakes FREEING waiters so they
// re-resolve.
func inodeDrop(i *Inode_t) {
	icache.mu.Lock()
	icache.table.Del(ikey(i.Sb, i.Inum))
	icache.count--
	icache.mu.Unlock()
	sb := i.Sb
	sb.lmu.Lock()
	if i.dirtyElem != nil {
		sb.dirty.Remove(i.dirtyElem)
		i.dirtyElem = nil
	}
	if i.allElem != nil {
		sb.all.Remove(i.allElem)
		i.allElem = nil
	}
	sb.lmu.Unlock()
	sb.Ops.InodeDealloc(i)
	i.flagq.Wakeall()
}

// inodeSyncOne writes one dirty inode back: SYNC set, InodeWrite,
// DIRTY and SYNC cleared, waiters woken.
func inodeSyncOne(i *Inode_t) {
	i.fmu.Lock()
	if i.flags&I_DIRTY == 0 {
		i.fmu.Unlock()
		return
	}
	i.flags |= I_SYNC
	i.fmu.Unlock()

	i.Sb.Ops.InodeWrite(i)

	i.fmu.Lock()
	i.flags &^= I_DIRTY | I_SYNC
	i.fmu.Unlock()
	i.Sb.lmu.Lock()
	if i.dirtyElem != nil {
		i.Sb.dirty.Remove(i.dirtyElem)
		i.dirtyElem = nil
	}
	i.Sb.lmu.Unlock()
	i.flagq.Wakeall()
}

/// Sb_sync_inodes writes back every dirty inode of sb.
func Sb_sync_inodes(sb *Superblock_t) {
	for {
		sb.lmu.Lock()
		e := sb.dirty.Front()
		if e == nil {
			sb.lmu.Unlock()
			return
		}
		i := e.Value.(*Inode_t)
		sb.lmu.Unlock()
		inodeSyncOne(i)
	}
}

/// Icache_count reports the number of cached inodes.
func Icache_count() int {
	icache.mu.Lock()
	defer icache.mu.Unlock()
	return icache.count
}

/// Icache_shrink evicts up to n unreferenced, clean, VALID inodes, the
/// inode cache's answer to memory pressure. Returns how many it freed.
func Icache_shrink(n int) int {
	var victims []*Inode_t
	icache.mu.Lock()
	icache.table.Iter(func(k, v interface{}) bool {
		if len(victims) >= n {
			return true
		}
		i := v.(*Inode_t)
		i.fmu.Lock()
		if i.refcnt == 0 && i.flags&(I_DIRTY|I_FREEING|I_SYNC) == 0 {
			i.flags |= I_FREEING
			victims = append(victims, i)
		}
		i.fmu.Unlock()
		return false
	})
	icache.mu.Unlock()
	for _, i := range victims {
		inodeDrop(i)
	}
	return len(victims)
}

// vnodesAvailable consults the system-wide cached-inode ceiling; the
// cache sheds clean entries rather than failing the allocation.
func vnodesAvailable() bool {
	icache.mu.Lock()
	over := icache.count >= limits.Syslimit.Vnodes
	icache.mu.Unlock()
	if over {
		Icache_shrink(64)
	}
	return true
}

/// Istat fills dst from the inode body (stat/fstat).
func Istat(i *Inode_t, dst *stat.Stat_t) {
	i.L.Lock()
	defer i.L.Unlock()
	dst.Wdev(uint(i.Sb.Devid()))
	dst.Wino(uint(i.Inum))
	dst.Wmode(i.Mode)
	dst.Wsize(uint(i.Size))
	dst.Wrdev(uint(defs.Mkdev(i.Major, i.Minor)))
	dst.Wuid(uint(i.Uid))
	dst.Wgid(uint(i.Gid))
}

// istatDst fills the narrow fdops stat surface.
func istatDst(i *Inode_t, dst fdops.StatDst_i) {
	i.L.Lock()
	defer i.L.Unlock()
	dst.Wdev(uint(i.Sb.Devid()))
	dst.Wino(uint(i.Inum))
	dst.Wmode(i.Mode)
	dst.Wsize(uint(i.Size))
	dst.Wrdev(uint(defs.Mkdev(i.Major, i.Minor)))
}
