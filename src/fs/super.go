package fs

import (
	"container/list"
	"sync"

	"defs"
	"ustr"
)

/// Sbops_i is the superblock operations vtable: body allocation
/// and disk transfer for inodes plus superblock write-back and release.
type Sbops_i interface {
	SbWrite(sb *Superblock_t) defs.Err_t
	SbPut(sb *Superblock_t) defs.Err_t
	InodeAlloc(sb *Superblock_t, inum Inum_t) (*Inode_t, defs.Err_t)
	InodeDealloc(i *Inode_t)
	InodeRead(i *Inode_t) defs.Err_t
	InodeWrite(i *Inode_t) defs.Err_t
}

/// Sbflags_t is the superblock flag bitmask.
type Sbflags_t uint32

const (
	SB_UNMOUNTING Sbflags_t = 1 << iota /// umount in progress; reported by Unmounting, not checked by inode lookups
	SB_DIRTY
)

/// Superblock_t is the per-mount state: device, root
/// inode number, the two vtables, and the file system's inode lists.
type Superblock_t struct {
	Dev     *BlockDev_t
	Devname string
	Fstype  string
	Root    Inum_t
	Ops     Sbops_i
	Iops    Iops_i

	// Priv is the owning file system's superblock body.
	Priv interface{}

	id int

	fmu   sync.Mutex
	flags Sbflags_t
	refs  int

	// lmu guards the per-sb inode lists; leaf lock under icache.mu.
	lmu   sync.Mutex
	all   *list.List // every cached inode of this fs
	dirty *list.List // inodes with I_DIRTY set
}

/// MkSuper initializes the list state of a freshly read superblock;
/// every fstype's ReadSb must call it before returning.
func MkSuper(sb *Superblock_t) *Superblock_t {
	sb.all = list.New()
	sb.dirty = list.New()
	return sb
}

/// Devid returns the superblock's device identity for stat.
func (sb *Superblock_t) Devid() uint {
	if sb.Dev == nil {
		return 0
	}
	return defs.Mkdev(sb.Dev.Major, sb.Dev.Minor)
}

/// Unmounting reports whether the superblock is being torn down.
func (sb *Superblock_t) Unmounting() bool {
	sb.fmu.Lock()
	defer sb.fmu.Unlock()
	return sb.flags&SB_UNMOUNTING != 0
}

/// Fstype_t describes a registered file-system type. Nodev types take no source device and are mounted
/// over an anonymous one.
type Fstype_t struct {
	Name   string
	Nodev  bool
	ReadSb func(dev *BlockDev_t) (*Superblock_t, defs.Err_t)
}

var fstypes = struct {
	mu    sync.Mutex
	types map[string]*Fstype_t
}{types: make(map[string]*Fstype_t)}

/// RegisterFs adds a file-system type to the registry; vtables are
/// immutable after registration.
func RegisterFs(ft *Fstype_t) {
	fstypes.mu.Lock()
	defer fstypes.mu.Unlock()
	if _, ok := fstypes.types[ft.Name]; ok {
		panic("fs type registered twice: " + ft.Name)
	}
	fstypes.types[ft.Name] = ft
}

func lookupFs(name string) *Fstype_t {
	fstypes.mu.Lock()
	defer fstypes.mu.Unlock()
	return fstypes.types[name]
}

/// Mount_t pairs a mounted superblock with the inode it covers. The
/// root mount covers no inode.
type Mount_t struct {
	Sb      *Superblock_t
	Covered *Inode_t
	Devname string
	Point   ustr.Ustr
}

// mounts is the mount table; mu is the outermost lock of the mount
// locking order.
var mounts struct {
	mu     sync.Mutex
	list   []*Mount_t
	root   *Mount_t
	nextid int
}

/// Mounts snapshots the mount table for /proc/mounts.
func Mounts() []*Mount_t {
	mounts.mu.Lock()
	defer mounts.mu.Unlock()
	ret := make([]*Mount_t, len(mounts.list))
	copy(ret, mounts.list)
	return ret
}

// readSbFor acquires a superblock for (dev, fstype): calls the type's
// read_sb and assigns the cache id.
func readSbFor(ft *Fstype_t, dev *BlockDev_t, devname string) (*Superblock_t, defs.Err_t) {
	sb, err := ft.ReadSb(dev)
	if err != 0 {
		return nil, err
	}
	if sb.all == nil {
		panic("ReadSb must MkSuper")
	}
	sb.Fstype = ft.Name
	sb.Devname = devname
	mounts.mu.Lock()
	mounts.nextid++
	sb.id = mounts.nextid
	mounts.mu.Unlock()
	return sb, 0
}

/// MountRoot bootstraps the root mount (no covered inode); the root
/// file system determines PID 1's initial cwd.
func MountRoot(fsname, devname string, dev *BlockDev_t) (*Superblock_t, defs.Err_t) {
	ft := lookupFs(fsname)
	if ft == nil {
		return nil, -defs.ENOENT
	}
	if ft.Nodev {
		dev = NewAnonDev()
	}
	sb, err := readSbFor(ft, dev, devname)
	if err != 0 {
		return nil, err
	}
	m := &Mount_t{Sb: sb, Devname: devname, Point: ustr.MkUstrRoot()}
	mounts.mu.Lock()
	mounts.root = m
	mounts.list = append(mounts.list, m)
	mounts.mu.Unlock()
	return sb, 0
}

/// Vfs_mount mounts fsname (from dev, or an anonymous device for nodev
/// types) over the covered inode. Duplicate mounts on
/// the same point are refused with EBUSY.
func Vfs_mount(covered *Inode_t, fsname, devname string, dev *BlockDev_t, point ustr.Ustr) defs.Err_t {
	ft := lookupFs(fsname)
	if ft == nil {
		return -defs.ENOENT
	}
	if ft.Nodev {
		if dev != nil {
			return -defs.EINVAL
		}
		dev = NewAnonDev()
	} else if dev == nil {
		return -defs.ENXIO
	}
	if covered == nil || !covered.IsDir() {
		return -defs.ENOTDIR
	}
	mounts.mu.Lock()
	for _, m := range mounts.list {
		if m.Covered == covered {
			mounts.mu.Unlock()
			return -defs.EBUSY
		}
	}
	mounts.mu.Unlock()

	sb, err := readSbFor(ft, dev, devname)
	if err != 0 {
		return err
	}
	covered.Refup()
	m := &Mount_t{Sb: sb, Covered: covered, Devname: devname, Point: append(ustr.Ustr(nil), point...)}
	mounts.mu.Lock()
	// re-check under the lock: a racing mount may have claimed the point
	for _, o := range mounts.list {
		if o.Covered == covered {
			mounts.mu.Unlock()
			Inode_put(covered)
			sb.Ops.SbPut(sb)
			return -defs.EBUSY
		}
	}
	mounts.list = append(mounts.list, m)
	mounts.mu.Unlock()
	return 0
}

/// Vfs_umount unmounts sb: marks UNMOUNTING under the mount lock, syncs
/// dirty inodes, refuses while inodes are still referenced, removes the
/// mount entry and releases the superblock.
func Vfs_umount(sb *Superblock_t) defs.Err_t {
	mounts.mu.Lock()
	var m *Mount_t
	idx := -1
	for i, o := range mounts.list {
		if o.Sb == sb {
			m, idx = o, i
			break
		}
	}
	if m == nil {
		mounts.mu.Unlock()
		return -defs.EINVAL
	}
	if m == mounts.root {
		mounts.mu.Unlock()
		return -defs.EBUSY
	}
	sb.fmu.Lock()
	sb.flags |= SB_UNMOUNTING
	sb.fmu.Unlock()
	mounts.mu.Unlock()

	Sb_sync_inodes(sb)

	// every cached inode of this fs must be unreferenced
	busy := false
	sb.lmu.Lock()
	for e := sb.all.Front(); e != nil; e = e.Next() {
		i := e.Value.(*Inode_t)
		i.fmu.Lock()
		if i.refcnt > 0 {
			busy = true
		}
		i.fmu.Unlock()
		if busy {
			break
		}
	}
	sb.lmu.Unlock()
	if busy {
		sb.fmu.Lock()
		sb.flags &^= SB_UNMOUNTING
		sb.fmu.Unlock()
		return -defs.EBUSY
	}

	// drop the fs's cached inodes
	for {
		sb.lmu.Lock()
		e := sb.all.Front()
		if e == nil {
			sb.lmu.Unlock()
			break
		}
		i := e.Value.(*Inode_t)
		sb.lmu.Unlock()
		i.fmu.Lock()
		i.flags |= I_FREEING
		i.fmu.Unlock()
		inodeDrop(i)
	}

	mounts.mu.Lock()
	mounts.list = append(mounts.list[:idx], mounts.list[idx+1:]...)
	mounts.mu.Unlock()

	if m.Covered != nil {
		Inode_put(m.Covered)
	}
	sb.Ops.SbWrite(sb)
	return sb.Ops.SbPut(sb)
}

// mountedRootFor follows a covered inode to the root inode of the file
// system mounted on it, if any.
func mountedRootFor(covered *Inode_t) (*Superblock_t, bool) {
	mounts.mu.Lock()
	defer mounts.mu.Unlock()
	for _, m := range mounts.list {
		if m.Covered == covered {
			return m.Sb, true
		}
	}
	return nil, false
}

// coveredFor maps a mounted root inode back to the inode it covers, for
// ".." traversal out of a mount.
func coveredFor(i *Inode_t) (*Inode_t, bool) {
	mounts.mu.Lock()
	defer mounts.mu.Unlock()
	for _, m := range mounts.list {
		if m.Sb == i.Sb && m.Covered != nil && i.Inum == m.Sb.Root {
			return m.Covered, true
		}
	}
	return nil, false
}

/// RootInode returns a referenced handle on the root mount's root.
func RootInode() (*Inode_t, defs.Err_t) {
	mounts.mu.Lock()
	m := mounts.root
	mounts.mu.Unlock()
	if m == nil {
		return nil, -defs.ENOENT
	}
	return Inode_get(m.Sb, m.Sb.Root)
}

/// Fs_sync writes back all dirty inodes and all dirty blocks.
func Fs_sync() defs.Err_t {
	for _, m := range Mounts() {
		m.Sb.Ops.SbWrite(m.Sb)
		Sb_sync_inodes(m.Sb)
	}
	Block_sync_all(true)
	return 0
}

/// UnmountAll tears down every mount except root, then root itself;
/// used by reboot and tests.
func UnmountAll() {
	for {
		mounts.mu.Lock()
		var victim *Superblock_t
		for _, m := range mounts.list {
			if m != mounts.root {
				victim = m.Sb
				break
			}
		}
		mounts.mu.Unlock()
		if victim == nil {
			break
		}
		if Vfs_umount(victim) != 0 {
			break
		}
	}
	mounts.mu.Lock()
	root := mounts.root
	mounts.list = nil
	mounts.root = nil
	mounts.mu.Unlock()
	if root != nil {
		Sb_sync_inodes(root.Sb)
		root.Sb.Ops.SbWrite(root.Sb)
		root.Sb.Ops.SbPut(root.Sb)
	}
}
