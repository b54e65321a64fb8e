package kernel

import (
	"sync"

	"defs"
	"fdops"
	"fs"
	"proc"
	"stat"
	"ustr"
)

// procfs: a nodev file system of synthetic read-mostly files, each
// rendered through the seq-file scaffold.

type procEntry_t struct {
	name ustr.Ustr
	inum fs.Inum_t
	mk   func() (fdops.Fdops_i, defs.Err_t)
}

var procfs struct {
	mu      sync.Mutex
	entries []*procEntry_t
	sb      *fs.Superblock_t
	next    fs.Inum_t
}

const procRoot fs.Inum_t = 1

/// ProcRegister adds a file under /proc backed by the given seq-file
/// iterator; re-registering a name is a no-op.
func ProcRegister(name string, ops fs.Seqops_i) {
	ProcRegisterRaw(name, func() (fdops.Fdops_i, defs.Err_t) {
		return fs.MkSeqfile(ops), 0
	})
}

/// ProcRegisterRaw adds a file under /proc whose open builds its own
/// fops, for entries (task_api) that need more than the plain seq-file
/// surface.
func ProcRegisterRaw(name string, mk func() (fdops.Fdops_i, defs.Err_t)) {
	procfs.mu.Lock()
	defer procfs.mu.Unlock()
	for _, e := range procfs.entries {
		if e.name.Eq(ustr.Ustr(name)) {
			return
		}
	}
	procfs.next++
	procfs.entries = append(procfs.entries, &procEntry_t{
		name: ustr.Ustr(name),
		inum: procRoot + procfs.next,
		mk:   mk,
	})
}

type procSbops_t struct{}

func (procSbops_t) SbWrite(sb *fs.Superblock_t) defs.Err_t { return 0 }
func (procSbops_t) SbPut(sb *fs.Superblock_t) defs.Err_t   { return 0 }
func (procSbops_t) InodeAlloc(sb *fs.Superblock_t, inum fs.Inum_t) (*fs.Inode_t, defs.Err_t) {
	return &fs.Inode_t{}, 0
}
func (procSbops_t) InodeDealloc(i *fs.Inode_t) {}
func (procSbops_t) InodeRead(i *fs.Inode_t) defs.Err_t {
	if i.Inum == procRoot {
		i.Mode = stat.S_IFDIR | 0555
		i.Links = 2
		return 0
	}
	procfs.mu.Lock()
	defer procfs.mu.Unlock()
	for _, e := range procfs.entries {
		if e.inum == i.Inum {
			i.Mode = stat.S_IFREG | 0444
			i.Links = 1
			i.OpenHook = e.mk
			return 0
		}
	}
	return -defs.ENOENT
}
func (procSbops_t) InodeWrite(i *fs.Inode_t) defs.Err_t { return 0 }

type procIops_t struct{ fs.NullIops_t }

func (procIops_t) Lookup(dir *fs.Inode_t, name ustr.Ustr) (fs.Inum_t, defs.Err_t) {
	if dir.Inum != procRoot {
		return 0, -defs.ENOTDIR
	}
	if name.Isdot() || name.Isdotdot() {
		return procRoot, 0
	}
	procfs.mu.Lock()
	defer procfs.mu.Unlock()
	for _, e := range procfs.entries {
		if e.name.Eq(name) {
			return e.inum, 0
		}
	}
	return 0, -defs.ENOENT
}

func (procIops_t) Readdir(i *fs.Inode_t, off int) (fs.Dirent_t, int, bool, defs.Err_t) {
	if i.Inum != procRoot {
		return fs.Dirent_t{}, 0, true, -defs.ENOTDIR
	}
	procfs.mu.Lock()
	defer procfs.mu.Unlock()
	if off >= len(procfs.entries) {
		return fs.Dirent_t{}, 0, true, 0
	}
	e := procfs.entries[off]
	return fs.Dirent_t{Name: e.name, Inum: e.inum}, off + 1, false, 0
}

func init() {
	fs.RegisterFs(&fs.Fstype_t{
		Name:  "procfs",
		Nodev: true,
		ReadSb: func(dev *fs.BlockDev_t) (*fs.Superblock_t, defs.Err_t) {
			sb := fs.MkSuper(&fs.Superblock_t{
				Dev:  dev,
				Root: procRoot,
				Ops:  procSbops_t{},
				Iops: procIops_t{},
			})
			procfs.mu.Lock()
			procfs.sb = sb
			procfs.mu.Unlock()
			return sb, 0
		},
	})
}

// /proc/mounts: one line per mount, "device \t mountpoint \t fstype".
type mountsView_t struct{}

func (mountsView_t) Start(sf *fs.Seqfile_t) interface{} {
	ms := fs.Mounts()
	if len(ms) == 0 {
		return nil
	}
	return &seqCursor_t{items: len(ms), data: ms}
}

func (mountsView_t) Next(sf *fs.Seqfile_t, pos interface{}) interface{} {
	c := pos.(*seqCursor_t)
	c.idx++
	if c.idx >= c.items {
		return nil
	}
	return c
}

func (v mountsView_t) Render(sf *fs.Seqfile_t, pos interface{}) defs.Err_t {
	c := pos.(*seqCursor_t)
	m := c.data.([]*fs.Mount_t)[c.idx]
	dev := m.Devname
	if dev == "" {
		dev = "none"
	}
	sf.Printf("%s\t%s\t%s\n", dev, m.Point.String(), m.Sb.Fstype)
	return 0
}

func (mountsView_t) End(sf *fs.Seqfile_t) {}

type seqCursor_t struct {
	idx   int
	items int
	data  interface{}
}

// /proc/tasks: the task table, one row per task.
type tasksView_t struct{}

func (tasksView_t) Start(sf *fs.Seqfile_t) interface{} {
	sf.Printf("Pid\tPPid\tPGid\tState\tKilled\tName\n")
	ts := proc.AllTasks()
	if len(ts) == 0 {
		return nil
	}
	return &seqCursor_t{items: len(ts), data: ts}
}

func (tasksView_t) Next(sf *fs.Seqfile_t, pos interface{}) interface{} {
	c := pos.(*seqCursor_t)
	c.idx++
	if c.idx >= c.items {
		return nil
	}
	return c
}

func (tasksView_t) Render(sf *fs.Seqfile_t, pos interface{}) defs.Err_t {
	c := pos.(*seqCursor_t)
	t := c.data.([]*proc.Task_t)[c.idx]
	killed := 0
	if t.Killed() {
		killed = 1
	}
	sf.Printf("%d\t%d\t%d\t%s\t%d\t%s\n",
		t.Pid, t.Ppid(), t.Pgid, t.State().String(), killed, t.Name)
	return 0
}

func (tasksView_t) End(sf *fs.Seqfile_t) {}
