package fs

import (
	"sync"

	"circbuf"
	"defs"
	"fd"
	"fdops"
	"limits"
	"mem"
	"stat"
	"ustr"
	"waitq"
)

// Pipes are FIFO inodes on pipefs, a nodev file system whose anonymous
// device exists only to give pipe inodes a (sb, ino) identity. Reads and writes never block at this layer: a
// would-block condition returns EAGAIN and the syscall layer sleeps on
// the queues exposed through Poll, keeping the blocking loop -- and its
// signal handling -- in task context.

/// Pipe_t is the FIFO state hung off a pipe inode.
type Pipe_t struct {
	mu      sync.Mutex
	cbuf    circbuf.Circbuf_t
	readers int
	writers int

	// q wakes both directions and feeds poll tables; all waiters
	// re-check their own condition.
	q waitq.Queue_t
}

func (p *Pipe_t) open(writer bool) {
	p.mu.Lock()
	if writer {
		p.writers++
	} else {
		p.readers++
	}
	p.mu.Unlock()
	p.q.Wakeall()
}

func (p *Pipe_t) release(writer bool) {
	p.mu.Lock()
	if writer {
		p.writers--
	} else {
		p.readers--
	}
	drained := p.readers == 0 && p.writers == 0
	if drained {
		p.cbuf.Cb_release()
	}
	p.mu.Unlock()
	p.q.Wakeall()
	if drained {
		limits.Syslimit.Pipes.Give()
	}
}

// read copies buffered bytes out. Empty pipe: 0 at EOF (no writers),
// EAGAIN otherwise.
func (p *Pipe_t) read(dst fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cbuf.Used() == 0 {
		if p.writers == 0 {
			return 0, 0
		}
		return 0, -defs.EAGAIN
	}
	n, err := p.cbuf.Copyout(dst)
	if n > 0 {
		p.q.Wakeall()
	}
	return n, err
}

// write copies bytes in. No readers: EPIPE (the syscall layer raises
// SIGPIPE). Full: EAGAIN for whatever tail did not fit.
func (p *Pipe_t) write(src fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers == 0 {
		return 0, -defs.EPIPE
	}
	if err := p.cbuf.Cb_ensure(); err != 0 {
		return 0, err
	}
	if p.cbuf.Left() == 0 {
		return 0, -defs.EAGAIN
	}
	n, err := p.cbuf.Copyin(src)
	if n > 0 {
		p.q.Wakeall()
	}
	if err == 0 && src.Remain() > 0 {
		// partial write: the caller decides whether to loop
		err = -defs.EAGAIN
	}
	return n, err
}

func (p *Pipe_t) poll(pm fdops.Pollmsg_t, reader bool) (fdops.Ready_t, defs.Err_t) {
	p.mu.Lock()
	var r fdops.Ready_t
	if reader {
		if p.cbuf.Used() > 0 {
			r |= fdops.POLLIN
		}
		if p.writers == 0 {
			r |= fdops.POLLHUP
		}
	} else {
		if p.readers == 0 {
			r |= fdops.POLLERR
		} else if p.cbuf.Left() > 0 || p.cbuf.Bufsz() == 0 {
			r |= fdops.POLLOUT
		}
	}
	p.mu.Unlock()
	r &= pm.Events | fdops.POLLHUP | fdops.POLLERR
	if r == 0 {
		pm.Addqueue(&p.q)
	}
	return r, 0
}

/// Waitq exposes the pipe's wait queue for the syscall layer's blocking
/// loops.
func (p *Pipe_t) Waitq() *waitq.Queue_t { return &p.q }

// pipefs: the nodev file system backing pipe inodes. Bodies live
// entirely in memory; there is nothing to read or write back.
type pipefsOps struct{}

func (pipefsOps) SbWrite(sb *Superblock_t) defs.Err_t { return 0 }
func (pipefsOps) SbPut(sb *Superblock_t) defs.Err_t  { return 0 }
func (pipefsOps) InodeAlloc(sb *Superblock_t, inum Inum_t) (*Inode_t, defs.Err_t) {
	return &Inode_t{}, 0
}
func (pipefsOps) InodeDealloc(i *Inode_t)          {}
func (pipefsOps) InodeRead(i *Inode_t) defs.Err_t  { return -defs.ENOENT }
func (pipefsOps) InodeWrite(i *Inode_t) defs.Err_t { return 0 }

// pipefs has no namespace; every inode operation is unsupported.
type pipefsIops struct{ NullIops_t }

// NullIops_t is the all-ENOTSUP inode-ops base other in-memory file
// systems embed and override.
type NullIops_t struct{}

func (NullIops_t) Lookup(dir *Inode_t, name ustr.Ustr) (Inum_t, defs.Err_t) {
	return 0, -defs.ENOTSUP
}
func (NullIops_t) Create(dir *Inode_t, name ustr.Ustr, mode uint, major, minor int) (Inum_t, defs.Err_t) {
	return 0, -defs.ENOTSUP
}
func (NullIops_t) Mkdir(dir *Inode_t, name ustr.Ustr, mode uint) (Inum_t, defs.Err_t) {
	return 0, -defs.ENOTSUP
}
func (NullIops_t) Link(dir *Inode_t, name ustr.Ustr, target *Inode_t) defs.Err_t {
	return -defs.ENOTSUP
}
func (NullIops_t) Unlink(dir *Inode_t, name ustr.Ustr, rmdir bool) defs.Err_t {
	return -defs.ENOTSUP
}
func (NullIops_t) Rename(odir *Inode_t, oname ustr.Ustr, ndir *Inode_t, nname ustr.Ustr) defs.Err_t {
	return -defs.ENOTSUP
}
func (NullIops_t) Truncate(i *Inode_t, size int) defs.Err_t { return -defs.ENOTSUP }
func (NullIops_t) Bmap(i *Inode_t, bn int, alloc bool) (int, defs.Err_t) {
	return 0, -defs.ENOTSUP
}
func (NullIops_t) Symlink(dir *Inode_t, name ustr.Ustr, target ustr.Ustr) defs.Err_t {
	return -defs.ENOTSUP
}
func (NullIops_t) Readlink(i *Inode_t) (ustr.Ustr, defs.Err_t) { return nil, -defs.ENOTSUP }
func (NullIops_t) Readdir(i *Inode_t, off int) (Dirent_t, int, bool, defs.Err_t) {
	return Dirent_t{}, 0, true, -defs.ENOTSUP
}

var pipefs struct {
	mu       sync.Mutex
	sb       *Superblock_t
	nextinum Inum_t
}

func init() {
	RegisterFs(&Fstype_t{
		Name:  "pipefs",
		Nodev: true,
		ReadSb: func(dev *BlockDev_t) (*Superblock_t, defs.Err_t) {
			return MkSuper(&Superblock_t{Dev: dev, Ops: pipefsOps{}, Iops: pipefsIops{}}), 0
		},
	})
}

func pipefsSb() (*Superblock_t, defs.Err_t) {
	pipefs.mu.Lock()
	defer pipefs.mu.Unlock()
	if pipefs.sb == nil {
		ft := lookupFs("pipefs")
		sb, err := readSbFor(ft, NewAnonDev(), "pipefs")
		if err != 0 {
			return nil, err
		}
		pipefs.sb = sb
		pipefs.nextinum = 1
	}
	return pipefs.sb, 0
}

/// MkPipe creates the two ends of a pipe: read end first.
func MkPipe() (*fd.Fd_t, *fd.Fd_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, nil, -defs.ENFILE
	}
	if !limits.Syslimit.Ofiles.Taken(2) {
		limits.Syslimit.Pipes.Give()
		return nil, nil, -defs.ENFILE
	}
	sb, err := pipefsSb()
	if err != 0 {
		limits.Syslimit.Ofiles.Given(2)
		limits.Syslimit.Pipes.Give()
		return nil, nil, err
	}
	pipefs.mu.Lock()
	inum := pipefs.nextinum
	pipefs.nextinum++
	pipefs.mu.Unlock()
	i, err := Inode_get_invalid(sb, inum)
	if err != 0 {
		limits.Syslimit.Ofiles.Given(2)
		limits.Syslimit.Pipes.Give()
		return nil, nil, err
	}
	p := &Pipe_t{}
	p.cbuf.Cb_init(mem.PGSIZE, mem.Physmem)
	i.Mode = stat.S_IFIFO | 0600
	i.Links = 0 // freed when the last handle drops
	i.Pipe = p
	i.MarkValid()

	rf := MkFile(i, true, false)
	i.Refup()
	wf := MkFile(i, false, true)
	p.open(false)
	p.open(true)

	rfd := &fd.Fd_t{Fops: rf, Perms: fd.FD_READ}
	wfd := &fd.Fd_t{Fops: wf, Perms: fd.FD_WRITE}
	return rfd, wfd, 0
}
