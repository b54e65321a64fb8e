package fs

import (
	"sync"

	"defs"
	"fd"
	"fdops"
	"limits"
	"stat"
	"ustr"
	"util"
)

// File data I/O: a file's contents reach the
// disk only through the block cache. Bmap translates file page index to
// device sector; reads and writes copy through the cached block a
// boundary at a time.

/// Iread copies file bytes at off into dst, stopping at EOF.
func Iread(i *Inode_t, dst fdops.Userio_i, off int) (int, defs.Err_t) {
	i.L.Lock()
	defer i.L.Unlock()
	return iread(i, dst, off)
}

func iread(i *Inode_t, dst fdops.Userio_i, off int) (int, defs.Err_t) {
	total := 0
	for dst.Remain() > 0 {
		if off >= i.Size {
			break
		}
		bn := off / BSIZE
		boff := off % BSIZE
		n := BSIZE - boff
		if left := i.Size - off; n > left {
			n = left
		}
		if n > dst.Remain() {
			n = dst.Remain()
		}
		sector, err := i.Sb.Iops.Bmap(i, bn, false)
		if err != 0 {
			return total, err
		}
		var wrote int
		var werr defs.Err_t
		if sector < 0 {
			// hole: reads as zeroes
			wrote, werr = dst.Uiowrite(make([]uint8, n))
		} else {
			b := Block_getlock(i.Sb.Dev, sector)
			if b.flags&B_VALID == 0 {
				Block_fill(b)
			}
			wrote, werr = dst.Uiowrite(b.Data[boff : boff+n])
			Block_unlockput(b)
		}
		total += wrote
		off += wrote
		if werr != 0 {
			return total, werr
		}
		if wrote == 0 {
			break
		}
	}
	return total, 0
}

/// IreadLocked is Iread for callers (Iops internals, Readdir) already
/// holding the inode body lock.
func IreadLocked(i *Inode_t, dst fdops.Userio_i, off int) (int, defs.Err_t) {
	return iread(i, dst, off)
}

/// Iwrite copies bytes from src into the file at off, extending the
/// size and marking the inode dirty.
func Iwrite(i *Inode_t, src fdops.Userio_i, off int) (int, defs.Err_t) {
	i.L.Lock()
	defer i.L.Unlock()
	return iwrite(i, src, off)
}

/// IwriteLocked is Iwrite for callers already holding the body lock.
func IwriteLocked(i *Inode_t, src fdops.Userio_i, off int) (int, defs.Err_t) {
	return iwrite(i, src, off)
}

func iwrite(i *Inode_t, src fdops.Userio_i, off int) (int, defs.Err_t) {
	total := 0
	for src.Remain() > 0 {
		bn := off / BSIZE
		boff := off % BSIZE
		n := util.Min(BSIZE-boff, src.Remain())
		sector, err := i.Sb.Iops.Bmap(i, bn, true)
		if err != 0 {
			return total, err
		}
		b := Block_getlock(i.Sb.Dev, sector)
		if b.flags&B_VALID == 0 && (boff != 0 || n != BSIZE) {
			// partial overwrite of an unread block: fill first
			Block_fill(b)
		}
		read, rerr := src.Uioread(b.Data[boff : boff+n])
		if read > 0 {
			Block_mark_dirty(b)
		}
		Block_submit(b)
		Block_put(b)
		total += read
		off += read
		if off > i.Size {
			i.Size = off
			i.SetDirty()
		}
		if rerr != 0 {
			return total, rerr
		}
		if read == 0 {
			break
		}
	}
	if total > 0 {
		i.SetDirty()
	}
	return total, 0
}

/// Block_fill reads a locked, not-yet-VALID block from its device and
/// waits for the data to arrive.
func Block_fill(b *Block_t) {
	Block_submit(b)
	Block_wait_for_sync(b)
	Block_lock(b)
}

/// File_t is an open-file handle: inode, offset, access
/// flags and a reference count shared by dup'd descriptors.
type File_t struct {
	Inode *Inode_t

	mu  sync.Mutex
	off int

	Readable bool
	Writable bool
	Append   bool
	Nonblock bool

	refs int
}

/// MkFile wraps a referenced inode in a File_t with one reference.
func MkFile(i *Inode_t, readable, writable bool) *File_t {
	return &File_t{Inode: i, Readable: readable, Writable: writable, refs: 1}
}

/// Reopen adds a handle reference (dup/fork).
func (f *File_t) Reopen() defs.Err_t {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return 0
}

/// Close drops one reference; the last one releases the inode.
func (f *File_t) Close() defs.Err_t {
	f.mu.Lock()
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()
	if !last {
		return 0
	}
	if f.Inode != nil {
		if f.Inode.Pipe != nil {
			f.Inode.Pipe.release(f.Writable)
		}
		Inode_put(f.Inode)
	}
	limits.Syslimit.Ofiles.Give()
	return 0
}

func (f *File_t) Fstat(dst fdops.StatDst_i) defs.Err_t {
	istatDst(f.Inode, dst)
	return 0
}

func (f *File_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if !f.Readable {
		return 0, -defs.EBADF
	}
	if f.Inode.Pipe != nil {
		return f.Inode.Pipe.read(dst)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := Iread(f.Inode, dst, f.off)
	f.off += n
	return n, err
}

func (f *File_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if !f.Writable {
		return 0, -defs.EBADF
	}
	if f.Inode.Pipe != nil {
		return f.Inode.Pipe.write(src)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Append {
		f.Inode.L.Lock()
		f.off = f.Inode.Size
		f.Inode.L.Unlock()
	}
	n, err := Iwrite(f.Inode, src, f.off)
	f.off += n
	return n, err
}

func (f *File_t) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	if !f.Readable {
		return 0, -defs.EBADF
	}
	return Iread(f.Inode, dst, offset)
}

func (f *File_t) Lseek(off, whence int) (int, defs.Err_t) {
	if f.Inode.Pipe != nil {
		return 0, -defs.ESPIPE
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int
	switch whence {
	case defs.SEEK_SET:
		base = 0
	case defs.SEEK_CUR:
		base = f.off
	case defs.SEEK_END:
		f.Inode.L.Lock()
		base = f.Inode.Size
		f.Inode.L.Unlock()
	default:
		return 0, -defs.EINVAL
	}
	n := base + off
	if n < 0 {
		return 0, -defs.EINVAL
	}
	f.off = n
	return n, 0
}

// Dirent copy-out layout for read_dent: a fixed 64-byte record of
// inode number, name length and NUL-terminated name, one entry per
// call.
const DIRENT_SZ = 64
const direntNameMax = DIRENT_SZ - 10 // 8-byte inode, length byte, NUL

func (f *File_t) Readdir(dst fdops.Userio_i) (int, defs.Err_t) {
	if !f.Inode.IsDir() {
		return 0, -defs.ENOTDIR
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inode.L.Lock()
	de, next, done, err := f.Inode.Sb.Iops.Readdir(f.Inode, f.off)
	f.Inode.L.Unlock()
	if err != 0 {
		return 0, err
	}
	if done {
		return 0, 0
	}
	var rec [DIRENT_SZ]uint8
	util.Writen(rec[:], 8, 0, int(de.Inum))
	name := de.Name
	if len(name) > direntNameMax {
		name = name[:direntNameMax]
	}
	rec[8] = uint8(len(name))
	copy(rec[9:], name)
	n, werr := dst.Uiowrite(rec[:])
	if werr != 0 {
		return n, werr
	}
	f.off = next
	return n, 0
}

func (f *File_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (f *File_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	if f.Inode.Pipe != nil {
		return f.Inode.Pipe.poll(pm, f.Readable)
	}
	// regular files and directories never block
	return pm.Events & (fdops.POLLIN | fdops.POLLOUT), 0
}

// chardevs maps char-device majors to fops constructors; drivers
// register at boot (the line-discipline tty, console, null).
var chardevs = struct {
	mu    sync.Mutex
	table map[int]func(minor int) (fdops.Fdops_i, defs.Err_t)
}{table: make(map[int]func(int) (fdops.Fdops_i, defs.Err_t))}

/// RegisterChardev installs the open hook for a char-device major.
func RegisterChardev(major int, open func(minor int) (fdops.Fdops_i, defs.Err_t)) {
	chardevs.mu.Lock()
	defer chardevs.mu.Unlock()
	chardevs.table[major] = open
}

// blockdevs maps (major, minor) to registered block devices so device
// inodes can open them.
var blockdevs = struct {
	mu    sync.Mutex
	table map[uint]*BlockDev_t
}{table: make(map[uint]*BlockDev_t)}

/// RegisterBlockdev makes bd reachable from device inodes.
func RegisterBlockdev(bd *BlockDev_t) {
	blockdevs.mu.Lock()
	defer blockdevs.mu.Unlock()
	blockdevs.table[defs.Mkdev(bd.Major, bd.Minor)] = bd
}

/// LookupBlockdev finds a registered block device.
func LookupBlockdev(major, minor int) (*BlockDev_t, bool) {
	blockdevs.mu.Lock()
	defer blockdevs.mu.Unlock()
	bd, ok := blockdevs.table[defs.Mkdev(major, minor)]
	return bd, ok
}

// devFops opens the device behind a device-special inode.
func devFops(i *Inode_t) (fdops.Fdops_i, defs.Err_t) {
	switch i.Mode & stat.S_IFMT {
	case stat.S_IFBLK:
		bd, ok := LookupBlockdev(i.Major, i.Minor)
		if !ok {
			return nil, -defs.ENXIO
		}
		bd.Open()
		return &BlockFile_t{Bdev: bd}, 0
	case stat.S_IFCHR:
		chardevs.mu.Lock()
		open, ok := chardevs.table[i.Major]
		chardevs.mu.Unlock()
		if !ok {
			return nil, -defs.ENXIO
		}
		return open(i.Minor)
	}
	return nil, -defs.ENXIO
}

/// Ucred_t is the caller's credential snapshot for VFS permission
/// checks; built by the syscall layer from the task's credentials.
type Ucred_t struct {
	Uid, Euid int
	Gid, Egid int
	Groups    []int
}

/// Root reports effective-uid 0.
func (c *Ucred_t) Root() bool { return c.Euid == 0 }

/// Ingroup reports whether gid is among the caller's groups.
func (c *Ucred_t) Ingroup(gid int) bool {
	if gid == c.Gid || gid == c.Egid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

/// Fs_open_inode opens a referenced inode into an Fd_t; the common tail
/// of Fs_open also used when an inode is already in hand (exec, cwd).
func Fs_open_inode(i *Inode_t, flags int) (*fd.Fd_t, defs.Err_t) {
	readable := flags&int(defs.O_WRONLY) == 0
	writable := flags&int(defs.O_WRONLY) != 0 || flags&int(defs.O_RDWR) != 0
	var fops fdops.Fdops_i
	if i.OpenHook != nil {
		hops, err := i.OpenHook()
		if err != 0 {
			Inode_put(i)
			return nil, err
		}
		Inode_put(i)
		perms := fd.FD_READ
		if flags&int(defs.O_CLOEXEC) != 0 {
			perms |= fd.FD_CLOEXEC
		}
		return &fd.Fd_t{Fops: hops, Perms: perms}, 0
	}
	switch i.Mode & stat.S_IFMT {
	case stat.S_IFBLK, stat.S_IFCHR:
		dops, err := devFops(i)
		if err != 0 {
			Inode_put(i)
			return nil, err
		}
		Inode_put(i)
		fops = dops
	default:
		if !limits.Syslimit.Ofiles.Take() {
			Inode_put(i)
			return nil, -defs.ENFILE
		}
		file := MkFile(i, readable, writable)
		file.Append = flags&int(defs.O_APPEND) != 0
		file.Nonblock = flags&int(defs.O_NONBLOCK) != 0
		if i.Pipe != nil {
			i.Pipe.open(writable)
		}
		fops = file
	}
	perms := 0
	if readable {
		perms |= fd.FD_READ
	}
	if writable {
		perms |= fd.FD_WRITE
	}
	if flags&int(defs.O_CLOEXEC) != 0 {
		perms |= fd.FD_CLOEXEC
	}
	return &fd.Fd_t{Fops: fops, Perms: perms}, 0
}

/// Fs_open implements sys_open's VFS half: resolve, optionally
/// create, enforce type compatibility, open.
func Fs_open(path ustr.Ustr, flags int, mode uint, cwd *Inode_t, cred *Ucred_t, major, minor int) (*fd.Fd_t, defs.Err_t) {
	writable := flags&int(defs.O_WRONLY) != 0 || flags&int(defs.O_RDWR) != 0
	i, err := Namei(cwd, path)
	if err == -defs.ENOENT && flags&int(defs.O_CREAT) != 0 {
		dir, last, perr := NameiParent(cwd, path)
		if perr != 0 {
			return nil, perr
		}
		dir.L.Lock()
		inum, cerr := dir.Sb.Iops.Create(dir, last, stat.S_IFREG|stat.Permbits(mode), major, minor)
		dir.L.Unlock()
		if cerr == 0 {
			i, cerr = Inode_get(dir.Sb, inum)
			if cerr == 0 && cred != nil {
				i.L.Lock()
				i.Uid = cred.Euid
				i.Gid = cred.Egid
				i.SetDirty()
				i.L.Unlock()
			}
		}
		Inode_put(dir)
		if cerr != 0 {
			return nil, cerr
		}
	} else if err != 0 {
		return nil, err
	} else {
		if flags&int(defs.O_CREAT) != 0 && flags&int(defs.O_EXCL) != 0 {
			Inode_put(i)
			return nil, -defs.EEXIST
		}
	}
	if i.IsDir() && writable {
		Inode_put(i)
		return nil, -defs.EISDIR
	}
	if flags&int(defs.O_DIRECTORY) != 0 && !i.IsDir() {
		Inode_put(i)
		return nil, -defs.ENOTDIR
	}
	if flags&int(defs.O_TRUNC) != 0 && writable && i.IsReg() {
		i.L.Lock()
		i.Sb.Iops.Truncate(i, 0)
		i.L.Unlock()
	}
	return Fs_open_inode(i, flags)
}

/// Fs_mknod creates a device-special (or any non-regular) inode at
/// path with the full mode and device numbers given.
func Fs_mknod(path ustr.Ustr, mode uint, major, minor int, cwd *Inode_t) defs.Err_t {
	dir, last, err := NameiParent(cwd, path)
	if err != 0 {
		return err
	}
	dir.L.Lock()
	_, cerr := dir.Sb.Iops.Create(dir, last, mode, major, minor)
	dir.L.Unlock()
	Inode_put(dir)
	return cerr
}

/// Fs_unlink removes path's directory entry; rmdir selects directory
/// semantics (empty check, ENOTEMPTY).
func Fs_unlink(path ustr.Ustr, cwd *Inode_t, rmdir bool) defs.Err_t {
	dir, last, err := NameiParent(cwd, path)
	if err != 0 {
		return err
	}
	if last.Isdot() || last.Isdotdot() {
		Inode_put(dir)
		return -defs.EINVAL
	}
	dir.L.Lock()
	err = dir.Sb.Iops.Unlink(dir, last, rmdir)
	dir.L.Unlock()
	Inode_put(dir)
	return err
}

/// Fs_link makes newpath a hard link to oldpath within one file system.
func Fs_link(oldpath, newpath ustr.Ustr, cwd *Inode_t) defs.Err_t {
	old, err := Namei(cwd, oldpath)
	if err != 0 {
		return err
	}
	if old.IsDir() {
		Inode_put(old)
		return -defs.EPERM
	}
	dir, last, err := NameiParent(cwd, newpath)
	if err != 0 {
		Inode_put(old)
		return err
	}
	if dir.Sb != old.Sb {
		Inode_put(old)
		Inode_put(dir)
		return -defs.EXDEV
	}
	dir.L.Lock()
	err = dir.Sb.Iops.Link(dir, last, old)
	dir.L.Unlock()
	Inode_put(dir)
	Inode_put(old)
	return err
}

/// Fs_rename moves oldpath to newpath within one file system.
func Fs_rename(oldpath, newpath ustr.Ustr, cwd *Inode_t) defs.Err_t {
	odir, oname, err := NameiParent(cwd, oldpath)
	if err != 0 {
		return err
	}
	ndir, nname, err := NameiParent(cwd, newpath)
	if err != 0 {
		Inode_put(odir)
		return err
	}
	if odir.Sb != ndir.Sb {
		Inode_put(odir)
		Inode_put(ndir)
		return -defs.EXDEV
	}
	// lock order by inode number to avoid an ABBA between two renames
	first, second := odir, ndir
	if first != second && first.Inum > second.Inum {
		first, second = second, first
	}
	first.L.Lock()
	if second != first {
		second.L.Lock()
	}
	err = odir.Sb.Iops.Rename(odir, oname, ndir, nname)
	if second != first {
		second.L.Unlock()
	}
	first.L.Unlock()
	Inode_put(odir)
	Inode_put(ndir)
	return err
}

/// Fs_mkdir creates a directory at path.
func Fs_mkdir(path ustr.Ustr, mode uint, cwd *Inode_t, cred *Ucred_t) defs.Err_t {
	dir, last, err := NameiParent(cwd, path)
	if err != 0 {
		return err
	}
	dir.L.Lock()
	inum, err := dir.Sb.Iops.Mkdir(dir, last, stat.S_IFDIR|stat.Permbits(mode))
	dir.L.Unlock()
	if err == 0 && cred != nil {
		if i, gerr := Inode_get(dir.Sb, inum); gerr == 0 {
			i.L.Lock()
			i.Uid = cred.Euid
			i.Gid = cred.Egid
			i.SetDirty()
			i.L.Unlock()
			Inode_put(i)
		}
	}
	Inode_put(dir)
	return err
}

/// Fs_truncate shrinks or grows path's file to size.
func Fs_truncate(path ustr.Ustr, size int, cwd *Inode_t) defs.Err_t {
	i, err := Namei(cwd, path)
	if err != 0 {
		return err
	}
	if i.IsDir() {
		Inode_put(i)
		return -defs.EISDIR
	}
	i.L.Lock()
	err = i.Sb.Iops.Truncate(i, size)
	i.L.Unlock()
	Inode_put(i)
	return err
}

/// Fs_chown applies the chown permission model: uid changes need
/// root or no-op; gid changes need ownership plus group membership;
/// both always clear the set-id bits.
func Fs_chown(i *Inode_t, uid, gid int, cred *Ucred_t) defs.Err_t {
	i.L.Lock()
	defer i.L.Unlock()
	if !cred.Root() {
		if uid >= 0 && uid != i.Uid {
			return -defs.EPERM
		}
		if uid >= 0 && cred.Euid != i.Uid {
			return -defs.EPERM
		}
		if gid >= 0 {
			if cred.Euid != i.Uid {
				return -defs.EPERM
			}
			if !cred.Ingroup(gid) {
				return -defs.EPERM
			}
		}
	}
	if uid >= 0 {
		i.Uid = uid
	}
	if gid >= 0 {
		i.Gid = gid
	}
	i.Mode &^= stat.S_ISUID | stat.S_ISGID
	i.SetDirty()
	return 0
}

/// Fs_chmod applies the chmod permission model: owner or root;
/// S_ISGID is stripped when the caller is not in the file's group.
func Fs_chmod(i *Inode_t, mode uint, cred *Ucred_t) defs.Err_t {
	i.L.Lock()
	defer i.L.Unlock()
	if !cred.Root() && cred.Euid != i.Uid {
		return -defs.EPERM
	}
	req := stat.Permbits(mode)
	if !cred.Root() && !cred.Ingroup(i.Gid) {
		req &^= stat.S_ISGID
	}
	i.Mode = i.Mode&stat.S_IFMT | req
	i.SetDirty()
	return 0
}
