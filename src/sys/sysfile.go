package sys

import (
	"sync"

	"defs"
	"fd"
	"fdops"
	"fs"
	"proc"
	"stat"
	"ustr"
	"vm"
	"waitq"
	"workq"
)

// cred snapshots the task's credentials for the VFS permission checks.
func cred(t *proc.Task_t) *fs.Ucred_t {
	return &fs.Ucred_t{
		Uid:    t.Creds.Ruid,
		Euid:   t.Creds.Euid,
		Gid:    t.Creds.Rgid,
		Egid:   t.Creds.Egid,
		Groups: t.Creds.Groups,
	}
}

// pathArg copies a user pathname and canonicalizes it against the cwd.
func pathArg(t *proc.Task_t, uva int) (ustr.Ustr, defs.Err_t) {
	p, err := t.Vm.Userstr(uva, fs.PATHMAX)
	if err != 0 {
		return nil, err
	}
	if len(p) == 0 {
		return nil, -defs.ENOENT
	}
	if t.Cwd != nil {
		return t.Cwd.Canonicalpath(p), 0
	}
	return p, 0
}

func sys_open(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	flags := tf.Arg(1)
	mode := uint(tf.Arg(2)) &^ uint(t.Umask)
	nfd, err := fs.Fs_open(path, flags, mode, nil, cred(t), 0, 0)
	if err != 0 {
		return int(err)
	}
	fdn, err := t.Fds.Insert(nfd, 0)
	if err != 0 {
		nfd.Fops.Close()
		return int(err)
	}
	return fdn
}

func sys_close(t *proc.Task_t, tf *Tf_t) int {
	return int(t.Fds.Close(tf.Arg(0)))
}

// waitReady blocks interruptibly until fops reports one of events (or an
// error/hangup condition); the poll-table registration is torn down on
// every return path.
func waitReady(t *proc.Task_t, fops fdops.Fdops_i, events fdops.Ready_t) defs.Err_t {
	var mu sync.Mutex
	var fired bool
	var evq waitq.Queue_t
	tbl := fdops.NewPolltable(func() {
		mu.Lock()
		fired = true
		mu.Unlock()
		evq.Wakeall()
	})
	defer tbl.Unregister()
	pm := fdops.Mkpollmsg(tbl, events)
	r, perr := fops.Poll(pm)
	if perr != 0 {
		return perr
	}
	if r != 0 {
		return 0
	}
	return t.WaitqEventIntr(&evq, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	})
}

// nonblocking reports whether the open file has O_NONBLOCK set; only
// regular VFS files carry the flag.
func nonblocking(f *fd.Fd_t) bool {
	if file, ok := f.Fops.(*fs.File_t); ok {
		return file.Nonblock
	}
	return false
}

func sys_read(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	if f.Perms&fd.FD_READ == 0 {
		return int(-defs.EBADF)
	}
	sz := tf.Arg(2)
	if cerr := t.Vm.UserCheckRegion(tf.Arg(1), sz, vm.PTE_W); cerr != 0 {
		return int(cerr)
	}
	for {
		ub := t.Vm.Mkuserbuf(tf.Arg(1), sz)
		n, rerr := f.Fops.Read(ub)
		if rerr != -defs.EAGAIN || nonblocking(f) {
			if rerr != 0 && n == 0 {
				return int(rerr)
			}
			return n
		}
		if werr := waitReady(t, f.Fops, fdops.POLLIN); werr != 0 {
			return int(werr)
		}
	}
}

func sys_write(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	if f.Perms&fd.FD_WRITE == 0 {
		return int(-defs.EBADF)
	}
	sz := tf.Arg(2)
	if cerr := t.Vm.UserCheckRegion(tf.Arg(1), sz, 0); cerr != 0 {
		return int(cerr)
	}
	wrote := 0
	for {
		ub := t.Vm.Mkuserbuf(tf.Arg(1)+wrote, sz-wrote)
		n, werr := f.Fops.Write(ub)
		wrote += n
		if werr == -defs.EPIPE {
			// no readers left: SIGPIPE accompanies EPIPE
			proc.SendSignal(t, t.Pid, defs.SIGPIPE)
			return int(-defs.EPIPE)
		}
		if werr != -defs.EAGAIN || nonblocking(f) {
			if werr != 0 && wrote == 0 {
				return int(werr)
			}
			return wrote
		}
		if wrote == sz {
			return wrote
		}
		if serr := waitReady(t, f.Fops, fdops.POLLOUT); serr != 0 {
			if wrote > 0 {
				return wrote
			}
			return int(serr)
		}
	}
}

func sys_lseek(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	n, err := f.Fops.Lseek(tf.Arg(1), tf.Arg(2))
	if err != 0 {
		return int(err)
	}
	return n
}

func sys_pipe(t *proc.Task_t, tf *Tf_t) int {
	rfd, wfd, err := fs.MkPipe()
	if err != 0 {
		return int(err)
	}
	rn, err := t.Fds.Insert(rfd, 0)
	if err != 0 {
		rfd.Fops.Close()
		wfd.Fops.Close()
		return int(err)
	}
	wn, err := t.Fds.Insert(wfd, 0)
	if err != 0 {
		t.Fds.Close(rn)
		wfd.Fops.Close()
		return int(err)
	}
	// store the two descriptors through the user pointer
	if werr := t.Vm.Userwriten(tf.Arg(0), 4, rn); werr != 0 {
		t.Fds.Close(rn)
		t.Fds.Close(wn)
		return int(werr)
	}
	if werr := t.Vm.Userwriten(tf.Arg(0)+4, 4, wn); werr != 0 {
		t.Fds.Close(rn)
		t.Fds.Close(wn)
		return int(werr)
	}
	return 0
}

func sys_dup(t *proc.Task_t, tf *Tf_t) int {
	n, err := t.Fds.Dup(tf.Arg(0), 0)
	if err != 0 {
		return int(err)
	}
	return n
}

func sys_dup2(t *proc.Task_t, tf *Tf_t) int {
	n, err := t.Fds.Dup2(tf.Arg(0), tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	return n
}

func sys_read_dent(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	ub := t.Vm.Mkuserbuf(tf.Arg(1), fs.DIRENT_SZ)
	n, rerr := f.Fops.Readdir(ub)
	if rerr != 0 {
		return int(rerr)
	}
	return n
}

func sys_chdir(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	nfd, err := fs.Fs_open(path, int(defs.O_RDONLY)|int(defs.O_DIRECTORY), 0, nil, cred(t), 0, 0)
	if err != 0 {
		return int(err)
	}
	t.Cwd.Lock()
	old := t.Cwd.Fd
	t.Cwd.Fd = nfd
	t.Cwd.Path = path
	t.Cwd.Unlock()
	if old != nil {
		old.Fops.Close()
	}
	return 0
}

func sys_truncate(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	if tf.Arg(1) < 0 {
		return int(-defs.EINVAL)
	}
	return int(fs.Fs_truncate(path, tf.Arg(1), nil))
}

func sys_ftruncate(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	if tf.Arg(1) < 0 {
		return int(-defs.EINVAL)
	}
	file, ok := f.Fops.(*fs.File_t)
	if !ok {
		return int(-defs.EINVAL)
	}
	if !file.Writable {
		return int(-defs.EBADF)
	}
	i := file.Inode
	i.L.Lock()
	terr := i.Sb.Iops.Truncate(i, tf.Arg(1))
	i.L.Unlock()
	return int(terr)
}

func sys_link(t *proc.Task_t, tf *Tf_t) int {
	oldp, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	newp, err := pathArg(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	return int(fs.Fs_link(oldp, newp, nil))
}

func sys_unlink(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	return int(fs.Fs_unlink(path, nil, false))
}

func sys_mkdir(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	mode := uint(tf.Arg(1)) &^ uint(t.Umask)
	return int(fs.Fs_mkdir(path, mode, nil, cred(t)))
}

func sys_rmdir(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	return int(fs.Fs_unlink(path, nil, true))
}

func sys_rename(t *proc.Task_t, tf *Tf_t) int {
	oldp, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	newp, err := pathArg(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	return int(fs.Fs_rename(oldp, newp, nil))
}

func sys_symlink(t *proc.Task_t, tf *Tf_t) int {
	target, err := t.Vm.Userstr(tf.Arg(0), fs.PATHMAX)
	if err != 0 {
		return int(err)
	}
	path, err := pathArg(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	dir, last, err := fs.NameiParent(nil, path)
	if err != 0 {
		return int(err)
	}
	dir.L.Lock()
	serr := dir.Sb.Iops.Symlink(dir, last, target)
	dir.L.Unlock()
	fs.Inode_put(dir)
	return int(serr)
}

func sys_readlink(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	i, err := fs.NameiNofollow(nil, path)
	if err != 0 {
		return int(err)
	}
	if i.Mode&stat.S_IFMT != stat.S_IFLNK {
		fs.Inode_put(i)
		return int(-defs.EINVAL)
	}
	i.L.Lock()
	target, rerr := i.Sb.Iops.Readlink(i)
	i.L.Unlock()
	fs.Inode_put(i)
	if rerr != 0 {
		return int(rerr)
	}
	n := len(target)
	if n > tf.Arg(2) {
		n = tf.Arg(2)
	}
	if werr := t.Vm.K2user(target[:n], tf.Arg(1)); werr != 0 {
		return int(werr)
	}
	return n
}

func statCommon(t *proc.Task_t, i *fs.Inode_t, dstva int) int {
	st := &stat.Stat_t{}
	fs.Istat(i, st)
	if err := t.Vm.K2user(st.Bytes(), dstva); err != 0 {
		return int(err)
	}
	return 0
}

func sys_stat(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	i, err := fs.Namei(nil, path)
	if err != 0 {
		return int(err)
	}
	r := statCommon(t, i, tf.Arg(1))
	fs.Inode_put(i)
	return r
}

func sys_fstat(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	st := &stat.Stat_t{}
	if serr := f.Fops.Fstat(st); serr != 0 {
		return int(serr)
	}
	if werr := t.Vm.K2user(st.Bytes(), tf.Arg(1)); werr != 0 {
		return int(werr)
	}
	return 0
}

func sys_sync(t *proc.Task_t, tf *Tf_t) int {
	return int(fs.Fs_sync())
}

func sys_chmod(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	i, err := fs.Namei(nil, path)
	if err != 0 {
		return int(err)
	}
	r := fs.Fs_chmod(i, uint(tf.Arg(1)), cred(t))
	fs.Inode_put(i)
	return int(r)
}

func sys_chown(t *proc.Task_t, tf *Tf_t) int {
	path, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	i, err := fs.Namei(nil, path)
	if err != 0 {
		return int(err)
	}
	r := fs.Fs_chown(i, tf.Arg(1), tf.Arg(2), cred(t))
	fs.Inode_put(i)
	return int(r)
}

func sys_umask(t *proc.Task_t, tf *Tf_t) int {
	old := t.Umask
	t.Umask = tf.Arg(0) & 0777
	return old
}

/// Taskioctl_i is implemented by file ops whose ioctls need the calling
/// task (to copy structures across the user boundary or check session
/// membership); sys_ioctl prefers it over the plain Ioctl entry.
type Taskioctl_i interface {
	Ioctltask(t *proc.Task_t, cmd, arg int) (int, defs.Err_t)
}

func sys_ioctl(t *proc.Task_t, tf *Tf_t) int {
	f, err := t.Fds.Get(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	var n int
	var ierr defs.Err_t
	if ti, ok := f.Fops.(Taskioctl_i); ok {
		n, ierr = ti.Ioctltask(t, tf.Arg(1), tf.Arg(2))
	} else {
		n, ierr = f.Fops.Ioctl(tf.Arg(1), tf.Arg(2))
	}
	if ierr != 0 {
		return int(ierr)
	}
	return n
}

func sys_mount(t *proc.Task_t, tf *Tf_t) int {
	if !t.Creds.IsRoot() {
		return int(-defs.EPERM)
	}
	srcp, err := pathArg(t, tf.Arg(0))
	if err != 0 && err != -defs.ENOENT {
		return int(err)
	}
	targetp, err := pathArg(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	fstype, err := t.Vm.Userstr(tf.Arg(2), 64)
	if err != 0 {
		return int(err)
	}
	covered, err := fs.Namei(nil, targetp)
	if err != 0 {
		return int(err)
	}
	// a device-backed type names its block device by path
	var bdev *fs.BlockDev_t
	if len(srcp) > 0 {
		if di, derr := fs.Namei(nil, srcp); derr == 0 {
			if di.Mode&stat.S_IFMT == stat.S_IFBLK {
				bdev, _ = fs.LookupBlockdev(di.Major, di.Minor)
			}
			fs.Inode_put(di)
		}
	}
	merr := fs.Vfs_mount(covered, fstype.String(), srcp.String(), bdev, targetp)
	if merr != 0 {
		fs.Inode_put(covered)
		return int(merr)
	}
	// the mount entry now owns the covered reference we resolved
	fs.Inode_put(covered)
	return 0
}

func sys_umount(t *proc.Task_t, tf *Tf_t) int {
	if !t.Creds.IsRoot() {
		return int(-defs.EPERM)
	}
	targetp, err := pathArg(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	i, err := fs.Namei(nil, targetp)
	if err != 0 {
		return int(err)
	}
	sb := i.Sb
	isRoot := i.Inum == sb.Root
	fs.Inode_put(i)
	if !isRoot {
		return int(-defs.EINVAL)
	}
	return int(fs.Vfs_umount(sb))
}

// pollfd records are 8 bytes in user memory: fd, events, revents.
const pollfdSz = 8

func sys_poll(t *proc.Task_t, tf *Tf_t) int {
	arr := tf.Arg(0)
	nfds := tf.Arg(1)
	timeoutMs := tf.Arg(2)
	if nfds < 0 || nfds > fd.NOFILE {
		return int(-defs.EINVAL)
	}

	var mu sync.Mutex
	fired := false
	var evq waitq.Queue_t
	wake := func() {
		mu.Lock()
		fired = true
		mu.Unlock()
		evq.Wakeall()
	}

	var tm *workq.Timer_t
	timedout := false
	if timeoutMs >= 0 {
		tm = workq.AfterFunc(msDuration(timeoutMs), func() {
			mu.Lock()
			timedout = true
			mu.Unlock()
			wake()
		})
		defer workq.Del(tm)
	}

	for {
		tbl := fdops.NewPolltable(wake)
		ready := 0
		for n := 0; n < nfds; n++ {
			fdn, rerr := t.Vm.Userreadn(arr+n*pollfdSz, 4)
			if rerr != 0 {
				tbl.Unregister()
				return int(rerr)
			}
			events, rerr := t.Vm.Userreadn(arr+n*pollfdSz+4, 2)
			if rerr != 0 {
				tbl.Unregister()
				return int(rerr)
			}
			var revents fdops.Ready_t
			f, ferr := t.Fds.Get(fdn)
			if ferr != 0 {
				revents = fdops.POLLNVAL
			} else {
				pm := fdops.Mkpollmsg(tbl, fdops.Ready_t(events))
				r, perr := f.Fops.Poll(pm)
				if perr != 0 {
					tbl.Unregister()
					return int(perr)
				}
				revents = r
			}
			if werr := t.Vm.Userwriten(arr+n*pollfdSz+6, 2, int(revents)); werr != 0 {
				tbl.Unregister()
				return int(werr)
			}
			if revents != 0 {
				ready++
			}
		}
		if ready > 0 {
			tbl.Unregister()
			return ready
		}
		mu.Lock()
		expired := timedout
		mu.Unlock()
		if expired || timeoutMs == 0 {
			tbl.Unregister()
			return 0
		}
		err := t.WaitqEventIntr(&evq, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return fired
		})
		// the poll table must be unregistered from every queue on
		// every path out of here, including signal delivery
		tbl.Unregister()
		if err != 0 {
			return int(-defs.EINTR)
		}
		mu.Lock()
		fired = false
		mu.Unlock()
	}
}
