package sys

import (
	"time"

	"defs"
	"fs"
	"loader"
	"proc"
	"ustr"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Fork needs the child's continuation: with no CPU to re-run loaded
// text, the simulated "user program" is a Go function, and the syscall
// layer carries it alongside the trap frame.
var forkChild func(*proc.Task_t)

/// SetForkChild stages the continuation that the next sys_fork, from any
/// task, starts the child with; the test harness's stand-in for
/// the trap-frame copy a real fork performs.
func SetForkChild(body func(*proc.Task_t)) {
	forkChild = body
}

func sys_fork(t *proc.Task_t, tf *Tf_t) int {
	body := forkChild
	forkChild = nil
	if body == nil {
		body = func(*proc.Task_t) {}
	}
	// no child frame is built: the child runs body, which stands in
	// for the path on which fork() returns 0
	pid, err := t.Fork(body)
	if err != 0 {
		return int(err)
	}
	return int(pid)
}

/// Fork is the kernel-internal form used by Begin-style callers: fork t
/// with childBody as the child's program.
func Fork(t *proc.Task_t, childBody func(*proc.Task_t)) (defs.Pid_t, defs.Err_t) {
	return t.Fork(childBody)
}

func sys_getpid(t *proc.Task_t, tf *Tf_t) int  { return int(t.Pid) }
func sys_getppid(t *proc.Task_t, tf *Tf_t) int { return int(t.Ppid()) }

func sys_setsid(t *proc.Task_t, tf *Tf_t) int {
	sid, err := t.Setsid()
	if err != 0 {
		return int(err)
	}
	return int(sid)
}

func sys_getsid(t *proc.Task_t, tf *Tf_t) int {
	sid, err := t.Getsid(defs.Pid_t(tf.Arg(0)))
	if err != 0 {
		return int(err)
	}
	return int(sid)
}

func sys_setpgid(t *proc.Task_t, tf *Tf_t) int {
	return int(t.Setpgid(defs.Pid_t(tf.Arg(0)), defs.Pid_t(tf.Arg(1))))
}

func sys_getpgrp(t *proc.Task_t, tf *Tf_t) int { return int(t.Getpgrp()) }

func sys_exit(t *proc.Task_t, tf *Tf_t) int {
	t.Exit(tf.Arg(0))
	panic("exit returned")
}

func waitCommon(t *proc.Task_t, tf *Tf_t, pid defs.Pid_t, statusva, options int) int {
	cpid, status, err := t.Wait(pid, options)
	if err != 0 {
		return int(err)
	}
	if cpid != 0 && statusva != 0 {
		if werr := t.Vm.Userwriten(statusva, 4, status); werr != 0 {
			return int(werr)
		}
	}
	return int(cpid)
}

func sys_wait(t *proc.Task_t, tf *Tf_t) int {
	return waitCommon(t, tf, -1, tf.Arg(0), 0)
}

func sys_waitpid(t *proc.Task_t, tf *Tf_t) int {
	return waitCommon(t, tf, defs.Pid_t(tf.Arg(0)), tf.Arg(1), tf.Arg(2))
}

func sys_brk(t *proc.Task_t, tf *Tf_t) int {
	old, err := t.Vm.Brk(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	_ = old
	return tf.Arg(0)
}

func sys_sbrk(t *proc.Task_t, tf *Tf_t) int {
	old, err := t.Vm.Sbrk(tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	return old
}

// execve's phase 1: copy the argv/envp string tables out of the
// old address space into kernel param strings before any teardown.
func copyUserStrings(t *proc.Task_t, uva int) ([]ustr.Ustr, defs.Err_t) {
	var out []ustr.Ustr
	if uva == 0 {
		return out, 0
	}
	for n := 0; n < 64; n++ {
		p, err := t.Vm.Userreadn(uva+n*4, 4)
		if err != 0 {
			return nil, err
		}
		if p == 0 {
			return out, 0
		}
		s, err := t.Vm.Userstr(p, fs.PATHMAX)
		if err != 0 {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, -defs.E2BIG
}

/// Exec replaces the task's address space with path's image:
/// credentials, pid, ppid, pgid, session, cwd and non-cloexec
/// descriptors all survive; the frame restarts at the new entry point.
func Exec(t *proc.Task_t, tf *Tf_t, path ustr.Ustr, argv, envp []ustr.Ustr) defs.Err_t {
	if t.Cwd != nil {
		path = t.Cwd.Canonicalpath(path)
	}
	efd, err := fs.Fs_open(path, int(defs.O_RDONLY), 0, nil, cred(t), 0, 0)
	if err != 0 {
		return err
	}
	img, err := loader.Load(efd.Fops, argv, envp)
	// Load took its own references for the file-backed regions
	efd.Fops.Close()
	if err != 0 {
		return err
	}
	old := t.Vm
	t.Vm = img.As
	if old != nil {
		old.Uvmfree()
	}
	name := path.String()
	if idx := lastSlash(name); idx >= 0 {
		name = name[idx+1:]
	}
	t.ResetOnExec(name)
	tf[TF_EIP] = img.Entry
	tf[TF_ESP] = img.Sp
	tf[TF_EAX] = 0
	return 0
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func sys_execve(t *proc.Task_t, tf *Tf_t) int {
	path, err := t.Vm.Userstr(tf.Arg(0), fs.PATHMAX)
	if err != 0 {
		return int(err)
	}
	argv, err := copyUserStrings(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	envp, err := copyUserStrings(t, tf.Arg(2))
	if err != 0 {
		return int(err)
	}
	if xerr := Exec(t, tf, path, argv, envp); xerr != 0 {
		return int(xerr)
	}
	return 0
}

func sys_kill(t *proc.Task_t, tf *Tf_t) int {
	return int(proc.SendSignal(t, defs.Pid_t(tf.Arg(0)), tf.Arg(1)))
}

func sys_signal(t *proc.Task_t, tf *Tf_t) int {
	act := &proc.Sigaction_t{Handler: tf.Arg(1)}
	old, err := t.Sigaction(tf.Arg(0), act)
	if err != 0 {
		return int(err)
	}
	return old.Handler
}

// user sigaction record: handler, mask, flags -- three 4-byte words.
const saRestartFlag = 0x10000000

func sys_sigaction(t *proc.Task_t, tf *Tf_t) int {
	sig := tf.Arg(0)
	actva := tf.Arg(1)
	oldva := tf.Arg(2)
	var act *proc.Sigaction_t
	if actva != 0 {
		h, err := t.Vm.Userreadn(actva, 4)
		if err != 0 {
			return int(err)
		}
		m, err := t.Vm.Userreadn(actva+4, 4)
		if err != 0 {
			return int(err)
		}
		flags, err := t.Vm.Userreadn(actva+8, 4)
		if err != 0 {
			return int(err)
		}
		act = &proc.Sigaction_t{
			Handler: h,
			Mask:    proc.Sigset_t(m),
			Restart: flags&saRestartFlag != 0,
		}
	}
	old, serr := t.Sigaction(sig, act)
	if serr != 0 {
		return int(serr)
	}
	if oldva != 0 {
		if err := t.Vm.Userwriten(oldva, 4, old.Handler); err != 0 {
			return int(err)
		}
		if err := t.Vm.Userwriten(oldva+4, 4, int(old.Mask)); err != 0 {
			return int(err)
		}
		flags := 0
		if old.Restart {
			flags = saRestartFlag
		}
		if err := t.Vm.Userwriten(oldva+8, 4, flags); err != 0 {
			return int(err)
		}
	}
	return 0
}

func sys_sigprocmask(t *proc.Task_t, tf *Tf_t) int {
	how := tf.Arg(0)
	setva := tf.Arg(1)
	oldva := tf.Arg(2)
	set := proc.Sigset_t(0)
	if setva != 0 {
		v, err := t.Vm.Userreadn(setva, 4)
		if err != 0 {
			return int(err)
		}
		set = proc.Sigset_t(v)
	} else {
		how = defs.SIG_BLOCK
		set = 0
	}
	old, err := t.Sigprocmask(how, set)
	if err != 0 {
		return int(err)
	}
	if oldva != 0 {
		if werr := t.Vm.Userwriten(oldva, 4, int(old)); werr != 0 {
			return int(werr)
		}
	}
	return 0
}

func sys_sigpending(t *proc.Task_t, tf *Tf_t) int {
	return int(t.Vm.Userwriten(tf.Arg(0), 4, int(t.SigPending())))
}

func sys_sigwait(t *proc.Task_t, tf *Tf_t) int {
	v, err := t.Vm.Userreadn(tf.Arg(0), 4)
	if err != 0 {
		return int(err)
	}
	sig, werr := t.Sigwait(proc.Sigset_t(v))
	if werr != 0 {
		return int(werr)
	}
	if tf.Arg(1) != 0 {
		if err := t.Vm.Userwriten(tf.Arg(1), 4, sig); err != 0 {
			return int(err)
		}
	}
	return 0
}

func sys_sigsuspend(t *proc.Task_t, tf *Tf_t) int {
	v, err := t.Vm.Userreadn(tf.Arg(0), 4)
	if err != 0 {
		return int(err)
	}
	return int(t.Sigsuspend(proc.Sigset_t(v)))
}

func sys_sigreturn(t *proc.Task_t, tf *Tf_t) int {
	t.Sigreturn(proc.Sigset_t(tf.Arg(0)))
	return 0
}

func sys_pause(t *proc.Task_t, tf *Tf_t) int {
	return int(t.Pause())
}

func sys_sleep(t *proc.Task_t, tf *Tf_t) int {
	left, err := t.SleepMSIntr(tf.Arg(0) * 1000)
	if err != 0 {
		// sleep reports the unslept seconds rather than an error
		return (left + 999) / 1000
	}
	return 0
}

func sys_usleep(t *proc.Task_t, tf *Tf_t) int {
	left, err := t.SleepMSIntr(tf.Arg(0) / 1000)
	if err != 0 {
		_ = left
		return int(-defs.EINTR)
	}
	return 0
}

func sys_yield(t *proc.Task_t, tf *Tf_t) int {
	t.Yield()
	return 0
}

/// RebootHook is installed by the kernel glue; sys_reboot calls it after
/// validating the magic numbers.
var RebootHook func(cmd int) int

func sys_reboot(t *proc.Task_t, tf *Tf_t) int {
	if !t.Creds.IsRoot() {
		return int(-defs.EPERM)
	}
	if uint(tf.Arg(0)) != uint(defs.PROTURA_REBOOT_MAGIC1) ||
		tf.Arg(1) != defs.PROTURA_REBOOT_MAGIC2 {
		return int(-defs.EINVAL)
	}
	fs.Fs_sync()
	if RebootHook != nil {
		return RebootHook(tf.Arg(2))
	}
	return 0
}

//
// credentials
//

func sys_getuid(t *proc.Task_t, tf *Tf_t) int  { return t.Creds.Ruid }
func sys_geteuid(t *proc.Task_t, tf *Tf_t) int { return t.Creds.Euid }
func sys_getgid(t *proc.Task_t, tf *Tf_t) int  { return t.Creds.Rgid }
func sys_getegid(t *proc.Task_t, tf *Tf_t) int { return t.Creds.Egid }

func sys_setuid(t *proc.Task_t, tf *Tf_t) int {
	uid := tf.Arg(0)
	c := &t.Creds
	if c.IsRoot() {
		c.Ruid, c.Euid, c.Suid = uid, uid, uid
		return 0
	}
	if uid == c.Ruid || uid == c.Suid {
		c.Euid = uid
		return 0
	}
	return int(-defs.EPERM)
}

func sys_setreuid(t *proc.Task_t, tf *Tf_t) int {
	ruid, euid := tf.Arg(0), tf.Arg(1)
	c := &t.Creds
	root := c.IsRoot()
	if ruid != -1 && !root && ruid != c.Ruid && ruid != c.Euid {
		return int(-defs.EPERM)
	}
	if euid != -1 && !root && euid != c.Ruid && euid != c.Euid && euid != c.Suid {
		return int(-defs.EPERM)
	}
	if ruid != -1 {
		c.Ruid = ruid
	}
	if euid != -1 {
		c.Euid = euid
	}
	if ruid != -1 || (euid != -1 && euid != c.Ruid) {
		c.Suid = c.Euid
	}
	return 0
}

func sys_setresuid(t *proc.Task_t, tf *Tf_t) int {
	r, e, s := tf.Arg(0), tf.Arg(1), tf.Arg(2)
	c := &t.Creds
	root := c.IsRoot()
	ok := func(v int) bool {
		return v == -1 || root || v == c.Ruid || v == c.Euid || v == c.Suid
	}
	if !ok(r) || !ok(e) || !ok(s) {
		return int(-defs.EPERM)
	}
	if r != -1 {
		c.Ruid = r
	}
	if e != -1 {
		c.Euid = e
	}
	if s != -1 {
		c.Suid = s
	}
	return 0
}

func sys_setgid(t *proc.Task_t, tf *Tf_t) int {
	gid := tf.Arg(0)
	c := &t.Creds
	if c.IsRoot() {
		c.Rgid, c.Egid, c.Sgid = gid, gid, gid
		return 0
	}
	if gid == c.Rgid || gid == c.Sgid {
		c.Egid = gid
		return 0
	}
	return int(-defs.EPERM)
}

func sys_setregid(t *proc.Task_t, tf *Tf_t) int {
	rgid, egid := tf.Arg(0), tf.Arg(1)
	c := &t.Creds
	root := c.IsRoot()
	if rgid != -1 && !root && rgid != c.Rgid && rgid != c.Egid {
		return int(-defs.EPERM)
	}
	if egid != -1 && !root && egid != c.Rgid && egid != c.Egid && egid != c.Sgid {
		return int(-defs.EPERM)
	}
	if rgid != -1 {
		c.Rgid = rgid
	}
	if egid != -1 {
		c.Egid = egid
	}
	return 0
}

func sys_setresgid(t *proc.Task_t, tf *Tf_t) int {
	r, e, s := tf.Arg(0), tf.Arg(1), tf.Arg(2)
	c := &t.Creds
	root := c.IsRoot()
	ok := func(v int) bool {
		return v == -1 || root || v == c.Rgid || v == c.Egid || v == c.Sgid
	}
	if !ok(r) || !ok(e) || !ok(s) {
		return int(-defs.EPERM)
	}
	if r != -1 {
		c.Rgid = r
	}
	if e != -1 {
		c.Egid = e
	}
	if s != -1 {
		c.Sgid = s
	}
	return 0
}

const ngroupsMax = 32

func sys_setgroups(t *proc.Task_t, tf *Tf_t) int {
	if !t.Creds.IsRoot() {
		return int(-defs.EPERM)
	}
	n := tf.Arg(0)
	if n < 0 || n > ngroupsMax {
		return int(-defs.EINVAL)
	}
	groups := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := t.Vm.Userreadn(tf.Arg(1)+i*4, 4)
		if err != 0 {
			return int(err)
		}
		groups[i] = v
	}
	t.Creds.Groups = groups
	return 0
}

func sys_getgroups(t *proc.Task_t, tf *Tf_t) int {
	n := tf.Arg(0)
	groups := t.Creds.Groups
	if n == 0 {
		return len(groups)
	}
	if n < len(groups) {
		return int(-defs.EINVAL)
	}
	for i, g := range groups {
		if err := t.Vm.Userwriten(tf.Arg(1)+i*4, 4, g); err != 0 {
			return int(err)
		}
	}
	return len(groups)
}
