// Package proc implements the task abstraction and the scheduler's
// visible surface: the task state machine, fork/exit/wait,
// process groups and sessions, and signal delivery.
//
// Tasks run as goroutines. The state field, the global task list and the
// sleep/wake protocol exist on top of that: the Go runtime stands in for
// the context-switch and ready-list rotation a real CPU would need, and
// every *observable* contract -- the SLEEPING/INTR_SLEEPING/ZOMBIE/DEAD
// lifecycle, lost-wakeup-free sleeps, zombie reaping, orphan adoption by
// PID 1, session-leader tty clearing -- is implemented here, not
// delegated to the runtime.
package proc

import (
	"runtime"
	"sync"

	"accnt"
	"defs"
	"fd"
	"limits"
	"tinfo"
	"ustr"
	"vm"
	"waitq"
)

/// State_t is a task's scheduling state.
type State_t int32

const (
	TASK_NONE State_t = iota
	TASK_SLEEPING
	TASK_INTR_SLEEPING
	TASK_RUNNING
	TASK_STOPPED
	TASK_ZOMBIE
	TASK_DEAD
)

/// String renders the state the way /proc/tasks prints it.
func (s State_t) String() string {
	switch s {
	case TASK_NONE:
		return "none"
	case TASK_SLEEPING:
		return "sleep"
	case TASK_INTR_SLEEPING:
		return "isleep"
	case TASK_RUNNING:
		return "run"
	case TASK_STOPPED:
		return "stop"
	case TASK_ZOMBIE:
		return "zombie"
	case TASK_DEAD:
		return "dead"
	}
	return "?"
}

/// Cred_t is a task's credentials: real/effective/saved uid and gid plus
/// the supplementary groups.
type Cred_t struct {
	Ruid, Euid, Suid int
	Rgid, Egid, Sgid int
	Groups           []int
}

/// IsRoot reports whether the effective uid is 0.
func (c *Cred_t) IsRoot() bool { return c.Euid == 0 }

/// InGroup reports whether gid is the real, effective, or a supplementary
/// group of the credential holder.
func (c *Cred_t) InGroup(gid int) bool {
	if gid == c.Rgid || gid == c.Egid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

/// Task_t is one schedulable task. Protura processes are
/// single-threaded, so the task is also the process.
type Task_t struct {
	Pid  defs.Pid_t
	Name string

	// mu protects state, parent/children links, pgid/sid, status and
	// the stop/continue reporting flags. Signal state has its own lock
	// in signal.go; the two are never held together except
	// signal-then-mu.
	mu    sync.Mutex
	state State_t

	Pgid defs.Pid_t
	Sid  defs.Pid_t

	parent   *Task_t
	children []*Task_t

	// status is the encoded wait(2) status once the task stops, is
	// continued, or becomes a zombie. stopPending/contPending gate
	// WUNTRACED/WCONTINUED reporting so each event is reported once.
	status      int
	stopPending bool
	contPending bool

	Vm   *vm.Vm_t
	Fds  *fd.Fdtable_t
	Cwd  *fd.Cwd_t
	Umask int

	sig sigstate_t

	Creds Cred_t

	Tty *Tty_t

	// childq is woken when any child exits, stops or continues; the
	// parent's wait/waitpid sleeps here.
	childq waitq.Queue_t

	Accnt accnt.Accnt_t
	note  tinfo.Tnote_t

	// exited is closed when the task has fully transitioned to ZOMBIE,
	// for kernel-internal joins (tests, umount draining).
	exited chan struct{}
}

// ktasks is the scheduler's global bookkeeping: one lock, one task
// list, one monotonic PID counter.
var ktasks struct {
	mu      sync.Mutex
	all     []*Task_t
	bypid   map[defs.Pid_t]*Task_t
	nextpid defs.Pid_t
	pid1    *Task_t
}

/// Init resets the scheduler's global state. Must run before any task is
/// created, and again between tests that want a pristine PID space.
func Init() {
	ktasks.mu.Lock()
	defer ktasks.mu.Unlock()
	ktasks.all = nil
	ktasks.bypid = make(map[defs.Pid_t]*Task_t)
	ktasks.nextpid = 1
	ktasks.pid1 = nil
}

// nextPid returns a fresh PID. PIDs are never reused during a boot.
func nextPid() defs.Pid_t {
	p := ktasks.nextpid
	ktasks.nextpid++
	return p
}

/// NumTasks reports how many tasks the scheduler currently tracks,
/// including zombies.
func NumTasks() int {
	ktasks.mu.Lock()
	defer ktasks.mu.Unlock()
	return len(ktasks.all)
}

/// AllTasks snapshots the task list for /proc-style iteration.
func AllTasks() []*Task_t {
	ktasks.mu.Lock()
	defer ktasks.mu.Unlock()
	ret := make([]*Task_t, len(ktasks.all))
	copy(ret, ktasks.all)
	return ret
}

/// ByPid returns the task with the given pid, or nil.
func ByPid(pid defs.Pid_t) *Task_t {
	ktasks.mu.Lock()
	defer ktasks.mu.Unlock()
	return ktasks.bypid[pid]
}

/// Pid1 returns the init task, adopter of orphans.
func Pid1() *Task_t { return ktasks.pid1 }

// newTask allocates a task with a fresh PID and inserts it into the
// global list in TASK_NONE state. Caller finishes initialization and
// calls start().
func newTask(name string) *Task_t {
	if !limits.Syslimit.Sysprocs_take() {
		return nil
	}
	ktasks.mu.Lock()
	t := &Task_t{
		Pid:    nextPid(),
		Name:   name,
		state:  TASK_NONE,
		Umask:  0022,
		exited: make(chan struct{}),
	}
	t.Pgid = t.Pid
	t.Sid = t.Pid
	t.sig.init()
	ktasks.all = append(ktasks.all, t)
	ktasks.bypid[t.Pid] = t
	if t.Pid == 1 {
		ktasks.pid1 = t
	}
	ktasks.mu.Unlock()
	return t
}

/// State returns the task's current scheduling state.
func (t *Task_t) State() State_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task_t) setState(s State_t) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

/// SetSleeping moves the task to uninterruptible sleep; pair with Yield
/// and SetRunning per the sleeping idiom.
func (t *Task_t) SetSleeping() { t.setState(TASK_SLEEPING) }

/// SetIntrSleeping moves the task to interruptible sleep.
func (t *Task_t) SetIntrSleeping() { t.setState(TASK_INTR_SLEEPING) }

/// SetRunning marks the task runnable again after a sleep.
func (t *Task_t) SetRunning() { t.setState(TASK_RUNNING) }

/// Wake makes a SLEEPING or INTR_SLEEPING task runnable.
func (t *Task_t) Wake() {
	t.mu.Lock()
	if t.state == TASK_SLEEPING || t.state == TASK_INTR_SLEEPING {
		t.state = TASK_RUNNING
	}
	t.mu.Unlock()
}

// intrWake makes only an INTR_SLEEPING task runnable (signal arrival).
func (t *Task_t) intrWake() {
	t.mu.Lock()
	if t.state == TASK_INTR_SLEEPING {
		t.state = TASK_RUNNING
	}
	t.mu.Unlock()
}

/// Yield cedes the CPU (scheduler_task_yield). With the Go runtime
/// standing in for the ready-list rotation this is a plain
/// reschedule point.
func (t *Task_t) Yield() {
	runtime.Gosched()
}

/// Begin creates the first task of a "boot" (conventionally PID 1) or a
/// kernel thread, and starts body on its own goroutine. The task exits
/// with status 0 if body returns without calling Exit.
func Begin(name string, body func(*Task_t)) *Task_t {
	t := newTask(name)
	if t == nil {
		return nil
	}
	t.Fds = fd.MkFdtable()
	avm := &vm.Vm_t{}
	avm.Init()
	t.Vm = avm
	t.start(body)
	return t
}

// start flips the task RUNNING and launches its goroutine. The body is
// the task's "user program": with no CPU to execute loaded text, the
// simulation's programs are Go functions driving the syscall surface.
func (t *Task_t) start(body func(*Task_t)) {
	t.setState(TASK_RUNNING)
	go func() {
		t.note.Alive = true
		defer func() {
			if r := recover(); r != nil {
				if r != exitSentinel {
					panic(r)
				}
			}
		}()
		body(t)
		// fell off the end of the program
		t.doExit(defs.Mkexitsig(0))
	}()
}

var exitSentinel = new(int)

/// Fork clones the task: copies the open-file table with
/// refcounts bumped, duplicates the cwd reference, snapshots signal
/// state, credentials, umask and close-on-exec bits, deep-copies the
/// address space, and starts the child running childBody -- the
/// continuation that a real fork would reach by returning 0 from the
/// trap frame.
func (t *Task_t) Fork(childBody func(*Task_t)) (defs.Pid_t, defs.Err_t) {
	child := newTask(t.Name)
	if child == nil {
		return 0, -defs.EAGAIN
	}

	t.mu.Lock()
	child.Pgid = t.Pgid
	child.Sid = t.Sid
	child.Tty = t.Tty
	child.Umask = t.Umask
	child.Creds = t.Creds
	child.Creds.Groups = append([]int(nil), t.Creds.Groups...)
	child.parent = t
	t.mu.Unlock()

	child.sig.copyFrom(&t.sig)

	nfds, err := t.Fds.Fork()
	if err != 0 {
		child.abort()
		return 0, err
	}
	child.Fds = nfds

	if t.Cwd != nil {
		ncwd, err := fd.Copyfd(t.Cwd.Fd)
		if err != 0 {
			child.Fds.CloseAll()
			child.abort()
			return 0, err
		}
		child.Cwd = &fd.Cwd_t{Fd: ncwd, Path: ustrCopy(t.Cwd.Path)}
	}

	if t.Vm != nil {
		nvm, err := t.Vm.Fork()
		if err != 0 {
			child.Fds.CloseAll()
			child.abort()
			return 0, err
		}
		child.Vm = nvm
	}

	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()

	child.start(childBody)
	return child.Pid, 0
}

func ustrCopy(p ustr.Ustr) ustr.Ustr {
	return append(ustr.Ustr(nil), p...)
}

// abort removes a half-built task that never ran.
func (t *Task_t) abort() {
	ktasks.mu.Lock()
	defer ktasks.mu.Unlock()
	delete(ktasks.bypid, t.Pid)
	for i, o := range ktasks.all {
		if o == t {
			ktasks.all = append(ktasks.all[:i], ktasks.all[i+1:]...)
			break
		}
	}
	limits.Syslimit.Sysprocs_give()
}

/// Exit terminates the calling task with the given 8-bit exit code. It
/// does not return.
func (t *Task_t) Exit(code int) {
	t.doExit(defs.Mkexitsig(code))
}

// ExitSignaled terminates the task as if killed by sig.
func (t *Task_t) ExitSignaled(sig int) {
	t.doExit(defs.Mktermsig(sig))
}

// doExit releases every resource except the task structure itself:
// files, cwd, address space; reparents children to PID 1;
// moves to ZOMBIE; delivers SIGCHLD; a session leader's exit clears the
// controlling tty from the whole session.
func (t *Task_t) doExit(status int) {
	if t.Fds != nil {
		t.Fds.CloseAll()
	}
	if t.Cwd != nil && t.Cwd.Fd != nil {
		t.Cwd.Fd.Fops.Close()
		t.Cwd = nil
	}
	if t.Vm != nil {
		t.Vm.Uvmfree()
	}

	t.mu.Lock()
	sessionLeader := t.Sid == t.Pid
	tty := t.Tty
	kids := t.children
	t.children = nil
	t.mu.Unlock()

	if sessionLeader && tty != nil {
		ClearSidTty(tty, t.Sid)
	}

	// orphans are adopted by PID 1
	ktasks.mu.Lock()
	p1 := ktasks.pid1
	ktasks.mu.Unlock()
	for _, k := range kids {
		k.mu.Lock()
		k.parent = p1
		k.mu.Unlock()
		if p1 != nil && p1 != t {
			p1.mu.Lock()
			p1.children = append(p1.children, k)
			p1.mu.Unlock()
		}
	}
	if p1 != nil && p1 != t {
		// a dead child may already be waiting to be reaped by us;
		// hand the wakeup on so init's wait loop notices.
		p1.childq.Wakeall()
	}

	t.mu.Lock()
	t.status = status
	t.state = TASK_ZOMBIE
	parent := t.parent
	t.mu.Unlock()

	t.note.Alive = false
	close(t.exited)

	if parent != nil {
		parent.postSignal(defs.SIGCHLD, false)
		parent.childq.Wakeall()
	}

	panic(exitSentinel)
}

/// WaitDone blocks until the task has become a zombie. Kernel-internal
/// (tests and teardown); user-visible waiting goes through Wait.
func (t *Task_t) WaitDone() {
	<-t.exited
}

// matches reports whether child c is selected by the wait(2) pid
// argument: -1 any, >0 exact pid, 0 caller's pgid, <-1 that pgid.
func (t *Task_t) matches(c *Task_t, pid defs.Pid_t) bool {
	switch {
	case pid == -1:
		return true
	case pid > 0:
		return c.Pid == pid
	case pid == 0:
		return c.Pgid == t.Pgid
	default:
		return c.Pgid == -pid
	}
}

/// Wait implements wait/waitpid: reap a ZOMBIE child matching
/// pid, or report a stopped (WUNTRACED) or continued (WCONTINUED) one.
/// Returns the child's pid and encoded status.
func (t *Task_t) Wait(pid defs.Pid_t, options int) (defs.Pid_t, int, defs.Err_t) {
	for {
		t.mu.Lock()
		anyMatch := false
		var found *Task_t
		var status int
		var reap bool
		for _, c := range t.children {
			if !t.matches(c, pid) {
				continue
			}
			anyMatch = true
			c.mu.Lock()
			switch {
			case c.state == TASK_ZOMBIE:
				found, status, reap = c, c.status, true
			case c.state == TASK_STOPPED && c.stopPending && options&defs.WUNTRACED != 0:
				c.stopPending = false
				found, status = c, c.status
			case c.contPending && options&defs.WCONTINUED != 0:
				c.contPending = false
				found, status = c, defs.WContinued
			}
			c.mu.Unlock()
			if found != nil {
				break
			}
		}
		if found != nil {
			if reap {
				for i, c := range t.children {
					if c == found {
						t.children = append(t.children[:i], t.children[i+1:]...)
						break
					}
				}
			}
			t.mu.Unlock()
			if reap {
				// fold the child's CPU usage into the parent
				t.Accnt.Add(&found.Accnt)
				found.reap()
			}
			return found.Pid, status, 0
		}
		t.mu.Unlock()

		if !anyMatch {
			return 0, 0, -defs.ECHILD
		}
		if options&defs.WNOHANG != 0 {
			return 0, 0, 0
		}
		if err := t.WaitqEventIntr(&t.childq, func() bool {
			return t.waitableChild(pid)
		}); err != 0 {
			return 0, 0, err
		}
	}
}

// waitableChild reports whether some selected child has a consumable
// event; used as the wait loop's sleep condition.
func (t *Task_t) waitableChild(pid defs.Pid_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.children {
		if !t.matches(c, pid) {
			continue
		}
		c.mu.Lock()
		ok := c.state == TASK_ZOMBIE || (c.state == TASK_STOPPED && c.stopPending) || c.contPending
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// reap finishes a zombie: removes it from the global table and marks it
// DEAD. The scheduler's "cleanup list" phase is this function; with
// tasks as goroutines there is no kernel stack left to free afterward.
func (t *Task_t) reap() {
	t.setState(TASK_DEAD)
	ktasks.mu.Lock()
	delete(ktasks.bypid, t.Pid)
	for i, o := range ktasks.all {
		if o == t {
			ktasks.all = append(ktasks.all[:i], ktasks.all[i+1:]...)
			break
		}
	}
	ktasks.mu.Unlock()
	limits.Syslimit.Sysprocs_give()
}

/// Setsid makes the caller a session and process-group leader.
/// Fails with EPERM if the caller already leads a process group.
func (t *Task_t) Setsid() (defs.Pid_t, defs.Err_t) {
	if t.Pgid == t.Pid {
		return 0, -defs.EPERM
	}
	ktasks.mu.Lock()
	for _, o := range ktasks.all {
		if o != t && o.Pgid == t.Pid {
			ktasks.mu.Unlock()
			return 0, -defs.EPERM
		}
	}
	ktasks.mu.Unlock()
	t.mu.Lock()
	t.Sid = t.Pid
	t.Pgid = t.Pid
	t.Tty = nil
	t.mu.Unlock()
	return t.Pid, 0
}

/// Getsid returns the session id of pid (0 meaning the caller).
func (t *Task_t) Getsid(pid defs.Pid_t) (defs.Pid_t, defs.Err_t) {
	if pid == 0 {
		return t.Sid, 0
	}
	o := ByPid(pid)
	if o == nil {
		return 0, -defs.ESRCH
	}
	return o.Sid, 0
}

/// Setpgid moves pid (0 = caller) into pgid (0 = its own pid). The
/// target must be the caller or one of its children in the same session.
func (t *Task_t) Setpgid(pid, pgid defs.Pid_t) defs.Err_t {
	if pgid < 0 {
		return -defs.EINVAL
	}
	target := t
	if pid != 0 && pid != t.Pid {
		target = ByPid(pid)
		if target == nil {
			return -defs.ESRCH
		}
		target.mu.Lock()
		isChild := target.parent == t
		sameSession := target.Sid == t.Sid
		target.mu.Unlock()
		if !isChild {
			return -defs.ESRCH
		}
		if !sameSession {
			return -defs.EPERM
		}
	}
	if target.Sid == target.Pid {
		// session leaders may not move
		return -defs.EPERM
	}
	if pgid == 0 {
		pgid = target.Pid
	}
	// the group must exist within the session unless it is the target's
	// own pid
	if pgid != target.Pid {
		ok := false
		ktasks.mu.Lock()
		for _, o := range ktasks.all {
			if o.Pgid == pgid && o.Sid == target.Sid {
				ok = true
				break
			}
		}
		ktasks.mu.Unlock()
		if !ok {
			return -defs.EPERM
		}
	}
	target.mu.Lock()
	target.Pgid = pgid
	target.mu.Unlock()
	return 0
}

/// Getpgrp returns the caller's process group.
func (t *Task_t) Getpgrp() defs.Pid_t { return t.Pgid }

/// Ppid returns the parent's pid, or 0 for the initial task.
func (t *Task_t) Ppid() defs.Pid_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parent == nil {
		return 0
	}
	return t.parent.Pid
}

/// ResetOnExec applies exec's task-side resets: signal handlers
/// that are not SIG_IGN fall back to SIG_DFL, close-on-exec descriptors
/// close, and the task takes the new image's name. Credentials, pid,
/// ppid, pgid, session, cwd all persist.
func (t *Task_t) ResetOnExec(name string) {
	t.sig.resetOnExec()
	t.Fds.CloseExec()
	t.mu.Lock()
	t.Name = name
	t.mu.Unlock()
}

/// Killed reports whether a fatal signal has doomed the task; long
/// kernel loops poll this to bail out early.
func (t *Task_t) Killed() bool {
	return t.note.Killed
}
