package proc

import (
	"sync"

	"defs"
	"waitq"
)

/// Sigset_t is a bitmask of signals 1..NSIG-1; bit (sig-1) set means the
/// signal is a member.
type Sigset_t uint32

/// Has reports membership.
func (s Sigset_t) Has(sig int) bool { return s&(1<<uint(sig-1)) != 0 }

/// Add returns the set with sig included.
func (s Sigset_t) Add(sig int) Sigset_t { return s | 1<<uint(sig-1) }

/// Del returns the set with sig removed.
func (s Sigset_t) Del(sig int) Sigset_t { return s &^ (1 << uint(sig - 1)) }

/// Sigaction_t is one entry of the per-task action table.
type Sigaction_t struct {
	Handler int // SIG_DFL, SIG_IGN, or a nonzero user handler cookie
	Mask    Sigset_t
	Restart bool // restart interrupted syscalls instead of EINTR
}

// sigstate_t bundles a task's signal bookkeeping: pending and blocked
// sets, the action table, and the queue interruptible sleeps register on
// so an arriving signal can wake them.
type sigstate_t struct {
	mu      sync.Mutex
	pending Sigset_t
	blocked Sigset_t
	actions [defs.NSIG]Sigaction_t
	wakeq   waitq.Queue_t
}

func (s *sigstate_t) init() {}

func (s *sigstate_t) copyFrom(o *sigstate_t) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.blocked = o.blocked
	s.actions = o.actions
	// pending signals are not inherited across fork
	s.pending = 0
}

// resetOnExec: handlers that are not SIG_IGN revert to SIG_DFL; the
// blocked and pending sets survive.
func (s *sigstate_t) resetOnExec() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].Handler != defs.SIG_IGN {
			s.actions[i] = Sigaction_t{}
		}
	}
}

/// SignalPending reports whether any unblocked signal is pending.
func (t *Task_t) SignalPending() bool {
	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending&^s.blocked != 0
}

/// SigPending returns the pending set (sys_sigpending).
func (t *Task_t) SigPending() Sigset_t {
	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

/// SigMask returns the blocked set.
func (t *Task_t) SigMask() Sigset_t {
	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

/// Sigprocmask adjusts the blocked set per how (SIG_BLOCK/UNBLOCK/
/// SETMASK) and returns the previous mask. SIGKILL and SIGSTOP cannot be
/// blocked.
func (t *Task_t) Sigprocmask(how int, set Sigset_t) (Sigset_t, defs.Err_t) {
	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.blocked
	switch how {
	case defs.SIG_BLOCK:
		s.blocked |= set
	case defs.SIG_UNBLOCK:
		s.blocked &^= set
	case defs.SIG_SETMASK:
		s.blocked = set
	default:
		return old, -defs.EINVAL
	}
	s.blocked = s.blocked.Del(defs.SIGKILL).Del(defs.SIGSTOP)
	return old, 0
}

/// Sigaction installs a new action for sig and returns the old one.
func (t *Task_t) Sigaction(sig int, act *Sigaction_t) (Sigaction_t, defs.Err_t) {
	if sig <= 0 || sig >= defs.NSIG || sig == defs.SIGKILL || sig == defs.SIGSTOP {
		return Sigaction_t{}, -defs.EINVAL
	}
	s := &t.sig
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.actions[sig]
	if act != nil {
		s.actions[sig] = *act
	}
	return old, 0
}

// postSignal marks sig pending on t and wakes an interruptible sleeper.
// force (kernel-internal: SIGSEGV from a fault, SIGKILL) posts even when
// the action is SIG_IGN.
func (t *Task_t) postSignal(sig int, force bool) {
	if sig <= 0 || sig >= defs.NSIG {
		return
	}
	s := &t.sig
	s.mu.Lock()
	act := s.actions[sig].Handler
	ignored := act == defs.SIG_IGN || (act == defs.SIG_DFL && sigDflIgnored(sig))
	if ignored && !force && sig != defs.SIGCONT {
		s.mu.Unlock()
		return
	}
	s.pending = s.pending.Add(sig)
	if sig == defs.SIGKILL {
		t.note.Killed = true
	}
	s.mu.Unlock()

	switch sig {
	case defs.SIGCONT:
		t.continueStopped()
	case defs.SIGKILL:
		// KILL wakes even uninterruptible sleeps' interruptible
		// cousins; a doomed task must reach its delivery point.
		t.intrWake()
	default:
		t.intrWake()
	}
	s.wakeq.Wakeall()
}

// sigDflIgnored reports whether sig's default action is to ignore.
func sigDflIgnored(sig int) bool {
	switch sig {
	case defs.SIGCHLD, defs.SIGCONT:
		return true
	}
	return false
}

// sigDflStops reports whether sig's default action stops the task.
func sigDflStops(sig int) bool {
	switch sig {
	case defs.SIGSTOP, defs.SIGTSTP, defs.SIGTTIN, defs.SIGTTOU:
		return true
	}
	return false
}

/// SendSignal delivers sig to the task identified by pid; pid 0 or
/// below -1 addresses a process group, and -1 every task other than
/// init and the sender. Permission: root, or matching real/
/// effective uid, or SIGCONT within the sender's session.
func SendSignal(sender *Task_t, pid defs.Pid_t, sig int) defs.Err_t {
	if sig < 0 || sig >= defs.NSIG {
		return -defs.EINVAL
	}
	var targets []*Task_t
	switch {
	case pid > 0:
		t := ByPid(pid)
		if t == nil {
			return -defs.ESRCH
		}
		targets = []*Task_t{t}
	case pid == 0 || pid < -1:
		pgid := sender.Pgid
		if pid < -1 {
			pgid = -pid
		}
		for _, t := range AllTasks() {
			if t.Pgid == pgid {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			return -defs.ESRCH
		}
	default: // pid == -1: every task the sender may signal, except init
		for _, t := range AllTasks() {
			if t != sender && t.Pid != 1 {
				targets = append(targets, t)
			}
		}
	}
	delivered := false
	for _, t := range targets {
		if !sender.maySignal(t, sig) {
			continue
		}
		delivered = true
		if sig != 0 {
			t.postSignal(sig, sig == defs.SIGKILL)
		}
	}
	if !delivered {
		return -defs.EPERM
	}
	return 0
}

func (t *Task_t) maySignal(target *Task_t, sig int) bool {
	c := &t.Creds
	if c.IsRoot() {
		return true
	}
	tc := &target.Creds
	if c.Ruid == tc.Ruid || c.Ruid == tc.Suid || c.Euid == tc.Ruid || c.Euid == tc.Suid {
		return true
	}
	if sig == defs.SIGCONT && t.Sid == target.Sid {
		return true
	}
	return false
}

// continueStopped resumes a STOPPED task and arms the WCONTINUED report.
func (t *Task_t) continueStopped() {
	t.mu.Lock()
	wasStopped := t.state == TASK_STOPPED
	if wasStopped {
		t.state = TASK_RUNNING
		t.contPending = true
	}
	parent := t.parent
	t.mu.Unlock()
	if wasStopped && parent != nil {
		parent.childq.Wakeall()
	}
}

// stop moves the task to STOPPED with the stop status encoded, notifies
// the parent, and parks until SIGCONT.
func (t *Task_t) stop(sig int) {
	t.mu.Lock()
	t.state = TASK_STOPPED
	t.status = defs.Mkstopsig(sig)
	t.stopPending = true
	parent := t.parent
	t.mu.Unlock()
	if parent != nil {
		parent.postSignal(defs.SIGCHLD, false)
		parent.childq.Wakeall()
	}
	// park until state leaves STOPPED; SIGCONT's continueStopped flips
	// it back to RUNNING and wakes the signal queue.
	for t.State() == TASK_STOPPED {
		ch, w := parkch()
		tok := t.sig.wakeq.Register(w)
		if t.State() != TASK_STOPPED {
			tok.Unregister()
			break
		}
		<-ch
		tok.Unregister()
	}
}

/// Sigreturn marks the end of a user handler's execution; the saved
/// frame restore is the syscall layer's concern, the task side is just
/// the mask restore.
func (t *Task_t) Sigreturn(mask Sigset_t) {
	s := &t.sig
	s.mu.Lock()
	s.blocked = mask.Del(defs.SIGKILL).Del(defs.SIGSTOP)
	s.mu.Unlock()
}

/// DeliverResult describes what DispatchSignals did, for the trap-return
/// path: Caught carries the handler cookie and the signal for the
/// syscall layer to build a user handler frame.
type DeliverResult struct {
	Sig     int
	Caught  bool
	Handler int
	Restart bool
	OldMask Sigset_t
}

/// DispatchSignals runs the pending-signal check a real kernel performs
/// on return to user mode: consume one unblocked pending signal
/// and apply its action -- terminate, stop, ignore, or report a caught
/// handler for the caller to invoke. Does not return for fatal signals.
func (t *Task_t) DispatchSignals() *DeliverResult {
	for {
		s := &t.sig
		s.mu.Lock()
		avail := s.pending &^ s.blocked
		if avail == 0 {
			s.mu.Unlock()
			return nil
		}
		sig := 0
		for i := 1; i < defs.NSIG; i++ {
			if avail.Has(i) {
				sig = i
				break
			}
		}
		s.pending = s.pending.Del(sig)
		act := s.actions[sig]
		s.mu.Unlock()

		switch {
		case act.Handler == defs.SIG_IGN:
			continue
		case act.Handler == defs.SIG_DFL:
			switch {
			case sigDflIgnored(sig):
				continue
			case sigDflStops(sig):
				t.stop(sig)
				continue
			case sig == defs.SIGCONT:
				continue
			default:
				t.ExitSignaled(sig)
			}
		default:
			// caught: block the handler's mask plus the signal
			// itself for the handler's duration; sigreturn
			// restores OldMask.
			s.mu.Lock()
			old := s.blocked
			s.blocked |= act.Mask.Add(sig)
			s.blocked = s.blocked.Del(defs.SIGKILL).Del(defs.SIGSTOP)
			s.mu.Unlock()
			return &DeliverResult{
				Sig:     sig,
				Caught:  true,
				Handler: act.Handler,
				Restart: act.Restart,
				OldMask: old,
			}
		}
	}
}

/// Sigsuspend atomically replaces the mask and sleeps until a signal is
/// delivered, then restores the mask. Always returns EINTR-shaped.
func (t *Task_t) Sigsuspend(mask Sigset_t) defs.Err_t {
	s := &t.sig
	s.mu.Lock()
	old := s.blocked
	s.blocked = mask.Del(defs.SIGKILL).Del(defs.SIGSTOP)
	s.mu.Unlock()

	err := t.WaitqEventIntr(&s.wakeq, func() bool { return false })

	s.mu.Lock()
	s.blocked = old
	s.mu.Unlock()
	if err == 0 {
		return -defs.EINTR
	}
	return err
}

/// Sigwait blocks until one of the signals in set is pending, consumes
/// it, and returns its number.
func (t *Task_t) Sigwait(set Sigset_t) (int, defs.Err_t) {
	s := &t.sig
	for {
		s.mu.Lock()
		avail := s.pending & set
		if avail != 0 {
			for i := 1; i < defs.NSIG; i++ {
				if avail.Has(i) {
					s.pending = s.pending.Del(i)
					s.mu.Unlock()
					return i, 0
				}
			}
		}
		s.mu.Unlock()
		if err := t.WaitqEventIntr(&s.wakeq, func() bool {
			s.mu.Lock()
			ok := s.pending&set != 0
			s.mu.Unlock()
			return ok
		}); err != 0 {
			// a signal outside the set interrupted us
			if t.SigPending()&set == 0 {
				return 0, -defs.EINTR
			}
		}
	}
}
