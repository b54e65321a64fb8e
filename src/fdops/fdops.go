// Package fdops defines the vtable interfaces shared by every kind of
// open file and by the code that copies bytes into and out of
// user memory (vm.Userbuf_t, vm.Useriovec_t, vm.Fakeubuf_t all implement
// Userio_i).
package fdops

import (
	"defs"
	"waitq"
	"workq"
)

/// Userio_i abstracts a source or sink of bytes crossing the
/// user/kernel boundary: a real user buffer, a scatter/gather iovec, or
/// a plain kernel []byte standing in for one in tests and kernel-internal
/// callers (vm.Fakeubuf_t).
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Ready_t is a bitmask of poll readiness conditions, matching the POLL*
/// bits of the user-visible poll ABI.
type Ready_t uint

const (
	POLLIN  Ready_t = 1 << iota /// readable without blocking
	POLLOUT                     /// writable without blocking
	POLLERR                     /// error condition
	POLLHUP                     /// hangup
	POLLNVAL
)

/// Pollmsg_t carries the events a poller is interested in and collects
/// the wait queues the polled file wants to be notified on.
type Pollmsg_t struct {
	Events Ready_t
	tbl    *Polltable_t
}

/// Polltable_t is the registration surface built by sys_poll: each
/// pollable file's Poll method calls Addqueue for every wait queue whose
/// wakeup might mean "I am now ready".
type Polltable_t struct {
	wake    func()
	queues  []*waitq.Queue_t
	tokens  []*waitq.Token_t
}

/// NewPolltable builds a poll table whose registered queues, when woken,
/// invoke wake. wake should set a distinct "poll event" flag rather than
/// reuse a normal wakeup, so that an intermediate sleep elsewhere (e.g.
/// waiting on a lock while servicing the poll) does not consume it.
func NewPolltable(wake func()) *Polltable_t {
	return &Polltable_t{wake: wake}
}

/// Mkpollmsg returns a Pollmsg_t bound to tbl requesting events.
func Mkpollmsg(tbl *Polltable_t, events Ready_t) Pollmsg_t {
	return Pollmsg_t{Events: events, tbl: tbl}
}

/// Addqueue registers interest in q. Called by a file's Poll
/// implementation once per relevant wait queue.
func (pm Pollmsg_t) Addqueue(q *waitq.Queue_t) {
	if pm.tbl == nil {
		return
	}
	w := workq.NewCallback(pm.tbl.wake)
	tok := q.Register(w)
	pm.tbl.queues = append(pm.tbl.queues, q)
	pm.tbl.tokens = append(pm.tbl.tokens, tok)
}

/// Unregister removes every queue registration the table accumulated.
/// sys_poll calls this on every return path -- success, timeout, error,
/// or signal -- so no poll table entry outlives the syscall.
func (tbl *Polltable_t) Unregister() {
	for _, tok := range tbl.tokens {
		tok.Unregister()
	}
	tbl.tokens = nil
	tbl.queues = nil
}

/// Fdops_i is the file operations vtable: every open file
/// implements a subset meaningfully and the rest as ENOTSUP/EINVAL stubs.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(dst StatDst_i) defs.Err_t
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
	Pread(dst Userio_i, offset int) (int, defs.Err_t)
	Lseek(off int, whence int) (int, defs.Err_t)
	Readdir(dst Userio_i) (int, defs.Err_t)
	Ioctl(cmd int, arg int) (int, defs.Err_t)
	Poll(pm Pollmsg_t) (Ready_t, defs.Err_t)
	Reopen() defs.Err_t
}

/// StatDst_i is the minimal surface Fstat needs from stat.Stat_t without
/// fdops importing the stat package (which would create an import cycle
/// through fs types that embed Fdops_i).
type StatDst_i interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wsize(uint)
	Wrdev(uint)
}


