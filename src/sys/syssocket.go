package sys

import (
	"sync"

	"defs"
	"fd"
	"fdops"
	"proc"
)

// Socket file descriptors: the core provides the descriptor
// plumbing and dispatch; protocol logic lives in registered
// address-family modules. With no module registered for a family,
// socket() fails with EAFNOSUPPORT.

/// Sock_i extends the file-ops vtable with the socket half of the ABI.
/// A socket fd's Fops must implement it; sys_bind and friends fail
/// ENOTSOCK on any fd whose ops do not.
type Sock_i interface {
	fdops.Fdops_i
	Bind(addr []uint8) defs.Err_t
	Getsockname() ([]uint8, defs.Err_t)
	Setsockopt(level, opt int, val []uint8) defs.Err_t
	Getsockopt(level, opt int) ([]uint8, defs.Err_t)
	Sendto(src fdops.Userio_i, addr []uint8) (int, defs.Err_t)
	Recvfrom(dst fdops.Userio_i) (int, []uint8, defs.Err_t)
	Shutdown(read, write bool) defs.Err_t
}

/// Afops_t creates sockets for one address family.
type Afops_t struct {
	Family int
	Mk     func(typ, proto int) (Sock_i, defs.Err_t)
}

var affamilies = struct {
	mu    sync.Mutex
	table map[int]*Afops_t
}{table: make(map[int]*Afops_t)}

/// RegisterAF installs a protocol module for an address family;
/// immutable after registration.
func RegisterAF(af *Afops_t) {
	affamilies.mu.Lock()
	defer affamilies.mu.Unlock()
	if _, ok := affamilies.table[af.Family]; ok {
		panic("address family registered twice")
	}
	affamilies.table[af.Family] = af
}

func sockFor(t *proc.Task_t, fdn int) (Sock_i, defs.Err_t) {
	f, err := t.Fds.Get(fdn)
	if err != 0 {
		return nil, err
	}
	s, ok := f.Fops.(Sock_i)
	if !ok {
		return nil, -defs.ENOTSOCK
	}
	return s, 0
}

func sys_socket(t *proc.Task_t, tf *Tf_t) int {
	affamilies.mu.Lock()
	af := affamilies.table[tf.Arg(0)]
	affamilies.mu.Unlock()
	if af == nil {
		return int(-defs.EAFNOSUPPORT)
	}
	s, err := af.Mk(tf.Arg(1), tf.Arg(2))
	if err != 0 {
		return int(err)
	}
	nfd := &fd.Fd_t{Fops: s, Perms: fd.FD_READ | fd.FD_WRITE}
	fdn, err := t.Fds.Insert(nfd, 0)
	if err != 0 {
		s.Close()
		return int(err)
	}
	return fdn
}

// sockaddr buffers cross the user boundary as (ptr, len) pairs packed
// into the second and third argument registers.
func copyinSockaddr(t *proc.Task_t, ptr, length int) ([]uint8, defs.Err_t) {
	if length == 0 {
		return nil, 0
	}
	if length < 0 || length > 128 {
		return nil, -defs.EINVAL
	}
	buf := make([]uint8, length)
	if err := t.Vm.User2k(buf, ptr); err != 0 {
		return nil, err
	}
	return buf, 0
}

func sys_bind(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	addr, err := copyinSockaddr(t, tf.Arg(1), tf.Arg(2))
	if err != 0 {
		return int(err)
	}
	return int(s.Bind(addr))
}

func sys_getsockname(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	addr, err := s.Getsockname()
	if err != 0 {
		return int(err)
	}
	n := len(addr)
	if n > tf.Arg(2) {
		n = tf.Arg(2)
	}
	if werr := t.Vm.K2user(addr[:n], tf.Arg(1)); werr != 0 {
		return int(werr)
	}
	return n
}

func sys_setsockopt(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	// level and option name packed into one register: level<<16|opt
	level := tf.Arg(1) >> 16
	opt := tf.Arg(1) & 0xffff
	val, err := copyinSockaddr(t, tf.Arg(2), 4)
	if err != 0 {
		return int(err)
	}
	return int(s.Setsockopt(level, opt, val))
}

func sys_getsockopt(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	level := tf.Arg(1) >> 16
	opt := tf.Arg(1) & 0xffff
	val, err := s.Getsockopt(level, opt)
	if err != 0 {
		return int(err)
	}
	if werr := t.Vm.K2user(val, tf.Arg(2)); werr != 0 {
		return int(werr)
	}
	return len(val)
}

// sendto and recvfrom take more operands than the three argument
// registers hold, so like the other wide calls they pass a packed user
// record: {bufptr, buflen, addrptr, addrlen}, four 4-byte words.
func readMsgdesc(t *proc.Task_t, va int) (bufp, buflen, addrp, addrlen int, err defs.Err_t) {
	if bufp, err = t.Vm.Userreadn(va, 4); err != 0 {
		return
	}
	if buflen, err = t.Vm.Userreadn(va+4, 4); err != 0 {
		return
	}
	if addrp, err = t.Vm.Userreadn(va+8, 4); err != 0 {
		return
	}
	addrlen, err = t.Vm.Userreadn(va+12, 4)
	return
}

func sys_sendto(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	bufp, buflen, addrp, addrlen, err := readMsgdesc(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	var addr []uint8
	if addrp != 0 {
		if addr, err = copyinSockaddr(t, addrp, addrlen); err != 0 {
			return int(err)
		}
	}
	for {
		ub := t.Vm.Mkuserbuf(bufp, buflen)
		n, serr := s.Sendto(ub, addr)
		if serr != -defs.EAGAIN {
			if serr != 0 {
				return int(serr)
			}
			return n
		}
		if werr := waitReady(t, s, fdops.POLLOUT); werr != 0 {
			return int(werr)
		}
	}
}

func sys_send(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	ub := t.Vm.Mkuserbuf(tf.Arg(1), tf.Arg(2))
	for {
		n, serr := s.Sendto(ub, nil)
		if serr != -defs.EAGAIN {
			if serr != 0 {
				return int(serr)
			}
			return n
		}
		if werr := waitReady(t, s, fdops.POLLOUT); werr != 0 {
			return int(werr)
		}
	}
}

func sys_recv(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	for {
		ub := t.Vm.Mkuserbuf(tf.Arg(1), tf.Arg(2))
		n, _, serr := s.Recvfrom(ub)
		if serr != -defs.EAGAIN {
			if serr != 0 {
				return int(serr)
			}
			return n
		}
		if werr := waitReady(t, s, fdops.POLLIN); werr != 0 {
			return int(werr)
		}
	}
}

func sys_recvfrom(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	bufp, buflen, addrp, addrlen, err := readMsgdesc(t, tf.Arg(1))
	if err != 0 {
		return int(err)
	}
	for {
		ub := t.Vm.Mkuserbuf(bufp, buflen)
		n, from, serr := s.Recvfrom(ub)
		if serr != -defs.EAGAIN {
			if serr != 0 {
				return int(serr)
			}
			if addrp != 0 && from != nil {
				if len(from) > addrlen {
					from = from[:addrlen]
				}
				if werr := t.Vm.K2user(from, addrp); werr != 0 {
					return int(werr)
				}
			}
			return n
		}
		if werr := waitReady(t, s, fdops.POLLIN); werr != 0 {
			return int(werr)
		}
	}
}

func sys_shutdown(t *proc.Task_t, tf *Tf_t) int {
	s, err := sockFor(t, tf.Arg(0))
	if err != 0 {
		return int(err)
	}
	how := tf.Arg(1)
	return int(s.Shutdown(how == 0 || how == 2, how == 1 || how == 2))
}
