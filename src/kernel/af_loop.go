package kernel

import (
	"container/list"
	"sync"

	"defs"
	"fdops"
	"sys"
	"vm"
	"waitq"
)

// The loopback datagram family: the kernel core's socket plumbing needs
// at least one registered address family to dispatch into, and this one
// doubles as the packet-queue reference implementation -- payloads
// queue on the receiving socket in arrival order, reads never block at
// the fops layer, and poll exposes the
// queues.

/// AF_LOOP is the loopback address family number.
const AF_LOOP = 16

/// SOCK_DGRAM is the only supported socket type.
const SOCK_DGRAM = 2

const loopMaxPackets = 64

// packet_t is one queued datagram with its source address.
type packet_t struct {
	data []byte
	from []byte
}

type loopSock_t struct {
	mu       sync.Mutex
	name     []byte // bound address, nil until bind
	pkts     *list.List
	shutRead bool
	shutWrite bool
	refs     int
	rq       waitq.Queue_t
}

// the bound-name registry
var loopReg = struct {
	mu    sync.Mutex
	socks map[string]*loopSock_t
}{socks: make(map[string]*loopSock_t)}

var loopOnce sync.Once

// registerLoopback is idempotent: Boot may run more than once in a
// test binary, but the family registry is boot-global.
func registerLoopback() {
	loopOnce.Do(func() {
		sys.RegisterAF(&sys.Afops_t{
			Family: AF_LOOP,
			Mk: func(typ, proto int) (sys.Sock_i, defs.Err_t) {
				if typ != SOCK_DGRAM {
					return nil, -defs.ENOTSUP
				}
				return &loopSock_t{pkts: list.New(), refs: 1}, 0
			},
		})
	})
}

func (s *loopSock_t) Bind(addr []uint8) defs.Err_t {
	if len(addr) == 0 {
		return -defs.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != nil {
		return -defs.EINVAL
	}
	loopReg.mu.Lock()
	defer loopReg.mu.Unlock()
	key := string(addr)
	if _, ok := loopReg.socks[key]; ok {
		return -defs.EADDRINUSE
	}
	s.name = append([]byte(nil), addr...)
	loopReg.socks[key] = s
	return 0
}

func (s *loopSock_t) Getsockname() ([]uint8, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == nil {
		return nil, 0
	}
	return append([]uint8(nil), s.name...), 0
}

func (s *loopSock_t) Setsockopt(level, opt int, val []uint8) defs.Err_t {
	return -defs.ENOTSUP
}

func (s *loopSock_t) Getsockopt(level, opt int) ([]uint8, defs.Err_t) {
	return nil, -defs.ENOTSUP
}

func (s *loopSock_t) Sendto(src fdops.Userio_i, addr []uint8) (int, defs.Err_t) {
	if addr == nil {
		return 0, -defs.EDESTADDRREQ
	}
	s.mu.Lock()
	if s.shutWrite {
		s.mu.Unlock()
		return 0, -defs.EPIPE
	}
	from := append([]byte(nil), s.name...)
	s.mu.Unlock()

	loopReg.mu.Lock()
	dst := loopReg.socks[string(addr)]
	loopReg.mu.Unlock()
	if dst == nil {
		return 0, -defs.ECONNREFUSED
	}

	data := make([]byte, src.Remain())
	n, err := src.Uioread(data)
	if err != 0 {
		return n, err
	}
	dst.mu.Lock()
	if dst.shutRead {
		dst.mu.Unlock()
		return 0, -defs.ECONNREFUSED
	}
	if dst.pkts.Len() >= loopMaxPackets {
		dst.mu.Unlock()
		return 0, -defs.EAGAIN
	}
	dst.pkts.PushBack(&packet_t{data: data[:n], from: from})
	dst.mu.Unlock()
	dst.rq.Wakeall()
	return n, 0
}

func (s *loopSock_t) Recvfrom(dst fdops.Userio_i) (int, []uint8, defs.Err_t) {
	s.mu.Lock()
	if s.pkts.Len() == 0 {
		shut := s.shutRead
		s.mu.Unlock()
		if shut {
			return 0, nil, 0
		}
		return 0, nil, -defs.EAGAIN
	}
	e := s.pkts.Front()
	pkt := e.Value.(*packet_t)
	s.pkts.Remove(e)
	s.mu.Unlock()
	n, err := dst.Uiowrite(pkt.data)
	return n, pkt.from, err
}

func (s *loopSock_t) Shutdown(read, write bool) defs.Err_t {
	s.mu.Lock()
	if read {
		s.shutRead = true
	}
	if write {
		s.shutWrite = true
	}
	s.mu.Unlock()
	s.rq.Wakeall()
	return 0
}

//
// fdops surface
//

func (s *loopSock_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	n, _, err := s.Recvfrom(dst)
	return n, err
}

func (s *loopSock_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.EDESTADDRREQ
}

func (s *loopSock_t) Pread(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (s *loopSock_t) Lseek(off, whence int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (s *loopSock_t) Close() defs.Err_t {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	name := s.name
	s.mu.Unlock()
	if last && name != nil {
		loopReg.mu.Lock()
		if loopReg.socks[string(name)] == s {
			delete(loopReg.socks, string(name))
		}
		loopReg.mu.Unlock()
	}
	return 0
}

func (s *loopSock_t) Reopen() defs.Err_t {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return 0
}

func (s *loopSock_t) Fstat(dst fdops.StatDst_i) defs.Err_t {
	dst.Wmode(0140000)
	return 0
}

func (s *loopSock_t) Readdir(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}

func (s *loopSock_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (s *loopSock_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	s.mu.Lock()
	var r fdops.Ready_t
	if s.pkts.Len() > 0 || s.shutRead {
		r |= fdops.POLLIN
	}
	if !s.shutWrite {
		r |= fdops.POLLOUT
	}
	s.mu.Unlock()
	r &= pm.Events
	if r == 0 {
		pm.Addqueue(&s.rq)
	}
	return r, 0
}

/// SendPacket is the kernel-internal send used by tests and drivers:
/// deliver data to the socket bound at addr, from an anonymous source.
func SendPacket(addr string, data []byte) defs.Err_t {
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(data)
	s := &loopSock_t{pkts: list.New(), refs: 1}
	_, err := s.Sendto(fub, []byte(addr))
	return err
}
