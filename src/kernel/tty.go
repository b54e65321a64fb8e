package kernel

import (
	"sync"
	"unsafe"

	"circbuf"
	"defs"
	"fdops"
	"fs"
	"mem"
	"proc"
	"sys"
	"vm"
	"waitq"
)

// The console character device: the line discipline and real hardware
// live behind the driver boundary; the core's side is the controlling-
// terminal state (sessions, foreground group, termios round-trip) and a
// byte queue the external driver feeds with Push.

/// ConsoleMajor is the console's char-device major number.
const ConsoleMajor = defs.MAJOR_CONSOLE

/// Console_t is the single system console instance.
type Console_t struct {
	mu    sync.Mutex
	tty   *proc.Tty_t
	inbuf circbuf.Circbuf_t
	out   []byte
	rq    waitq.Queue_t
}

var console = &Console_t{tty: proc.MkTty()}

/// Console returns the system console.
func Console() *Console_t { return console }

/// Tty returns the console's controlling-terminal state.
func (c *Console_t) Tty() *proc.Tty_t { return c.tty }

/// Push feeds input bytes, as the keyboard/serial driver would.
func (c *Console_t) Push(b []byte) {
	c.mu.Lock()
	c.inbuf.Cb_ensure()
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(b)
	c.inbuf.Copyin(fub)
	c.mu.Unlock()
	c.rq.Wakeall()
}

/// Output drains and returns everything written to the console so far.
func (c *Console_t) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.out
	c.out = nil
	return out
}

// consFops_t is one open console descriptor.
type consFops_t struct {
	c *Console_t
}

func (cf *consFops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	cf.c.mu.Lock()
	defer cf.c.mu.Unlock()
	if cf.c.inbuf.Used() == 0 {
		return 0, -defs.EAGAIN
	}
	return cf.c.inbuf.Copyout(dst)
}

func (cf *consFops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return n, err
	}
	cf.c.mu.Lock()
	cf.c.out = append(cf.c.out, buf[:n]...)
	cf.c.mu.Unlock()
	return n, 0
}

func (cf *consFops_t) Pread(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (cf *consFops_t) Lseek(off, whence int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (cf *consFops_t) Close() defs.Err_t  { return 0 }
func (cf *consFops_t) Reopen() defs.Err_t { return 0 }

func (cf *consFops_t) Fstat(dst fdops.StatDst_i) defs.Err_t {
	dst.Wmode(0620)
	dst.Wrdev(defs.Mkdev(ConsoleMajor, 0))
	return 0
}

func (cf *consFops_t) Readdir(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}

func (cf *consFops_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (cf *consFops_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	cf.c.mu.Lock()
	var r fdops.Ready_t
	if cf.c.inbuf.Used() > 0 {
		r |= fdops.POLLIN
	}
	r |= fdops.POLLOUT
	cf.c.mu.Unlock()
	r &= pm.Events
	if r == 0 {
		pm.Addqueue(&cf.c.rq)
	}
	return r, 0
}

// termios and winsize cross the user boundary as their raw bytes; the
// structures are fixed-layout.
func termiosBytes(tio *proc.Termios_t) []byte {
	sz := unsafe.Sizeof(*tio)
	return (*[1 << 10]byte)(unsafe.Pointer(tio))[:sz:sz]
}

func winsizeBytes(ws *proc.Winsize_t) []byte {
	sz := unsafe.Sizeof(*ws)
	return (*[1 << 10]byte)(unsafe.Pointer(ws))[:sz:sz]
}

/// Ioctltask implements the tty ioctl surface over the calling task's
/// address space.
func (cf *consFops_t) Ioctltask(t *proc.Task_t, cmd, arg int) (int, defs.Err_t) {
	tty := cf.c.tty
	switch cmd {
	case defs.TCGETS:
		tio := tty.Tcgets()
		if err := t.Vm.K2user(termiosBytes(&tio), arg); err != 0 {
			return 0, err
		}
		return 0, 0
	case defs.TCSETS:
		var tio proc.Termios_t
		if err := t.Vm.User2k(termiosBytes(&tio), arg); err != 0 {
			return 0, err
		}
		tty.Tcsets(tio)
		return 0, 0
	case defs.TIOCGWINSZ:
		ws := tty.Getwinsz()
		if err := t.Vm.K2user(winsizeBytes(&ws), arg); err != 0 {
			return 0, err
		}
		return 0, 0
	case defs.TIOCSWINSZ:
		var ws proc.Winsize_t
		if err := t.Vm.User2k(winsizeBytes(&ws), arg); err != 0 {
			return 0, err
		}
		tty.Setwinsz(ws)
		return 0, 0
	case defs.TIOCGPGRP:
		if err := t.Vm.Userwriten(arg, 4, int(tty.Getpgrp())); err != 0 {
			return 0, err
		}
		return 0, 0
	case defs.TIOCSPGRP:
		pgrp, err := t.Vm.Userreadn(arg, 4)
		if err != 0 {
			return 0, err
		}
		return 0, tty.Setpgrp(t, defs.Pid_t(pgrp))
	case defs.TIOCGSID:
		if err := t.Vm.Userwriten(arg, 4, int(tty.Getsid())); err != 0 {
			return 0, err
		}
		return 0, 0
	case defs.TCXONC, defs.TCFLSH, defs.TCSBRK:
		// flow control and line breaks belong to the hardware side;
		// accepted and ignored here
		return 0, 0
	}
	return 0, -defs.EINVAL
}

func registerConsole() {
	console.mu.Lock()
	if console.inbuf.Bufsz() == 0 {
		console.inbuf.Cb_init(mem.PGSIZE, mem.Physmem)
	}
	console.mu.Unlock()
	fs.RegisterChardev(ConsoleMajor, func(minor int) (fdops.Fdops_i, defs.Err_t) {
		return &consFops_t{c: console}, 0
	})
}

var _ sys.Taskioctl_i = &consFops_t{}
