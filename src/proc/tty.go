package proc

import (
	"sync"

	"defs"
)

/// Termios_t is the tty attribute block carried by TCGETS/TCSETS; the
/// line discipline that interprets it is a driver concern, the kernel
/// core only stores and round-trips it.
type Termios_t struct {
	Iflag, Oflag, Cflag, Lflag uint32
	Cc                         [32]uint8
}

/// Winsize_t is the terminal window size for TIOCGWINSZ/TIOCSWINSZ.
type Winsize_t struct {
	Row, Col, Xpixel, Ypixel uint16
}

/// Tty_t is the controlling-terminal state the core tracks per session:
/// the owning session, the foreground process group, and the termios/
/// winsize attribute blocks. The hardware side (line
/// discipline, input queue) lives behind the driver boundary.
type Tty_t struct {
	mu      sync.Mutex
	Sid     defs.Pid_t
	Fgpgrp  defs.Pid_t
	termios Termios_t
	winsize Winsize_t
}

/// MkTty returns a tty owned by no session.
func MkTty() *Tty_t {
	return &Tty_t{}
}

/// Tcgets copies out the stored termios (TCGETS).
func (tty *Tty_t) Tcgets() Termios_t {
	tty.mu.Lock()
	defer tty.mu.Unlock()
	return tty.termios
}

/// Tcsets stores a termios block (TCSETS). TCSETS(TCGETS(x)) == x.
func (tty *Tty_t) Tcsets(t Termios_t) {
	tty.mu.Lock()
	tty.termios = t
	tty.mu.Unlock()
}

/// Getwinsz and Setwinsz back TIOCGWINSZ/TIOCSWINSZ.
func (tty *Tty_t) Getwinsz() Winsize_t {
	tty.mu.Lock()
	defer tty.mu.Unlock()
	return tty.winsize
}

func (tty *Tty_t) Setwinsz(w Winsize_t) {
	tty.mu.Lock()
	tty.winsize = w
	tty.mu.Unlock()
}

/// Getpgrp returns the foreground process group (TIOCGPGRP).
func (tty *Tty_t) Getpgrp() defs.Pid_t {
	tty.mu.Lock()
	defer tty.mu.Unlock()
	return tty.Fgpgrp
}

/// Setpgrp sets the foreground process group (TIOCSPGRP). The caller
/// must belong to the tty's session.
func (tty *Tty_t) Setpgrp(t *Task_t, pgrp defs.Pid_t) defs.Err_t {
	tty.mu.Lock()
	defer tty.mu.Unlock()
	if tty.Sid != t.Sid {
		return -defs.EPERM
	}
	tty.Fgpgrp = pgrp
	return 0
}

/// Getsid returns the owning session (TIOCGSID).
func (tty *Tty_t) Getsid() defs.Pid_t {
	tty.mu.Lock()
	defer tty.mu.Unlock()
	return tty.Sid
}

/// SetCtty attaches tty as the calling session leader's controlling
/// terminal.
func (t *Task_t) SetCtty(tty *Tty_t) defs.Err_t {
	if t.Sid != t.Pid {
		return -defs.EPERM
	}
	tty.mu.Lock()
	if tty.Sid != 0 && tty.Sid != t.Sid {
		tty.mu.Unlock()
		return -defs.EPERM
	}
	tty.Sid = t.Sid
	tty.Fgpgrp = t.Pgid
	tty.mu.Unlock()
	t.mu.Lock()
	t.Tty = tty
	t.mu.Unlock()
	return 0
}

/// ClearSidTty detaches tty from every task in session sid, the
/// session-leader-exit sweep.
func ClearSidTty(tty *Tty_t, sid defs.Pid_t) {
	tty.mu.Lock()
	if tty.Sid == sid {
		tty.Sid = 0
		tty.Fgpgrp = 0
	}
	tty.mu.Unlock()
	for _, o := range AllTasks() {
		o.mu.Lock()
		if o.Sid == sid && o.Tty == tty {
			o.Tty = nil
		}
		o.mu.Unlock()
	}
}
