package defs

/// Pid_t identifies a process (and, for Protura's single-threaded-process
/// model, the task that is its sole thread of control).
type Pid_t int

/// Tid_t identifies a task/thread independent of its owning process.
type Tid_t int

/// Open-flag bits accepted by sys_open. These mirror POSIX O_* values
/// closely enough for the syscalls that interpret them but are defined
/// locally so the kernel does not depend on host OS flag numbering.
const (
	O_RDONLY Err_t = 0x0000
	O_WRONLY Err_t = 0x0001
	O_RDWR   Err_t = 0x0002
	O_CREAT  Err_t = 0x0040
	O_EXCL   Err_t = 0x0080
	O_TRUNC  Err_t = 0x0200
	O_APPEND Err_t = 0x0400
	O_NONBLOCK Err_t = 0x0800
	O_CLOEXEC  Err_t = 0x80000
	O_DIRECTORY Err_t = 0x10000
)

/// Lseek whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

/// waitpid options.
const (
	WNOHANG    = 0x1
	WUNTRACED  = 0x2
	WCONTINUED = 0x8
)

/// Signal numbers used by kill/sigaction/etc. Numbering follows the
/// traditional Unix assignment closely enough for userspace scripts that
/// hardcode them, without claiming exact Linux ABI compatibility.
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	SIGTTIN = 21
	SIGTTOU = 22
	NSIG    = 32
)

/// Sigaction disposition flags, as passed to rt_sigaction-style calls.
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

/// sigprocmask "how" argument.
const (
	SIG_BLOCK = iota
	SIG_UNBLOCK
	SIG_SETMASK
)

/// Mkexitsig encodes a wait(2) status for a task that exited normally
/// with the given 8-bit exit code.
func Mkexitsig(code int) int {
	return (code & 0xff) << 8
}

/// Mktermsig encodes a wait(2) status for a task terminated by a signal.
func Mktermsig(sig int) int {
	return sig & 0x7f
}

/// Mkstopsig encodes a wait(2) status for a stopped task.
func Mkstopsig(sig int) int {
	return (sig << 8) | 0x7f
}

/// WContinued is the wait(2) status reported for a continued task.
const WContinued = 0xffff

/// Wifexited reports whether status represents a normal exit.
func Wifexited(status int) bool {
	return status&0x7f == 0
}

/// Wexitstatus extracts the exit code from a normal-exit status.
func Wexitstatus(status int) int {
	return (status >> 8) & 0xff
}

/// Wifsignaled reports whether status represents termination by signal.
func Wifsignaled(status int) bool {
	return status&0x7f != 0 && status&0x7f != 0x7f
}

/// Wtermsig extracts the terminating signal number from status.
func Wtermsig(status int) int {
	return status & 0x7f
}

/// Wifstopped reports whether status represents a stopped task.
func Wifstopped(status int) bool {
	return status&0xff == 0x7f
}

/// Wstopsig extracts the stop signal number from status.
func Wstopsig(status int) int {
	return (status >> 8) & 0xff
}

/// reboot(2) magic numbers.
const (
	PROTURA_REBOOT_MAGIC1  = 0xABCDBEEF
	PROTURA_REBOOT_MAGIC2  = 152182804
	PROTURA_REBOOT_RESTART = 0x12341234
)
