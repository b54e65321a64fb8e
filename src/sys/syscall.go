// Package sys implements the fixed dispatch table mapping syscall
// numbers to handlers. Each handler decodes its arguments from
// the trap frame and writes its return value into the frame's eax slot;
// pending signals are dispatched on the way back to user mode.
package sys

import (
	"defs"
	"proc"
	"res"
)

// Trap frame register slots, 32-bit x86 layout. The syscall number
// arrives in eax and up to three arguments in ebx/ecx/edx; the return
// value replaces eax.
const (
	TF_EBX = iota
	TF_ECX
	TF_EDX
	TF_ESI
	TF_EDI
	TF_EBP
	TF_EAX
	TF_EIP
	TF_ESP
	TF_EFLAGS
	TFSIZE
)

/// Tf_t is a task's saved register file at the trap boundary.
type Tf_t [TFSIZE]int

/// Arg returns the n'th syscall argument (0-based) from the frame.
func (tf *Tf_t) Arg(n int) int {
	switch n {
	case 0:
		return tf[TF_EBX]
	case 1:
		return tf[TF_ECX]
	case 2:
		return tf[TF_EDX]
	}
	panic("bad arg index")
}

// Syscall numbers. The table below is the ABI; renumbering is a
// userspace-breaking change.
const (
	SYS_FORK = 1 + iota
	SYS_GETPID
	SYS_GETPPID
	SYS_SETSID
	SYS_GETSID
	SYS_SETPGID
	SYS_GETPGRP
	SYS_EXIT
	SYS_WAIT
	SYS_WAITPID
	SYS_OPEN
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_LSEEK
	SYS_PIPE
	SYS_DUP
	SYS_DUP2
	SYS_BRK
	SYS_SBRK
	SYS_READ_DENT
	SYS_CHDIR
	SYS_TRUNCATE
	SYS_FTRUNCATE
	SYS_LINK
	SYS_UNLINK
	SYS_STAT
	SYS_FSTAT
	SYS_SYNC
	SYS_EXECVE
	SYS_KILL
	SYS_SIGNAL
	SYS_SIGACTION
	SYS_SIGPROCMASK
	SYS_SIGPENDING
	SYS_SIGWAIT
	SYS_SIGSUSPEND
	SYS_SIGRETURN
	SYS_PAUSE
	SYS_SLEEP
	SYS_USLEEP
	SYS_YIELD
	SYS_POLL
	SYS_REBOOT
	SYS_SETUID
	SYS_SETREUID
	SYS_SETRESUID
	SYS_GETUID
	SYS_GETEUID
	SYS_SETGID
	SYS_SETREGID
	SYS_SETRESGID
	SYS_GETGID
	SYS_GETEGID
	SYS_SETGROUPS
	SYS_GETGROUPS
	SYS_SOCKET
	SYS_BIND
	SYS_GETSOCKNAME
	SYS_SETSOCKOPT
	SYS_GETSOCKOPT
	SYS_SENDTO
	SYS_SEND
	SYS_RECVFROM
	SYS_RECV
	SYS_SHUTDOWN
	SYS_MOUNT
	SYS_UMOUNT
	SYS_IOCTL
	SYS_MKDIR
	SYS_RMDIR
	SYS_RENAME
	SYS_CHMOD
	SYS_CHOWN
	SYS_SYMLINK
	SYS_READLINK
	SYS_UMASK
	MAXSYS
)

// handler_t decodes arguments from the frame and returns the value to
// store in eax.
type handler_t func(t *proc.Task_t, tf *Tf_t) int

// systable is the fixed dispatch array; immutable after init.
var systable [MAXSYS]handler_t

func init() {
	systable[SYS_FORK] = sys_fork
	systable[SYS_GETPID] = sys_getpid
	systable[SYS_GETPPID] = sys_getppid
	systable[SYS_SETSID] = sys_setsid
	systable[SYS_GETSID] = sys_getsid
	systable[SYS_SETPGID] = sys_setpgid
	systable[SYS_GETPGRP] = sys_getpgrp
	systable[SYS_EXIT] = sys_exit
	systable[SYS_WAIT] = sys_wait
	systable[SYS_WAITPID] = sys_waitpid
	systable[SYS_OPEN] = sys_open
	systable[SYS_CLOSE] = sys_close
	systable[SYS_READ] = sys_read
	systable[SYS_WRITE] = sys_write
	systable[SYS_LSEEK] = sys_lseek
	systable[SYS_PIPE] = sys_pipe
	systable[SYS_DUP] = sys_dup
	systable[SYS_DUP2] = sys_dup2
	systable[SYS_BRK] = sys_brk
	systable[SYS_SBRK] = sys_sbrk
	systable[SYS_READ_DENT] = sys_read_dent
	systable[SYS_CHDIR] = sys_chdir
	systable[SYS_TRUNCATE] = sys_truncate
	systable[SYS_FTRUNCATE] = sys_ftruncate
	systable[SYS_LINK] = sys_link
	systable[SYS_UNLINK] = sys_unlink
	systable[SYS_STAT] = sys_stat
	systable[SYS_FSTAT] = sys_fstat
	systable[SYS_SYNC] = sys_sync
	systable[SYS_EXECVE] = sys_execve
	systable[SYS_KILL] = sys_kill
	systable[SYS_SIGNAL] = sys_signal
	systable[SYS_SIGACTION] = sys_sigaction
	systable[SYS_SIGPROCMASK] = sys_sigprocmask
	systable[SYS_SIGPENDING] = sys_sigpending
	systable[SYS_SIGWAIT] = sys_sigwait
	systable[SYS_SIGSUSPEND] = sys_sigsuspend
	systable[SYS_SIGRETURN] = sys_sigreturn
	systable[SYS_PAUSE] = sys_pause
	systable[SYS_SLEEP] = sys_sleep
	systable[SYS_USLEEP] = sys_usleep
	systable[SYS_YIELD] = sys_yield
	systable[SYS_POLL] = sys_poll
	systable[SYS_REBOOT] = sys_reboot
	systable[SYS_SETUID] = sys_setuid
	systable[SYS_SETREUID] = sys_setreuid
	systable[SYS_SETRESUID] = sys_setresuid
	systable[SYS_GETUID] = sys_getuid
	systable[SYS_GETEUID] = sys_geteuid
	systable[SYS_SETGID] = sys_setgid
	systable[SYS_SETREGID] = sys_setregid
	systable[SYS_SETRESGID] = sys_setresgid
	systable[SYS_GETGID] = sys_getgid
	systable[SYS_GETEGID] = sys_getegid
	systable[SYS_SETGROUPS] = sys_setgroups
	systable[SYS_GETGROUPS] = sys_getgroups
	systable[SYS_SOCKET] = sys_socket
	systable[SYS_BIND] = sys_bind
	systable[SYS_GETSOCKNAME] = sys_getsockname
	systable[SYS_SETSOCKOPT] = sys_setsockopt
	systable[SYS_GETSOCKOPT] = sys_getsockopt
	systable[SYS_SENDTO] = sys_sendto
	systable[SYS_SEND] = sys_send
	systable[SYS_RECVFROM] = sys_recvfrom
	systable[SYS_RECV] = sys_recv
	systable[SYS_SHUTDOWN] = sys_shutdown
	systable[SYS_MOUNT] = sys_mount
	systable[SYS_UMOUNT] = sys_umount
	systable[SYS_IOCTL] = sys_ioctl
	systable[SYS_MKDIR] = sys_mkdir
	systable[SYS_RMDIR] = sys_rmdir
	systable[SYS_RENAME] = sys_rename
	systable[SYS_CHMOD] = sys_chmod
	systable[SYS_CHOWN] = sys_chown
	systable[SYS_SYMLINK] = sys_symlink
	systable[SYS_READLINK] = sys_readlink
	systable[SYS_UMASK] = sys_umask
}

/// Syscall is the trap entry: dispatch by eax, store the return in eax,
/// then run the return-to-user signal check. An unknown number leaves
/// the frame untouched.
func Syscall(t *proc.Task_t, tf *Tf_t) {
	start := t.Accnt.Now()
	defer func() { t.Accnt.Systadd(t.Accnt.Now() - start) }()
	res.Reset(res.DefaultBudget)
	num := tf[TF_EAX]
	if num > 0 && num < MAXSYS && systable[num] != nil {
		ret := systable[num](t, tf)
		if defs.Err_t(ret) == -defs.ERESTARTSYS {
			// ERESTARTSYS never escapes to user space; a
			// caught handler with SA_RESTART re-runs the call,
			// anything else sees EINTR.
			if dr := t.DispatchSignals(); dr != nil && dr.Restart {
				ret = systable[num](t, tf)
				if defs.Err_t(ret) == -defs.ERESTARTSYS {
					ret = int(-defs.EINTR)
				}
			} else {
				ret = int(-defs.EINTR)
			}
			tf[TF_EAX] = ret
			return
		}
		tf[TF_EAX] = ret
	}
	t.DispatchSignals()
}

/// Mkframe returns a frame shaped like a just-trapped user task.
func Mkframe(eip, esp int) *Tf_t {
	tf := &Tf_t{}
	tf[TF_EIP] = eip
	tf[TF_ESP] = esp
	return tf
}
