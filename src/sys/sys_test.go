package sys

import (
	"testing"

	"defs"
	"mem"
	"proc"
	"vm"
)

func mapUserPage(task *proc.Task_t, base int) {
	task.Vm.Vmadd_anon("data", uintptr(base), uintptr(vm.PGSIZE), vm.PTE_P|vm.PTE_U|vm.PTE_W)
}

func mktask(t *testing.T) (*proc.Task_t, chan struct{}) {
	t.Helper()
	mem.Init(256)
	proc.Init()
	started := make(chan *proc.Task_t, 1)
	release := make(chan struct{})
	proc.Begin("t", func(task *proc.Task_t) {
		started <- task
		<-release
	})
	return <-started, release
}

func TestUnknownSyscallLeavesFrame(t *testing.T) {
	task, release := mktask(t)
	defer close(release)
	tf := &Tf_t{}
	tf[TF_EAX] = MAXSYS + 17
	tf[TF_EBX] = 0x11
	want := *tf
	Syscall(task, tf)
	if *tf != want {
		t.Fatalf("frame modified by unknown syscall: %v != %v", *tf, want)
	}
}

func TestGetpidFamily(t *testing.T) {
	task, release := mktask(t)
	defer close(release)
	tf := &Tf_t{}
	tf[TF_EAX] = SYS_GETPID
	Syscall(task, tf)
	if tf[TF_EAX] != int(task.Pid) {
		t.Fatalf("getpid = %d, want %d", tf[TF_EAX], task.Pid)
	}
	tf2 := &Tf_t{}
	tf2[TF_EAX] = SYS_GETPGRP
	Syscall(task, tf2)
	if tf2[TF_EAX] != int(task.Pgid) {
		t.Fatalf("getpgrp = %d", tf2[TF_EAX])
	}
}

func TestUmask(t *testing.T) {
	task, release := mktask(t)
	defer close(release)
	tf := &Tf_t{}
	tf[TF_EAX] = SYS_UMASK
	tf[TF_EBX] = 0077
	Syscall(task, tf)
	if tf[TF_EAX] != 0022 {
		t.Fatalf("old umask = %o, want 022", tf[TF_EAX])
	}
	if task.Umask != 0077 {
		t.Fatalf("umask not applied")
	}
}

func TestRebootRejectsBadMagic(t *testing.T) {
	task, release := mktask(t)
	defer close(release)
	tf := &Tf_t{}
	tf[TF_EAX] = SYS_REBOOT
	tf[TF_EBX] = 0x1111
	tf[TF_ECX] = 0x2222
	tf[TF_EDX] = defs.PROTURA_REBOOT_RESTART
	Syscall(task, tf)
	if defs.Err_t(tf[TF_EAX]) != -defs.EINVAL {
		t.Fatalf("bad magic accepted: %d", tf[TF_EAX])
	}
}

func TestCredSyscalls(t *testing.T) {
	task, release := mktask(t)
	defer close(release)
	// root may switch to any uid; all three ids move
	tf := &Tf_t{}
	tf[TF_EAX] = SYS_SETUID
	tf[TF_EBX] = 1000
	Syscall(task, tf)
	if tf[TF_EAX] != 0 {
		t.Fatalf("setuid as root: %d", tf[TF_EAX])
	}
	c := task.Creds
	if c.Ruid != 1000 || c.Euid != 1000 || c.Suid != 1000 {
		t.Fatalf("creds after setuid: %+v", c)
	}
	// and a non-root task cannot take an arbitrary uid
	tf2 := &Tf_t{}
	tf2[TF_EAX] = SYS_SETUID
	tf2[TF_EBX] = 0
	Syscall(task, tf2)
	if defs.Err_t(tf2[TF_EAX]) != -defs.EPERM {
		t.Fatalf("non-root setuid(0): %d", tf2[TF_EAX])
	}
	// geteuid reflects the switch
	tf3 := &Tf_t{}
	tf3[TF_EAX] = SYS_GETEUID
	Syscall(task, tf3)
	if tf3[TF_EAX] != 1000 {
		t.Fatalf("geteuid = %d", tf3[TF_EAX])
	}
}

func TestSigprocmaskThroughFrame(t *testing.T) {
	task, release := mktask(t)
	defer close(release)
	// signal mask manipulation uses user memory; give the task a page
	const base = 0x100000
	mapUserPage(task, base)

	task.Vm.Userwriten(base, 4, int(proc.Sigset_t(0).Add(defs.SIGUSR1)))
	tf := &Tf_t{}
	tf[TF_EAX] = SYS_SIGPROCMASK
	tf[TF_EBX] = defs.SIG_BLOCK
	tf[TF_ECX] = base
	tf[TF_EDX] = base + 8
	Syscall(task, tf)
	if tf[TF_EAX] != 0 {
		t.Fatalf("sigprocmask: %d", tf[TF_EAX])
	}
	old, _ := task.Vm.Userreadn(base+8, 4)
	if old != 0 {
		t.Fatalf("old mask = %x", old)
	}
	if !task.SigMask().Has(defs.SIGUSR1) {
		t.Fatalf("mask not applied")
	}
	// KILL and STOP can never be blocked
	task.Vm.Userwriten(base, 4, int(proc.Sigset_t(0).Add(defs.SIGKILL).Add(defs.SIGSTOP)))
	tf2 := &Tf_t{}
	tf2[TF_EAX] = SYS_SIGPROCMASK
	tf2[TF_EBX] = defs.SIG_BLOCK
	tf2[TF_ECX] = base
	Syscall(task, tf2)
	m := task.SigMask()
	if m.Has(defs.SIGKILL) || m.Has(defs.SIGSTOP) {
		t.Fatalf("KILL/STOP blocked: %x", m)
	}
}
