package proc

import (
	"sync/atomic"
	"testing"
	"time"

	"defs"
	"mem"
	"waitq"
)

func boot(t *testing.T, body func(*Task_t)) *Task_t {
	t.Helper()
	mem.Init(512)
	Init()
	init1 := Begin("init", body)
	if init1 == nil {
		t.Fatalf("Begin failed")
	}
	return init1
}

func TestForkWaitExitCode(t *testing.T) {
	result := make(chan int, 1)
	init1 := boot(t, func(t1 *Task_t) {
		cpid, err := t1.Fork(func(c *Task_t) {
			c.Exit(42)
		})
		if err != 0 {
			result <- -1
			return
		}
		pid, status, werr := t1.Wait(-1, 0)
		if werr != 0 || pid != cpid {
			result <- -2
			return
		}
		if !defs.Wifexited(status) {
			result <- -3
			return
		}
		result <- defs.Wexitstatus(status)
	})
	if got := <-result; got != 42 {
		t.Fatalf("exit status = %d, want 42", got)
	}
	init1.WaitDone()
}

func TestWaitNoChildren(t *testing.T) {
	result := make(chan defs.Err_t, 1)
	init1 := boot(t, func(t1 *Task_t) {
		_, _, err := t1.Wait(-1, 0)
		result <- err
	})
	if got := <-result; got != -defs.ECHILD {
		t.Fatalf("wait with no children: %d", got)
	}
	init1.WaitDone()
}

func TestWaitWNOHANG(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		hold := make(chan struct{})
		t1.Fork(func(c *Task_t) {
			<-hold
			c.Exit(0)
		})
		pid, _, err := t1.Wait(-1, defs.WNOHANG)
		close(hold)
		if err != 0 || pid != 0 {
			done <- false
			return
		}
		// now actually reap
		_, _, err = t1.Wait(-1, 0)
		done <- err == 0
	})
	if !<-done {
		t.Fatalf("WNOHANG semantics violated")
	}
	init1.WaitDone()
}

func TestOrphanAdoption(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		grandchild := make(chan defs.Pid_t, 1)
		t1.Fork(func(c *Task_t) {
			gpid, _ := c.Fork(func(g *Task_t) {
				g.SleepMS(20)
				g.Exit(7)
			})
			grandchild <- gpid
			c.Exit(0)
		})
		// reap the child
		if _, _, err := t1.Wait(-1, 0); err != 0 {
			done <- false
			return
		}
		gpid := <-grandchild
		// the orphaned grandchild was adopted by init and is
		// reapable here
		pid, status, err := t1.Wait(gpid, 0)
		done <- err == 0 && pid == gpid && defs.Wexitstatus(status) == 7
	})
	if !<-done {
		t.Fatalf("orphan not adopted by PID 1")
	}
	init1.WaitDone()
}

func TestSetsid(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		tty := MkTty()
		t1.Fork(func(c *Task_t) {
			c.mu.Lock()
			c.Tty = tty
			c.mu.Unlock()
			// a fork child is not a group leader, so setsid works
			sid, err := c.Setsid()
			if err != 0 || sid != c.Pid {
				c.Exit(1)
			}
			if got, _ := c.Getsid(0); got != c.Pid {
				c.Exit(2)
			}
			if c.Tty != nil {
				c.Exit(3)
			}
			// a session leader may not setsid again
			if _, err := c.Setsid(); err != -defs.EPERM {
				c.Exit(4)
			}
			c.Exit(0)
		})
		_, status, err := t1.Wait(-1, 0)
		done <- err == 0 && defs.Wexitstatus(status) == 0
	})
	if !<-done {
		t.Fatalf("setsid semantics violated")
	}
	init1.WaitDone()
}

func TestSetpgid(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		t1.Fork(func(c *Task_t) {
			if err := c.Setpgid(0, 0); err != 0 {
				c.Exit(1)
			}
			if c.Getpgrp() != c.Pid {
				c.Exit(2)
			}
			c.Exit(0)
		})
		_, status, err := t1.Wait(-1, 0)
		done <- err == 0 && defs.Wexitstatus(status) == 0
	})
	if !<-done {
		t.Fatalf("setpgid semantics violated")
	}
	init1.WaitDone()
}

func TestSignalDefaultTerminates(t *testing.T) {
	done := make(chan int, 1)
	init1 := boot(t, func(t1 *Task_t) {
		cpid, _ := t1.Fork(func(c *Task_t) {
			for {
				c.Pause()
				c.DispatchSignals()
			}
		})
		// give the child a moment to reach its pause
		t1.SleepMS(10)
		if err := SendSignal(t1, cpid, defs.SIGTERM); err != 0 {
			done <- -1
			return
		}
		_, status, err := t1.Wait(cpid, 0)
		if err != 0 || !defs.Wifsignaled(status) {
			done <- -2
			return
		}
		done <- defs.Wtermsig(status)
	})
	if got := <-done; got != defs.SIGTERM {
		t.Fatalf("termsig = %d, want SIGTERM", got)
	}
	init1.WaitDone()
}

func TestBlockedSignalStaysPending(t *testing.T) {
	done := make(chan bool, 1)
	var ready, released atomic.Bool
	init1 := boot(t, func(t1 *Task_t) {
		cpid, _ := t1.Fork(func(c *Task_t) {
			c.Sigprocmask(defs.SIG_BLOCK, Sigset_t(0).Add(defs.SIGUSR1))
			ready.Store(true)
			for !released.Load() {
				c.Yield()
			}
			if !c.SigPending().Has(defs.SIGUSR1) {
				c.Exit(1)
			}
			// ignore it so unblocking does not kill us
			c.Sigaction(defs.SIGUSR1, &Sigaction_t{Handler: defs.SIG_IGN})
			c.Sigprocmask(defs.SIG_UNBLOCK, Sigset_t(0).Add(defs.SIGUSR1))
			c.DispatchSignals()
			c.Exit(0)
		})
		for !ready.Load() {
			t1.Yield()
		}
		SendSignal(t1, cpid, defs.SIGUSR1)
		released.Store(true)
		_, status, err := t1.Wait(cpid, 0)
		done <- err == 0 && defs.Wifexited(status) && defs.Wexitstatus(status) == 0
	})
	if !<-done {
		t.Fatalf("blocked signal did not stay pending")
	}
	init1.WaitDone()
}

func TestStopAndContinue(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		cpid, _ := t1.Fork(func(c *Task_t) {
			for {
				c.Pause()
				c.DispatchSignals()
			}
		})
		t1.SleepMS(10)
		SendSignal(t1, cpid, defs.SIGSTOP)
		pid, status, err := t1.Wait(cpid, defs.WUNTRACED)
		if err != 0 || pid != cpid || !defs.Wifstopped(status) || defs.Wstopsig(status) != defs.SIGSTOP {
			done <- false
			return
		}
		SendSignal(t1, cpid, defs.SIGCONT)
		pid, status, err = t1.Wait(cpid, defs.WCONTINUED)
		if err != 0 || pid != cpid || status != defs.WContinued {
			done <- false
			return
		}
		SendSignal(t1, cpid, defs.SIGKILL)
		t1.Wait(cpid, 0)
		done <- true
	})
	if !<-done {
		t.Fatalf("stop/continue reporting broken")
	}
	init1.WaitDone()
}

func TestWaitqEventIntr(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		var q waitq.Queue_t
		flag := false
		go func() {
			time.Sleep(20 * time.Millisecond)
			flag = true
			q.Wakeall()
		}()
		err := t1.WaitqEventIntr(&q, func() bool { return flag })
		done <- err == 0 && flag
	})
	if !<-done {
		t.Fatalf("sleep_event wakeup lost")
	}
	init1.WaitDone()
}

func TestExecveResetsHandlers(t *testing.T) {
	done := make(chan bool, 1)
	init1 := boot(t, func(t1 *Task_t) {
		t1.Sigaction(defs.SIGUSR1, &Sigaction_t{Handler: 0x1234})
		t1.Sigaction(defs.SIGUSR2, &Sigaction_t{Handler: defs.SIG_IGN})
		t1.ResetOnExec("newname")
		a1, _ := t1.Sigaction(defs.SIGUSR1, nil)
		a2, _ := t1.Sigaction(defs.SIGUSR2, nil)
		done <- a1.Handler == defs.SIG_DFL && a2.Handler == defs.SIG_IGN && t1.Name == "newname"
	})
	if !<-done {
		t.Fatalf("exec signal reset broken")
	}
	init1.WaitDone()
}
