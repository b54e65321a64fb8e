package kernel

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"defs"
	"fdops"
	"fs"
	"proc"
	"stat"
	"sys"
	"ustr"
	"util"
	"vm"
)

// boot brings up a fresh in-memory system and runs body as PID 1,
// reporting its result over done.
func boot(t *testing.T, body func(t1 *proc.Task_t) bool) {
	t.Helper()
	done := make(chan bool, 1)
	_, err := BootMemFS(func(t1 *proc.Task_t) {
		done <- body(t1)
	})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("in-kernel scenario failed")
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("scenario timed out")
	}
}

// userPage maps one writable page for syscall buffers and returns its
// base address.
func userPage(t1 *proc.Task_t) int {
	const base = 0x100000
	t1.Vm.Vmadd_anon("data", base, uintptr(vm.PGSIZE), vm.PTE_P|vm.PTE_U|vm.PTE_W)
	return base
}

func call(t1 *proc.Task_t, num, a0, a1, a2 int) int {
	tf := &sys.Tf_t{}
	tf[sys.TF_EAX] = num
	tf[sys.TF_EBX] = a0
	tf[sys.TF_ECX] = a1
	tf[sys.TF_EDX] = a2
	sys.Syscall(t1, tf)
	return tf[sys.TF_EAX]
}

func TestPipeThroughSyscalls(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		if r := call(t1, sys.SYS_PIPE, base, 0, 0); r != 0 {
			return false
		}
		rfd, _ := t1.Vm.Userreadn(base, 4)
		wfd, _ := t1.Vm.Userreadn(base+4, 4)

		msg := base + 64
		t1.Vm.K2user([]uint8("hello"), msg)
		if r := call(t1, sys.SYS_WRITE, wfd, msg, 5); r != 5 {
			return false
		}
		dst := base + 128
		if r := call(t1, sys.SYS_READ, rfd, dst, 5); r != 5 {
			return false
		}
		buf := make([]uint8, 5)
		t1.Vm.User2k(buf, dst)
		if string(buf) != "hello" {
			return false
		}
		call(t1, sys.SYS_CLOSE, rfd, 0, 0)
		call(t1, sys.SYS_CLOSE, wfd, 0, 0)
		return true
	})
}

func TestDupSharesOffset(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		path := base + 256
		t1.Vm.K2user([]uint8("/f\x00"), path)
		fdn := call(t1, sys.SYS_OPEN, path, int(defs.O_CREAT|defs.O_RDWR), 0644)
		if fdn < 0 {
			return false
		}
		msg := base + 300
		t1.Vm.K2user([]uint8("abcdef"), msg)
		if r := call(t1, sys.SYS_WRITE, fdn, msg, 6); r != 6 {
			return false
		}
		dup := call(t1, sys.SYS_DUP, fdn, 0, 0)
		if dup < 0 {
			return false
		}
		// a seek through one descriptor moves the shared offset
		if r := call(t1, sys.SYS_LSEEK, fdn, 2, defs.SEEK_SET); r != 2 {
			return false
		}
		dst := base + 400
		if r := call(t1, sys.SYS_READ, dup, dst, 2); r != 2 {
			return false
		}
		buf := make([]uint8, 2)
		t1.Vm.User2k(buf, dst)
		return string(buf) == "cd"
	})
}

func TestPollPipeWake(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		if r := call(t1, sys.SYS_PIPE, base, 0, 0); r != 0 {
			return false
		}
		rfd, _ := t1.Vm.Userreadn(base, 4)
		wfd, _ := t1.Vm.Userreadn(base+4, 4)

		wf, err := t1.Fds.Get(wfd)
		if err != 0 {
			return false
		}
		// from another task, write one byte after 50 ms
		t1.Fork(func(c *proc.Task_t) {
			c.SleepMS(50)
			fub := &vm.Fakeubuf_t{}
			fub.Fake_init([]byte{0x41})
			wf.Fops.Write(fub)
			c.Exit(0)
		})

		// pollfd record: fd, events=POLLIN
		pfd := base + 512
		t1.Vm.Userwriten(pfd, 4, rfd)
		t1.Vm.Userwriten(pfd+4, 2, int(fdops.POLLIN))
		t1.Vm.Userwriten(pfd+6, 2, 0)
		start := time.Now()
		n := call(t1, sys.SYS_POLL, pfd, 1, 1000)
		if n != 1 {
			return false
		}
		if time.Since(start) > 900*time.Millisecond {
			return false
		}
		rev, _ := t1.Vm.Userreadn(pfd+6, 2)
		if fdops.Ready_t(rev)&fdops.POLLIN == 0 {
			return false
		}
		t1.Wait(-1, 0)
		return true
	})
}

func TestSetsidThroughSyscalls(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		ok := make(chan bool, 1)
		t1.Fork(func(c *proc.Task_t) {
			r := call(c, sys.SYS_SETSID, 0, 0, 0)
			sid := call(c, sys.SYS_GETSID, 0, 0, 0)
			ok <- r == int(c.Pid) && sid == int(c.Pid)
			c.Exit(0)
		})
		res := <-ok
		t1.Wait(-1, 0)
		return res
	})
}

func TestForkWaitThroughSyscalls(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		sys.SetForkChild(func(c *proc.Task_t) {
			call(c, sys.SYS_EXIT, 42, 0, 0)
		})
		cpid := call(t1, sys.SYS_FORK, 0, 0, 0)
		if cpid <= 0 {
			return false
		}
		st := base + 16
		got := call(t1, sys.SYS_WAITPID, cpid, st, 0)
		if got != cpid {
			return false
		}
		status, _ := t1.Vm.Userreadn(st, 4)
		return defs.Wifexited(status) && defs.Wexitstatus(status) == 42
	})
}

func TestProcViews(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		path := base
		t1.Vm.K2user([]uint8("/proc/mounts\x00"), path)
		fdn := call(t1, sys.SYS_OPEN, path, int(defs.O_RDONLY), 0)
		if fdn < 0 {
			return false
		}
		dst := base + 256
		n := call(t1, sys.SYS_READ, fdn, dst, 1024)
		if n <= 0 {
			return false
		}
		buf := make([]uint8, n)
		t1.Vm.User2k(buf, dst)
		out := string(buf)
		call(t1, sys.SYS_CLOSE, fdn, 0, 0)
		if !strings.Contains(out, "ufs") || !strings.Contains(out, "/proc\tprocfs") {
			return false
		}

		t1.Vm.K2user([]uint8("/proc/tasks\x00"), path)
		fdn = call(t1, sys.SYS_OPEN, path, int(defs.O_RDONLY), 0)
		if fdn < 0 {
			return false
		}
		n = call(t1, sys.SYS_READ, fdn, dst, 2048)
		buf = make([]uint8, n)
		t1.Vm.User2k(buf, dst)
		call(t1, sys.SYS_CLOSE, fdn, 0, 0)
		head := string(buf)
		return strings.HasPrefix(head, "Pid\tPPid\tPGid\tState\tKilled\tName\n") &&
			strings.Contains(head, "init")
	})
}

func TestTermiosRoundtrip(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		if err := fs.Fs_mknod(ustr.Ustr("/dev-console"), stat.S_IFCHR|0620, ConsoleMajor, 0, nil); err != 0 {
			return false
		}
		base := userPage(t1)
		path := base
		t1.Vm.K2user([]uint8("/dev-console\x00"), path)
		fdn := call(t1, sys.SYS_OPEN, path, int(defs.O_RDWR), 0)
		if fdn < 0 {
			return false
		}
		// TCSETS(x) then TCGETS must round-trip
		var tio proc.Termios_t
		tio.Iflag, tio.Oflag, tio.Cflag, tio.Lflag = 0x1234, 0x5678, 0x9abc, 0xdef0
		for i := range tio.Cc {
			tio.Cc[i] = uint8(i)
		}
		tiova := base + 512
		t1.Vm.K2user(termiosBytes(&tio), tiova)
		if r := call(t1, sys.SYS_IOCTL, fdn, defs.TCSETS, tiova); r != 0 {
			return false
		}
		outva := base + 1024
		if r := call(t1, sys.SYS_IOCTL, fdn, defs.TCGETS, outva); r != 0 {
			return false
		}
		var got proc.Termios_t
		t1.Vm.User2k(termiosBytes(&got), outva)
		if got != tio {
			return false
		}

		// console write lands in the output buffer
		msg := base + 2048
		t1.Vm.K2user([]uint8("boot ok"), msg)
		if r := call(t1, sys.SYS_WRITE, fdn, msg, 7); r != 7 {
			return false
		}
		if string(Console().Output()) != "boot ok" {
			return false
		}
		call(t1, sys.SYS_CLOSE, fdn, 0, 0)
		return true
	})
}

func TestLoopbackSockets(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		sfd := call(t1, sys.SYS_SOCKET, AF_LOOP, SOCK_DGRAM, 0)
		if sfd < 0 {
			return false
		}
		// an unregistered family is refused
		if r := call(t1, sys.SYS_SOCKET, 99, SOCK_DGRAM, 0); defs.Err_t(r) != -defs.EAFNOSUPPORT {
			return false
		}
		addr := base
		t1.Vm.K2user([]uint8("svc"), addr)
		if r := call(t1, sys.SYS_BIND, sfd, addr, 3); r != 0 {
			return false
		}
		if err := SendPacket("svc", []byte("ping")); err != 0 {
			return false
		}
		dst := base + 128
		n := call(t1, sys.SYS_RECV, sfd, dst, 16)
		if n != 4 {
			return false
		}
		buf := make([]uint8, 4)
		t1.Vm.User2k(buf, dst)
		call(t1, sys.SYS_CLOSE, sfd, 0, 0)
		return string(buf) == "ping"
	})
}

// mkelf32 builds the minimal executable used by the exec test; the
// segment sits page-aligned in the file the way a linker emits it.
func mkelf32(entry, vaddr uint32, text []byte, memsz uint32) []byte {
	const ehsize = 52
	segoff := uint32(vm.PGSIZE)
	img := make([]byte, int(segoff)+len(text))
	copy(img, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	le := binary.LittleEndian
	le.PutUint16(img[16:], 2) // ET_EXEC
	le.PutUint16(img[18:], 3) // EM_386
	le.PutUint32(img[20:], 1)
	le.PutUint32(img[24:], entry)
	le.PutUint32(img[28:], ehsize)
	le.PutUint16(img[40:], ehsize)
	le.PutUint16(img[42:], 32)
	le.PutUint16(img[44:], 1)
	ph := img[ehsize:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], segoff)
	le.PutUint32(ph[8:], vaddr)
	le.PutUint32(ph[12:], vaddr)
	le.PutUint32(ph[16:], uint32(len(text)))
	le.PutUint32(ph[20:], memsz)
	le.PutUint32(ph[24:], 7)
	le.PutUint32(ph[28:], uint32(vm.PGSIZE))
	copy(img[segoff:], text)
	return img
}

func TestExecPreservesTaskIdentity(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		// stage an executable into the root fs
		text := make([]byte, vm.PGSIZE)
		for i := range text {
			text[i] = 0x90
		}
		const vaddr = 0x08048000
		img := mkelf32(vaddr, vaddr, text, uint32(len(text)))
		efd, err := fs.Fs_open(ustr.Ustr("/prog"), int(defs.O_CREAT|defs.O_WRONLY), 0755, nil, nil, 0, 0)
		if err != 0 {
			return false
		}
		fub := &vm.Fakeubuf_t{}
		fub.Fake_init(img)
		efd.Fops.Write(fub)
		efd.Fops.Close()

		// an open file, one of them close-on-exec
		rfd, wfd, perr := fs.MkPipe()
		if perr != 0 {
			return false
		}
		keepn, _ := t1.Fds.Insert(rfd, 0)
		clon, _ := t1.Fds.Insert(wfd, 0)
		t1.Fds.SetCloexec(clon)

		pid := t1.Pid
		sid := t1.Sid
		pgid := t1.Pgid
		uid := t1.Creds.Ruid

		tf := &sys.Tf_t{}
		if xerr := sys.Exec(t1, tf, ustr.Ustr("/prog"),
			[]ustr.Ustr{ustr.Ustr("prog"), ustr.Ustr("one")}, nil); xerr != 0 {
			return false
		}
		if t1.Pid != pid || t1.Sid != sid || t1.Pgid != pgid || t1.Creds.Ruid != uid {
			return false
		}
		if t1.Name != "prog" {
			return false
		}
		if tf[sys.TF_EIP] != vaddr {
			return false
		}
		// argc at the new stack pointer
		argc, rerr := t1.Vm.Userreadn(tf[sys.TF_ESP], 4)
		if rerr != 0 || argc != 2 {
			return false
		}
		// the plain descriptor survived, the close-on-exec one is gone
		if _, err := t1.Fds.Get(keepn); err != 0 {
			return false
		}
		if _, err := t1.Fds.Get(clon); err != -defs.EBADF {
			return false
		}
		// and the text is mapped at its load address
		b := make([]uint8, 4)
		if cerr := t1.Vm.User2k(b, vaddr); cerr != 0 || b[0] != 0x90 {
			return false
		}
		return true
	})
}

func TestTaskAPI(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		base := userPage(t1)
		path := base
		t1.Vm.K2user([]uint8("/proc/task_api\x00"), path)
		fdn := call(t1, sys.SYS_OPEN, path, int(defs.O_RDONLY), 0)
		if fdn < 0 {
			return false
		}
		// the stream is one fixed-size record per task; find init's
		dst := base + 256
		foundInit := false
		for {
			n := call(t1, sys.SYS_READ, fdn, dst, defs.TASKAPI_INFO_SZ)
			if n == 0 {
				break
			}
			if n != defs.TASKAPI_INFO_SZ {
				return false
			}
			rec := make([]uint8, defs.TASKAPI_INFO_SZ)
			t1.Vm.User2k(rec, dst)
			pid := util.Readn(rec, 8, 0)
			state := util.Readn(rec, 8, 32)
			name := string(ustr.MkUstrSlice(rec[48:]))
			if pid == int(t1.Pid) {
				if name != "init" || proc.State_t(state) != proc.TASK_RUNNING {
					return false
				}
				foundInit = true
			}
		}
		if !foundInit {
			return false
		}

		// per-task detail ioctls: pid in, counts out
		arg := base + 512
		t1.Vm.Userwriten(arg, 8, int(t1.Pid))
		if r := call(t1, sys.SYS_IOCTL, fdn, defs.TASKAPI_FILE_INFO, arg); r != 0 {
			return false
		}
		nfds, _ := t1.Vm.Userreadn(arg+8, 8)
		if nfds != t1.Fds.Count() {
			return false
		}
		t1.Vm.Userwriten(arg, 8, int(t1.Pid))
		if r := call(t1, sys.SYS_IOCTL, fdn, defs.TASKAPI_MEM_INFO, arg); r != 0 {
			return false
		}
		regions, _ := t1.Vm.Userreadn(arg+8, 8)
		if regions < 1 {
			return false
		}
		// an unknown pid is refused
		t1.Vm.Userwriten(arg, 8, 99999)
		if r := call(t1, sys.SYS_IOCTL, fdn, defs.TASKAPI_MEM_INFO, arg); defs.Err_t(r) != -defs.ESRCH {
			return false
		}
		call(t1, sys.SYS_CLOSE, fdn, 0, 0)
		return true
	})
}

func TestReadDent(t *testing.T) {
	boot(t, func(t1 *proc.Task_t) bool {
		if err := fs.Fs_mkdir(ustr.Ustr("/sub"), 0755, nil, nil); err != 0 {
			return false
		}
		base := userPage(t1)
		path := base
		t1.Vm.K2user([]uint8("/\x00"), path)
		fdn := call(t1, sys.SYS_OPEN, path, int(defs.O_RDONLY|defs.O_DIRECTORY), 0)
		if fdn < 0 {
			return false
		}
		names := map[string]bool{}
		dst := base + 256
		for {
			n := call(t1, sys.SYS_READ_DENT, fdn, dst, 0)
			if n == 0 {
				break
			}
			if n < 0 {
				return false
			}
			rec := make([]uint8, fs.DIRENT_SZ)
			t1.Vm.User2k(rec, dst)
			nlen := int(rec[8])
			names[string(rec[9:9+nlen])] = true
		}
		call(t1, sys.SYS_CLOSE, fdn, 0, 0)
		return names["sub"] && names["."] && names[".."]
	})
}
