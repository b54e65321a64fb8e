package fd

import (
	"sync"
	"testing"

	"defs"
	"fdops"
)

// stubfops counts references so the table's ownership rules are
// observable.
type stubfops struct {
	mu     sync.Mutex
	refs   int
	closes int
}

func (s *stubfops) Close() defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	s.closes++
	return 0
}
func (s *stubfops) Reopen() defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return 0
}
func (s *stubfops) Fstat(dst fdops.StatDst_i) defs.Err_t        { return 0 }
func (s *stubfops) Read(dst fdops.Userio_i) (int, defs.Err_t)   { return 0, 0 }
func (s *stubfops) Write(src fdops.Userio_i) (int, defs.Err_t)  { return 0, 0 }
func (s *stubfops) Pread(d fdops.Userio_i, o int) (int, defs.Err_t) { return 0, 0 }
func (s *stubfops) Lseek(o, w int) (int, defs.Err_t)            { return 0, 0 }
func (s *stubfops) Readdir(d fdops.Userio_i) (int, defs.Err_t)  { return 0, -defs.ENOTDIR }
func (s *stubfops) Ioctl(c, a int) (int, defs.Err_t)            { return 0, -defs.EINVAL }
func (s *stubfops) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return 0, 0
}

func mkfd() (*Fd_t, *stubfops) {
	s := &stubfops{refs: 1}
	return &Fd_t{Fops: s, Perms: FD_READ | FD_WRITE}, s
}

func TestInsertGetClose(t *testing.T) {
	ft := MkFdtable()
	f, s := mkfd()
	fdn, err := ft.Insert(f, 0)
	if err != 0 {
		t.Fatalf("insert: %d", err)
	}
	if fdn != 0 {
		t.Fatalf("first fd = %d, want 0", fdn)
	}
	got, err := ft.Get(fdn)
	if err != 0 || got != f {
		t.Fatalf("get: %v %d", got, err)
	}
	if err := ft.Close(fdn); err != 0 {
		t.Fatalf("close: %d", err)
	}
	if _, err := ft.Get(fdn); err != -defs.EBADF {
		t.Fatalf("get after close: %d", err)
	}
	if s.closes != 1 {
		t.Fatalf("closes = %d", s.closes)
	}
}

func TestGetEmptyLowestSlot(t *testing.T) {
	ft := MkFdtable()
	f0, _ := mkfd()
	f1, _ := mkfd()
	f2, _ := mkfd()
	ft.Insert(f0, 0)
	n1, _ := ft.Insert(f1, 0)
	ft.Insert(f2, 0)
	ft.Close(n1)
	f3, _ := mkfd()
	n3, err := ft.Insert(f3, 0)
	if err != 0 || n3 != n1 {
		t.Fatalf("reused slot = %d, want %d", n3, n1)
	}
}

func TestDupSharesFile(t *testing.T) {
	ft := MkFdtable()
	f, s := mkfd()
	fdn, _ := ft.Insert(f, 0)
	dn, err := ft.Dup(fdn, 0)
	if err != 0 {
		t.Fatalf("dup: %d", err)
	}
	if dn == fdn {
		t.Fatalf("dup returned the same slot")
	}
	df, _ := ft.Get(dn)
	if df.Fops != f.Fops {
		t.Fatalf("dup does not share the open file")
	}
	if s.refs != 2 {
		t.Fatalf("refs = %d, want 2", s.refs)
	}
	ft.Close(fdn)
	ft.Close(dn)
	if s.refs != 0 {
		t.Fatalf("refs after closes = %d", s.refs)
	}
}

func TestDup2ClosesTarget(t *testing.T) {
	ft := MkFdtable()
	fa, _ := mkfd()
	fb, sb := mkfd()
	an, _ := ft.Insert(fa, 0)
	bn, _ := ft.Insert(fb, 0)
	n, err := ft.Dup2(an, bn)
	if err != 0 || n != bn {
		t.Fatalf("dup2: %d %d", n, err)
	}
	if sb.closes != 1 {
		t.Fatalf("target not closed")
	}
	got, _ := ft.Get(bn)
	if got.Fops != fa.Fops {
		t.Fatalf("dup2 slot holds wrong file")
	}
}

func TestCloseExec(t *testing.T) {
	ft := MkFdtable()
	fa, sa := mkfd()
	fb, sbb := mkfd()
	fa.Perms |= FD_CLOEXEC
	an, _ := ft.Insert(fa, 0)
	bn, _ := ft.Insert(fb, 0)
	ft.CloseExec()
	if _, err := ft.Get(an); err != -defs.EBADF {
		t.Fatalf("cloexec fd survived exec")
	}
	if _, err := ft.Get(bn); err != 0 {
		t.Fatalf("plain fd closed by exec")
	}
	if sa.closes != 1 || sbb.closes != 0 {
		t.Fatalf("closes: %d %d", sa.closes, sbb.closes)
	}
}

func TestForkCopiesTable(t *testing.T) {
	ft := MkFdtable()
	f, s := mkfd()
	fdn, _ := ft.Insert(f, 0)
	nt, err := ft.Fork()
	if err != 0 {
		t.Fatalf("fork: %d", err)
	}
	if s.refs != 2 {
		t.Fatalf("refs after fork = %d", s.refs)
	}
	cf, gerr := nt.Get(fdn)
	if gerr != 0 || cf.Fops != f.Fops {
		t.Fatalf("child slot mismatch")
	}
	nt.CloseAll()
	ft.CloseAll()
	if s.refs != 0 {
		t.Fatalf("refs after teardown = %d", s.refs)
	}
}

func TestMfileLimit(t *testing.T) {
	ft := MkFdtable()
	for i := 0; i < NOFILE; i++ {
		f, _ := mkfd()
		if _, err := ft.Insert(f, 0); err != 0 {
			t.Fatalf("insert %d: %d", i, err)
		}
	}
	f, _ := mkfd()
	if _, err := ft.Insert(f, 0); err != -defs.EMFILE {
		t.Fatalf("overflow insert: %d", err)
	}
}
