package vm

import (
	"testing"

	"defs"
	"mem"
)

func mkAs(t *testing.T) *Vm_t {
	t.Helper()
	mem.Init(512)
	as := &Vm_t{}
	as.Init()
	return as
}

func TestSbrk(t *testing.T) {
	as := mkAs(t)
	base := uintptr(0x8000000)
	as.Vmadd_anon("brk", base, 0, PTE_P|PTE_U|PTE_W)
	as.SetBrkRegion(base)

	a, err := as.Sbrk(0)
	if err != 0 {
		t.Fatalf("sbrk(0): %d", err)
	}
	b, err := as.Sbrk(4096)
	if err != 0 {
		t.Fatalf("sbrk(4096): %d", err)
	}
	c, err := as.Sbrk(0)
	if err != 0 {
		t.Fatalf("sbrk(0): %d", err)
	}
	if b != a {
		t.Fatalf("sbrk(n) returned %x, want old brk %x", b, a)
	}
	if c != a+4096 {
		t.Fatalf("new brk %x, want %x", c, a+4096)
	}

	// a byte at the old break is readable and writable after the grow
	if err := as.K2user([]uint8{0x5a}, a); err != 0 {
		t.Fatalf("write at %x: %d", a, err)
	}
	got := make([]uint8, 1)
	if err := as.User2k(got, a); err != 0 {
		t.Fatalf("read at %x: %d", a, err)
	}
	if got[0] != 0x5a {
		t.Fatalf("read back %x", got[0])
	}

	// past the break is not mapped
	if err := as.UserCheckRegion(c, 4096, 0); err != -defs.EFAULT {
		t.Fatalf("check past brk: %d", err)
	}
}

func TestUserCheckRegion(t *testing.T) {
	as := mkAs(t)
	as.Vmadd_anon("data", 0x10000, 2*uintptr(PGSIZE), PTE_P|PTE_U|PTE_W)
	as.Vmadd_anon("code", 0x20000, uintptr(PGSIZE), PTE_P|PTE_U)

	if err := as.UserCheckRegion(0x10000, 2*PGSIZE, PTE_W); err != 0 {
		t.Fatalf("writable region: %d", err)
	}
	if err := as.UserCheckRegion(0x20000, 16, PTE_W); err != -defs.EFAULT {
		t.Fatalf("write check on r/o region: %d", err)
	}
	if err := as.UserCheckRegion(0x30000, 1, 0); err != -defs.EFAULT {
		t.Fatalf("unmapped: %d", err)
	}
	// spans past the end of the region
	if err := as.UserCheckRegion(0x10000+PGSIZE, 2*PGSIZE, 0); err != -defs.EFAULT {
		t.Fatalf("straddling check: %d", err)
	}
}

func TestPgfault(t *testing.T) {
	as := mkAs(t)
	as.Vmadd_anon("data", 0x10000, uintptr(PGSIZE), PTE_P|PTE_U|PTE_W)
	as.Vmadd_anon("code", 0x20000, uintptr(PGSIZE), PTE_P|PTE_U)

	if err := as.Pgfault(0x10800, true); err != 0 {
		t.Fatalf("write fault on writable: %d", err)
	}
	if err := as.Pgfault(0x20010, true); err != -defs.EFAULT {
		t.Fatalf("write fault on read-only: %d", err)
	}
	if err := as.Pgfault(0x20010, false); err != 0 {
		t.Fatalf("read fault on read-only: %d", err)
	}
	if err := as.Pgfault(0x99000, false); err != -defs.EFAULT {
		t.Fatalf("fault on unmapped: %d", err)
	}
}

func TestForkIsolation(t *testing.T) {
	as := mkAs(t)
	as.Vmadd_anon("data", 0x10000, uintptr(PGSIZE), PTE_P|PTE_U|PTE_W)
	if err := as.K2user([]uint8{1, 2, 3}, 0x10000); err != 0 {
		t.Fatalf("seed: %d", err)
	}

	child, err := as.Fork()
	if err != 0 {
		t.Fatalf("fork: %d", err)
	}
	// writes in the parent are invisible in the child and vice versa
	if err := as.K2user([]uint8{9}, 0x10000); err != 0 {
		t.Fatalf("parent write: %d", err)
	}
	if err := child.K2user([]uint8{7}, 0x10001); err != 0 {
		t.Fatalf("child write: %d", err)
	}
	pbuf := make([]uint8, 3)
	cbuf := make([]uint8, 3)
	as.User2k(pbuf, 0x10000)
	child.User2k(cbuf, 0x10000)
	if pbuf[0] != 9 || pbuf[1] != 2 {
		t.Fatalf("parent sees %v", pbuf)
	}
	if cbuf[0] != 1 || cbuf[1] != 7 {
		t.Fatalf("child sees %v", cbuf)
	}
	child.Uvmfree()
	as.Uvmfree()
}

func TestUserstr(t *testing.T) {
	as := mkAs(t)
	as.Vmadd_anon("data", 0x10000, uintptr(PGSIZE), PTE_P|PTE_U|PTE_W)
	if err := as.K2user([]uint8("hello\x00"), 0x10000); err != 0 {
		t.Fatalf("seed: %d", err)
	}
	s, err := as.Userstr(0x10000, 64)
	if err != 0 {
		t.Fatalf("userstr: %d", err)
	}
	if s.String() != "hello" {
		t.Fatalf("got %q", s.String())
	}
	// a string with no NUL before the region ends faults at the edge
	unterm := make([]uint8, PGSIZE)
	for i := range unterm {
		unterm[i] = 'x'
	}
	if err := as.Kwrite(unterm, 0x10000); err != 0 {
		t.Fatalf("seed unterminated: %d", err)
	}
	if _, err := as.Userstr(0x10000, 2*PGSIZE); err != -defs.EFAULT {
		t.Fatalf("unterminated: %d", err)
	}
}

func TestUserreadnWriten(t *testing.T) {
	as := mkAs(t)
	as.Vmadd_anon("data", 0x10000, 2*uintptr(PGSIZE), PTE_P|PTE_U|PTE_W)
	// a 4-byte value straddling the page boundary
	va := 0x10000 + PGSIZE - 2
	if err := as.Userwriten(va, 4, 0x11223344); err != 0 {
		t.Fatalf("writen: %d", err)
	}
	v, err := as.Userreadn(va, 4)
	if err != 0 {
		t.Fatalf("readn: %d", err)
	}
	if v != 0x11223344 {
		t.Fatalf("got %x", v)
	}
}
