package loader

import (
	"encoding/binary"
	"testing"

	"defs"
	"fdops"
	"mem"
	"ustr"
	"util"
	"vm"
)

// memfile serves a byte slice through the file-ops interface, the way
// an executable opened through the VFS would be.
type memfile struct {
	data []byte
	refs int
}

func (m *memfile) Pread(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	if off >= len(m.data) {
		return 0, 0
	}
	return dst.Uiowrite(m.data[off:])
}

func (m *memfile) Read(dst fdops.Userio_i) (int, defs.Err_t)  { return 0, -defs.EINVAL }
func (m *memfile) Write(src fdops.Userio_i) (int, defs.Err_t) { return 0, -defs.EBADF }
func (m *memfile) Lseek(o, w int) (int, defs.Err_t)           { return 0, -defs.ESPIPE }
func (m *memfile) Close() defs.Err_t                          { m.refs--; return 0 }
func (m *memfile) Reopen() defs.Err_t                         { m.refs++; return 0 }
func (m *memfile) Fstat(dst fdops.StatDst_i) defs.Err_t       { return 0 }
func (m *memfile) Readdir(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}
func (m *memfile) Ioctl(c, a int) (int, defs.Err_t) { return 0, -defs.EINVAL }
func (m *memfile) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return 0, 0
}

// mkelf32 assembles a minimal one-segment ELF32 x86 executable whose
// file bytes at vaddr are text, with memsz-filesz of zero-fill after.
// The segment starts on a page boundary in the file, as a real linker
// lays it out (p_offset and p_vaddr congruent modulo the page size).
func mkelf32(entry, vaddr uint32, text []byte, memsz uint32) []byte {
	const ehsize = 52
	const phsize = 32
	segoff := uint32(vm.PGSIZE)
	img := make([]byte, int(segoff)+len(text))
	// e_ident
	copy(img, []byte{0x7f, 'E', 'L', 'F', 1 /*ELFCLASS32*/, 1 /*LSB*/, 1 /*EV_CURRENT*/})
	le := binary.LittleEndian
	le.PutUint16(img[16:], 2)  // ET_EXEC
	le.PutUint16(img[18:], 3)  // EM_386
	le.PutUint32(img[20:], 1)  // EV_CURRENT
	le.PutUint32(img[24:], entry)
	le.PutUint32(img[28:], ehsize) // e_phoff
	le.PutUint16(img[40:], ehsize) // e_ehsize
	le.PutUint16(img[42:], phsize) // e_phentsize
	le.PutUint16(img[44:], 1)      // e_phnum
	// program header
	ph := img[ehsize:]
	le.PutUint32(ph[0:], 1)                  // PT_LOAD
	le.PutUint32(ph[4:], segoff)             // p_offset
	le.PutUint32(ph[8:], vaddr)              // p_vaddr
	le.PutUint32(ph[12:], vaddr)             // p_paddr
	le.PutUint32(ph[16:], uint32(len(text))) // p_filesz
	le.PutUint32(ph[20:], memsz)             // p_memsz
	le.PutUint32(ph[24:], 7)                 // PF_R|PF_W|PF_X
	le.PutUint32(ph[28:], uint32(vm.PGSIZE)) // p_align
	copy(img[segoff:], text)
	return img
}

func TestLoadBasic(t *testing.T) {
	mem.Init(1024)
	// a page of file-backed text plus a 7-byte unaligned tail, then a
	// page of zero-fill
	text := make([]byte, vm.PGSIZE+7)
	for i := range text {
		text[i] = byte(i % 251)
	}
	const vaddr = 0x08048000
	entry := uint32(vaddr)
	f := &memfile{data: mkelf32(entry, vaddr, text, uint32(len(text))+4096), refs: 1}

	img, err := Load(f, []ustr.Ustr{ustr.Ustr("prog"), ustr.Ustr("arg1")},
		[]ustr.Ustr{ustr.Ustr("HOME=/")})
	if err != 0 {
		t.Fatalf("load: %d", err)
	}
	if img.Entry != int(entry) {
		t.Fatalf("entry %x, want %x", img.Entry, entry)
	}

	// the text bytes are visible at their virtual address, both the
	// lazily-faulted page-aligned part and the eagerly-copied tail
	got := make([]uint8, len(text))
	if cerr := img.As.User2k(got, vaddr); cerr != 0 {
		t.Fatalf("read text: %d", cerr)
	}
	for i := range text {
		if got[i] != text[i] {
			t.Fatalf("text[%d] = %x, want %x", i, got[i], text[i])
		}
	}

	// the BSS tail reads as zeroes
	z := make([]uint8, 16)
	bssAt := vaddr + len(text)
	if cerr := img.As.User2k(z, bssAt); cerr != 0 {
		t.Fatalf("read bss: %d", cerr)
	}
	for i, v := range z {
		if v != 0 {
			t.Fatalf("bss[%d] = %x", i, v)
		}
	}

	// canonical stack layout: sp points at argc, then &argv, &envp
	argc, cerr := img.As.Userreadn(img.Sp, 4)
	if cerr != 0 || argc != 2 {
		t.Fatalf("argc = %d (%d)", argc, cerr)
	}
	argvp, _ := img.As.Userreadn(img.Sp+4, 4)
	envpp, _ := img.As.Userreadn(img.Sp+8, 4)
	a0, _ := img.As.Userreadn(argvp, 4)
	s, serr := img.As.Userstr(a0, 64)
	if serr != 0 || s.String() != "prog" {
		t.Fatalf("argv[0] = %q (%d)", s.String(), serr)
	}
	a1, _ := img.As.Userreadn(argvp+4, 4)
	s, _ = img.As.Userstr(a1, 64)
	if s.String() != "arg1" {
		t.Fatalf("argv[1] = %q", s.String())
	}
	anull, _ := img.As.Userreadn(argvp+8, 4)
	if anull != 0 {
		t.Fatalf("argv not NULL-terminated: %x", anull)
	}
	e0, _ := img.As.Userreadn(envpp, 4)
	s, _ = img.As.Userstr(e0, 64)
	if s.String() != "HOME=/" {
		t.Fatalf("envp[0] = %q", s.String())
	}

	// the load took its own file references; teardown returns them
	refsBefore := f.refs
	img.As.Uvmfree()
	if f.refs >= refsBefore {
		t.Fatalf("teardown did not release the file: %d -> %d", refsBefore, f.refs)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	mem.Init(512)
	f := &memfile{data: []byte("#!/bin/sh\necho hi\n"), refs: 1}
	if _, err := Load(f, nil, nil); err != -defs.ENOEXEC {
		t.Fatalf("garbage image: %d", err)
	}
}

func TestLoadRejects64Bit(t *testing.T) {
	mem.Init(512)
	img := mkelf32(0x08048060, 0x08048000, []byte{0xc3}, 1)
	img[4] = 2 // ELFCLASS64
	f := &memfile{data: img, refs: 1}
	if _, err := Load(f, nil, nil); err != -defs.ENOEXEC {
		t.Fatalf("64-bit image: %d", err)
	}
}

func TestSbrkAfterLoad(t *testing.T) {
	mem.Init(1024)
	text := []byte{0xc3}
	f := &memfile{data: mkelf32(0x08048054, 0x08048000, text, 1), refs: 1}
	img, err := Load(f, nil, nil)
	if err != 0 {
		t.Fatalf("load: %d", err)
	}
	a, serr := img.As.Sbrk(0)
	if serr != 0 {
		t.Fatalf("sbrk(0): %d", serr)
	}
	if a != util.Roundup(0x08048000+1, vm.PGSIZE) {
		t.Fatalf("initial brk %x", a)
	}
	b, _ := img.As.Sbrk(4096)
	c, _ := img.As.Sbrk(0)
	if b != a || c != a+4096 {
		t.Fatalf("sbrk: %x %x %x", a, b, c)
	}
	img.As.Uvmfree()
}
