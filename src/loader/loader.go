// Package loader parses an executable image and constructs the initial
// address space: one file-backed vm_map per LOAD section, an
// anonymous region for the BSS tail, a fixed stack near the top of the
// user address range, and the canonical argv/envp layout staged onto
// that stack.
package loader

import (
	"debug/elf"
	"io"

	"bounds"
	"defs"
	"fdops"
	"res"
	"ustr"
	"util"
	"vm"
)

/// USERMAX is the top of the 32-bit user address range; the stack grows
/// down from here.
const USERMAX = 0x80000000

/// STACKPAGES is the fixed size of the initial user stack.
const STACKPAGES = 32

const ptrsz = 4 // 32-bit user pointers

/// Image_t is the result of a successful load: the fresh address space
/// and the initial instruction and stack pointers.
type Image_t struct {
	As    *vm.Vm_t
	Entry int
	Sp    int
}

// fdReaderAt adapts an open file to debug/elf's io.ReaderAt.
type fdReaderAt struct {
	fops fdops.Fdops_i
}

func (r *fdReaderAt) ReadAt(p []byte, off int64) (int, error) {
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(p)
	n, err := r.fops.Pread(fub, int(off))
	if err != 0 {
		return n, io.ErrUnexpectedEOF
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func pgRoundDown(v int) int { return v &^ (vm.PGSIZE - 1) }
func pgRoundUp(v int) int   { return util.Roundup(v, vm.PGSIZE) }

func permsFor(f elf.ProgFlag) vm.Perm_t {
	p := vm.PTE_P | vm.PTE_U
	if f&elf.PF_W != 0 {
		p |= vm.PTE_W
	}
	return p
}

/// Load builds a new address space from the executable open behind
/// fops. The old address space is untouched; the caller swaps spaces
/// only after Load succeeds, so a failed exec leaves the task runnable.
func Load(fops fdops.Fdops_i, argv, envp []ustr.Ustr) (*Image_t, defs.Err_t) {
	ef, err := elf.NewFile(&fdReaderAt{fops: fops})
	if err != nil {
		return nil, -defs.ENOEXEC
	}
	defer ef.Close()
	if ef.Class != elf.ELFCLASS32 || ef.Machine != elf.EM_386 {
		return nil, -defs.ENOEXEC
	}
	if ef.Type != elf.ET_EXEC {
		return nil, -defs.ENOEXEC
	}

	as := &vm.Vm_t{}
	as.Init()

	var brkTop int
	nload := 0
	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_LOADER_T_MAP_SEGMENT)) {
			as.Uvmfree()
			return nil, -defs.ENOHEAP
		}
		vaddr := int(ph.Vaddr)
		filesz := int(ph.Filesz)
		memsz := int(ph.Memsz)
		foff := int(ph.Off)
		if vaddr < vm.USERMIN || vaddr+memsz > USERMAX-STACKPAGES*vm.PGSIZE {
			as.Uvmfree()
			return nil, -defs.ENOEXEC
		}
		perms := permsFor(ph.Flags)
		name := "data"
		if perms&vm.PTE_W == 0 {
			name = "code"
		}

		fstart := pgRoundDown(vaddr)
		fend := pgRoundDown(vaddr + filesz)
		if fend > fstart {
			// pages fully backed by the file fault in lazily; the
			// region holds its own reference on the executable
			fops.Reopen()
			as.Vmadd_file(name, uintptr(fstart), uintptr(fend-fstart), perms,
				fops, pgRoundDown(foff))
		}
		aend := pgRoundUp(vaddr + memsz)
		if aend > fend {
			// BSS tail: anonymous and zero-filled
			as.Vmadd_anon("bss", uintptr(fend), uintptr(aend-fend), perms|vm.PTE_W)
		}
		tstart := fend
		if tstart < vaddr {
			tstart = vaddr
		}
		if vaddr+filesz > tstart {
			// the file tail does not end on a page boundary: read
			// it eagerly into the anonymous page, whose remainder
			// is already zeroes
			tail := make([]byte, vaddr+filesz-tstart)
			fub := &vm.Fakeubuf_t{}
			fub.Fake_init(tail)
			if _, rerr := fops.Pread(fub, foff+(tstart-vaddr)); rerr != 0 {
				as.Uvmfree()
				return nil, rerr
			}
			if werr := as.Kwrite(tail, tstart); werr != 0 {
				as.Uvmfree()
				return nil, werr
			}
		}
		if aend > brkTop {
			brkTop = aend
		}
		nload++
	}
	if nload == 0 {
		as.Uvmfree()
		return nil, -defs.ENOEXEC
	}

	// the program break starts at the highest loaded address; sbrk grows
	// a fresh bss region from here
	as.Vmadd_anon("brk", uintptr(brkTop), 0, vm.PTE_P|vm.PTE_U|vm.PTE_W)
	as.SetBrkRegion(uintptr(brkTop))

	// fixed stack at the top of user space
	stackBot := USERMAX - STACKPAGES*vm.PGSIZE
	as.Vmadd_anon("stack", uintptr(stackBot), STACKPAGES*vm.PGSIZE, vm.PTE_P|vm.PTE_U|vm.PTE_W)

	sp, serr := stageArgs(as, USERMAX, argv, envp)
	if serr != 0 {
		as.Uvmfree()
		return nil, serr
	}

	return &Image_t{As: as, Entry: int(ef.Entry), Sp: sp}, 0
}

// stageArgs lays out the canonical stack image:
//
//	... argv strings ... envp strings ...
//	argv[0..argc] NULL
//	envp[0..envc] NULL
//	&envp, &argv, argc        <- final SP
func stageArgs(as *vm.Vm_t, top int, argv, envp []ustr.Ustr) (int, defs.Err_t) {
	sp := top

	writeStr := func(s ustr.Ustr) (int, defs.Err_t) {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_LOADER_T_STAGE_ARGS)) {
			return 0, -defs.ENOHEAP
		}
		sp -= len(s) + 1
		buf := append(append([]byte(nil), s...), 0)
		if err := as.Kwrite(buf, sp); err != 0 {
			return 0, err
		}
		return sp, 0
	}

	argp := make([]int, len(argv))
	for n, a := range argv {
		p, err := writeStr(a)
		if err != 0 {
			return 0, err
		}
		argp[n] = p
	}
	envpp := make([]int, len(envp))
	for n, e := range envp {
		p, err := writeStr(e)
		if err != 0 {
			return 0, err
		}
		envpp[n] = p
	}

	sp &^= ptrsz - 1

	writeWord := func(v int) defs.Err_t {
		sp -= ptrsz
		var w [ptrsz]byte
		util.Writen(w[:], ptrsz, 0, v)
		return as.Kwrite(w[:], sp)
	}

	// envp vector, NULL-terminated, built top-down so it reads in order
	if err := writeWord(0); err != 0 {
		return 0, err
	}
	for n := len(envpp) - 1; n >= 0; n-- {
		if err := writeWord(envpp[n]); err != 0 {
			return 0, err
		}
	}
	envvec := sp

	if err := writeWord(0); err != 0 {
		return 0, err
	}
	for n := len(argp) - 1; n >= 0; n-- {
		if err := writeWord(argp[n]); err != 0 {
			return 0, err
		}
	}
	argvec := sp

	if err := writeWord(envvec); err != 0 {
		return 0, err
	}
	if err := writeWord(argvec); err != 0 {
		return 0, err
	}
	if err := writeWord(len(argv)); err != 0 {
		return 0, err
	}
	return sp, 0
}
