// Package fd holds the per-descriptor state shared by every kind of
// open file: the descriptor record itself, the fixed-size per-task
// table (fdtable.go) and the current-working-directory handle.
package fd

import (
	"sync"

	"bpath"
	"defs"
	"fdops"
	"ustr"
)

// Per-descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

/// Fd_t is one descriptor: the shared file-ops reference plus the
/// descriptor-private permission bits (close-on-exec travels with the
/// descriptor, not the open file).
type Fd_t struct {
	// Fops is a reference: the open file behind it is shared by every
	// dup of this descriptor.
	Fops  fdops.Fdops_i
	Perms int
}

/// Copyfd duplicates a descriptor, taking a new reference on the open
/// file behind it.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure, for paths
/// where a close error means corrupted state rather than user error.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

/// Cwd_t is a task's current working directory: an open handle on the
/// directory plus the canonical path used to absolutize relative
/// arguments.
type Cwd_t struct {
	sync.Mutex // serializes chdir against path readers
	Fd   *Fd_t
	Path ustr.Ustr
}

/// Fullpath prefixes p with the cwd path unless p is already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	full := append(cwd.Path, '/')
	return append(full, p...)
}

/// Canonicalpath absolutizes and canonicalizes p against the cwd.
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	p1 := cwd.Fullpath(p)
	return bpath.Canonicalize(p1)
}

/// MkRootCwd builds a Cwd_t rooted at "/".
func MkRootCwd(fd *Fd_t) *Cwd_t {
	c := &Cwd_t{}
	c.Fd = fd
	c.Path = ustr.MkUstrRoot()
	return c
}
