package fs

import (
	"fmt"
	"sync"

	"defs"
	"fdops"
)

// The seq-file scaffold for read-mostly proc-like files: output
// is rendered once into a growable kernel buffer and then copied out at
// whatever offsets the reader asks for. Render iterators follow the
// start/next/render/end convention; Next returning nil is the done
// flag.

/// Seqops_i walks whatever table a seq file views, one position at a
/// time.
type Seqops_i interface {
	Start(sf *Seqfile_t) interface{}
	Next(sf *Seqfile_t, pos interface{}) interface{}
	Render(sf *Seqfile_t, pos interface{}) defs.Err_t
	End(sf *Seqfile_t)
}

/// Seqfile_t caches one rendering of a seq file.
type Seqfile_t struct {
	mu       sync.Mutex
	ops      Seqops_i
	buf      []byte
	rendered bool
	off      int
	refs     int
}

/// MkSeqfile returns an open seq file over ops, ready to install in an
/// Fd_t.
func MkSeqfile(ops Seqops_i) *Seqfile_t {
	return &Seqfile_t{ops: ops, refs: 1}
}

/// Printf appends formatted output to the render buffer; only sensible
/// from inside Render.
func (sf *Seqfile_t) Printf(format string, args ...interface{}) {
	sf.buf = append(sf.buf, fmt.Sprintf(format, args...)...)
}

/// Append appends raw bytes to the render buffer.
func (sf *Seqfile_t) Append(b []byte) {
	sf.buf = append(sf.buf, b...)
}

// render runs the full iteration once. Caller holds sf.mu.
func (sf *Seqfile_t) render() defs.Err_t {
	if sf.rendered {
		return 0
	}
	sf.buf = sf.buf[:0]
	for pos := sf.ops.Start(sf); pos != nil; pos = sf.ops.Next(sf, pos) {
		if err := sf.ops.Render(sf, pos); err != 0 {
			sf.ops.End(sf)
			return err
		}
	}
	sf.ops.End(sf)
	sf.rendered = true
	return 0
}

func (sf *Seqfile_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if err := sf.render(); err != 0 {
		return 0, err
	}
	if sf.off >= len(sf.buf) {
		return 0, 0
	}
	n, err := dst.Uiowrite(sf.buf[sf.off:])
	sf.off += n
	return n, err
}

func (sf *Seqfile_t) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if err := sf.render(); err != 0 {
		return 0, err
	}
	if offset >= len(sf.buf) {
		return 0, 0
	}
	return dst.Uiowrite(sf.buf[offset:])
}

func (sf *Seqfile_t) Lseek(off, whence int) (int, defs.Err_t) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	switch whence {
	case defs.SEEK_SET:
		sf.off = off
	case defs.SEEK_CUR:
		sf.off += off
	case defs.SEEK_END:
		// SEEK_END must know the final size, which forces a full
		// render.
		if err := sf.render(); err != 0 {
			return 0, err
		}
		sf.off = len(sf.buf) + off
	default:
		return 0, -defs.EINVAL
	}
	if sf.off < 0 {
		sf.off = 0
	}
	return sf.off, 0
}

func (sf *Seqfile_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.EPERM
}

func (sf *Seqfile_t) Close() defs.Err_t {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.refs--
	return 0
}

func (sf *Seqfile_t) Reopen() defs.Err_t {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.refs++
	return 0
}

func (sf *Seqfile_t) Fstat(dst fdops.StatDst_i) defs.Err_t {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if err := sf.render(); err != 0 {
		return err
	}
	dst.Wmode(0444)
	dst.Wsize(uint(len(sf.buf)))
	return 0
}

func (sf *Seqfile_t) Readdir(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}

func (sf *Seqfile_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (sf *Seqfile_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return pm.Events & fdops.POLLIN, 0
}
