// Package limits centralizes the system-wide resource ceilings:
// process count, cached vnodes, pipes, block
// cache pages. Each limit is either a plain int guarded by its owning
// subsystem's lock or a Sysatomic_t adjusted with atomic add/backout.
package limits

import (
	"sync/atomic"
	"unsafe"
)

/// Lhits counts limit hits, for diagnostics.
var Lhits int

/// Sysatomic_t is a numeric limit that can be atomically taken from and
/// given back to.
type Sysatomic_t int64

/// Syslimit_t tracks the system-wide resource limits.
type Syslimit_t struct {
	// number of tasks; taken by fork, given back at reap
	Sysprocs Sysatomic_t
	// cached inodes, guarded by the inode cache
	Vnodes int
	// open pipes
	Pipes Sysatomic_t
	// block cache entries
	Blocks int
	// system-wide open files
	Ofiles Sysatomic_t
}

/// Syslimit holds the configured limits.
var Syslimit *Syslimit_t = MkSysLimit()

/// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 1e4,
		Vnodes:   20000,
		Pipes:    1e4,
		Blocks:   100000,
		Ofiles:   1e5,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

/// Given returns n units of the limit.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	atomic.AddInt64(s._aptr(), n)
}

/// Taken tries to consume n units, returning true on success and
/// backing the decrement out on failure.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	Lhits++
	return false
}

/// Take consumes one unit of the limit.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give returns one unit.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

/// Sysprocs_take reserves one task slot; fork fails with EAGAIN when it
/// returns false.
func (l *Syslimit_t) Sysprocs_take() bool {
	return l.Sysprocs.Take()
}

/// Sysprocs_give releases a task slot when a task is reaped.
func (l *Syslimit_t) Sysprocs_give() {
	l.Sysprocs.Give()
}
