package tinfo

import "sync"

import "defs"

/// Tnote_t stores per-thread state used by the runtime.
type Tnote_t struct {
	// XXX "alive" should be "terminated"
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool // XXX maybe don't need doomed, but can use killed?
	// protects killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

// current holds the note of whichever task is presently running. The
// cooperative scheduler never runs two tasks at once, so one package-level
// slot stands in for the per-G storage a preemptive-multicore kernel would
// need; there is exactly one "current" at any instant by construction.
var current *Tnote_t

/// Current returns the current thread note.
func Current() *Tnote_t {
	if current == nil {
		panic("nuts")
	}
	return current
}

/// SetCurrent installs p as the current thread note.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nuts")
	}
	if current != nil {
		panic("nuts")
	}
	current = p
}

/// ClearCurrent removes the current thread note.
func ClearCurrent() {
	if current == nil {
		panic("nuts")
	}
	current = nil
}
