// Package oommsg is the out-of-memory notification channel between the
// allocators and the reclaim thread, kept import-free so both sides can
// use it without coupling.
package oommsg

/// OomCh carries a message per blocked allocation. It is unbuffered:
/// a non-blocking send succeeds only when a reclaimer is parked at the
/// receive, so a sender never commits to waiting on Resume unless
/// someone will actually signal it.
var OomCh chan Oommsg_t = make(chan Oommsg_t)

/// Oommsg_t asks the reclaimer for Need pages; Resume is signalled once
/// a reclaim pass has run.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}
