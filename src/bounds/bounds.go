// Package bounds names the per-call-site heap/recursion budgets that
// res.Resadd_noblock draws against. Each constant identifies one place in
// the kernel that loops over user memory a page at a time; the table
// gives the number of budget units such a loop may consume before it must
// report ENOHEAP instead of continuing to recurse into the page-fault
// path.
package bounds

/// Bound_t names a call site that consumes heap/recursion budget.
type Bound_t int

const (
	B_USERBUF_T__TX Bound_t = iota
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_ASPACE_T_K2USER_INNER
	B_ASPACE_T_USER2K_INNER
	B_LOADER_T_STAGE_ARGS
	B_LOADER_T_MAP_SEGMENT
	B_FSCORE_T_BLOCK_SYNC_ALL
	B_VM_T_FORK_COPY
	nbounds
)

// table gives the reservation, in budget units, for each named site. The
// values are conservative: one unit per page plus a little slack for
// bookkeeping allocations the loop body may perform.
var table = [nbounds]uint{
	B_USERBUF_T__TX:           8,
	B_USERIOVEC_T_IOV_INIT:    4,
	B_USERIOVEC_T__TX:         8,
	B_ASPACE_T_K2USER_INNER:   8,
	B_ASPACE_T_USER2K_INNER:   8,
	B_LOADER_T_STAGE_ARGS:     16,
	B_LOADER_T_MAP_SEGMENT:    16,
	B_FSCORE_T_BLOCK_SYNC_ALL: 4,
	B_VM_T_FORK_COPY:          8,
}

/// Bounds returns the budget reservation registered for the call site b.
func Bounds(b Bound_t) uint {
	return table[b]
}
