// Package res bounds the amount of work a single kernel operation may do
// while walking user memory page by page, so that a pathological request
// (an enormous read(), a huge iovec) cannot recurse into the page-fault
// path indefinitely. The kernel runs on one logical CPU, so a
// single package-level budget -- reset at the start of every syscall and
// drawn down by Resadd_noblock -- is sufficient; there is no per-CPU
// budget to juggle.
package res

import "sync"

/// DefaultBudget is the budget a fresh operation starts with.
const DefaultBudget = 1 << 20

var (
	mu     sync.Mutex
	budget uint = DefaultBudget
)

// Reset assigns a fresh budget for the operation about to run. Syscall
// dispatch calls this before invoking a handler.
func Reset(n uint) {
	mu.Lock()
	budget = n
	mu.Unlock()
}

// Resadd_noblock reserves n units from the current budget without
// blocking. It returns false once the budget is exhausted, signalling the
// caller to unwind and return ENOHEAP rather than loop forever.
func Resadd_noblock(n uint) bool {
	mu.Lock()
	defer mu.Unlock()
	if n > budget {
		return false
	}
	budget -= n
	return true
}

// Remain reports the budget left in the current operation.
func Remain() uint {
	mu.Lock()
	defer mu.Unlock()
	return budget
}
