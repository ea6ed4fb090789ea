// Package diag rate-limits repeated diagnostic dumps from a single
// misbehaving task, so an illegal-instruction storm cannot flood the
// UART (spec.md §4.6/§7: the kernel "may terminate a task that makes
// no forward progress ... after emitting a diagnostic", which implies
// the diagnostic itself must not be unbounded). Adapted from biscuit's
// caller.Distinct_caller_t call-chain dedup, simplified from a full
// stack-hash to a per-Pid dump counter since NEURON's dump is a fixed
// trapframe snapshot rather than an arbitrary call chain.
package diag

import "sync"

// DumpLimiter caps the number of diagnostic dumps emitted per task
// before further occurrences are silently counted but not re-dumped.
type DumpLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[uint32]int
}

// NewDumpLimiter builds a limiter allowing up to max dumps per task id.
func NewDumpLimiter(max int) *DumpLimiter {
	return &DumpLimiter{max: max, counts: make(map[uint32]int)}
}

// Allow reports whether a dump for id should be emitted now, and the
// running count of occurrences (emitted or not) for id.
func (d *DumpLimiter) Allow(id uint32) (emit bool, total int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[id]++
	total = d.counts[id]
	return total <= d.max, total
}

// Reset clears id's count, used when a task makes forward progress
// again (e.g. a successful syscall return).
func (d *DumpLimiter) Reset(id uint32) {
	d.mu.Lock()
	delete(d.counts, id)
	d.mu.Unlock()
}
