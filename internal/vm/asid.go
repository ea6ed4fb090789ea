package vm

import "github.com/open-nexus-OS/neuron-core/internal/defs"

// asidAllocator hands out the 255 allocatable Sv39 ASIDs (slot 0 is
// defs.KernelAsid and is never allocated). It reuses freed slots, and
// spec.md §4.2 requires a full TLB fence on reuse -- callers must fence
// before the slot is handed out again, which Manager.AsCreate does.
type asidAllocator struct {
	free []defs.Asid // stack of free ASIDs; a fresh pool pops 1 first, and a released ASID is popped next
}

func newAsidAllocator(n int) *asidAllocator {
	if n <= 0 || n > 255 {
		panic("bad asid pool size")
	}
	a := &asidAllocator{free: make([]defs.Asid, 0, n)}
	for i := n; i >= 1; i-- {
		a.free = append(a.free, defs.Asid(i))
	}
	return a
}

// alloc pops a free ASID, or returns ENOSPC when the pool is exhausted.
func (a *asidAllocator) alloc() (defs.Asid, defs.Err_t) {
	if len(a.free) == 0 {
		return 0, defs.ENOSPC
	}
	n := len(a.free) - 1
	id := a.free[n]
	a.free = a.free[:n]
	return id, 0
}

// release returns asid to the free pool. The caller is responsible for
// fencing the TLB for this ASID before (or as part of) the next alloc
// that reuses it.
func (a *asidAllocator) release(id defs.Asid) {
	a.free = append(a.free, id)
}
