// Package captable implements the per-task capability table: a fixed
// array of slots, each holding one unforgeable Capability or empty.
// Grounded on biscuit's arena-of-opaque-indices pattern (spec.md §9):
// a Capability's fields are unexported, so one can only be built
// through this package's New* constructors; those constructors are
// exported and callable from any package. Every slot belongs to exactly
// one task's Table -- there is no shared, global capability table.
package captable

import (
	"sync"

	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

// Capability is the tagged variant of spec.md §3: Endpoint, Vmo,
// AddressSpace, or DeviceMmio, dispatched by Kind rather than by
// reflection or an interface hierarchy (spec.md §9).
//
// Only the fields relevant to Kind are meaningful; callers must switch
// on Kind before reading payload fields, exactly as Lookup enforces.
type Capability struct {
	kind   defs.CapKind
	rights defs.Rights

	// Endpoint
	endpointID uint32

	// Vmo
	vmoID uint32
	size  int

	// AddressSpace
	asHandle interface{} // holds vm.AsHandle; typed as interface{} to keep captable from depending on vm

	// DeviceMmio
	physBase uintptr
	mmioLen  uintptr
}

// NewEndpoint constructs an Endpoint capability. It is exported, so
// any package may call it; unforgeability rests only on the
// Capability's fields being unexported.
func NewEndpoint(id uint32, rights defs.Rights) Capability {
	return Capability{kind: defs.CapEndpoint, rights: rights, endpointID: id}
}

// NewVmo constructs a Vmo capability.
func NewVmo(id uint32, size int, rights defs.Rights) Capability {
	return Capability{kind: defs.CapVmo, rights: rights, vmoID: id, size: size}
}

// NewAddressSpace constructs an AddressSpace capability. handle should
// be a vm.AsHandle; it is stored opaquely to avoid captable depending
// on vm (vm depends on nothing capability-shaped, keeping the lock
// order scheduler > ipc > memory manager free of a captable edge).
func NewAddressSpace(handle interface{}, rights defs.Rights) Capability {
	return Capability{kind: defs.CapAddressSpace, rights: rights, asHandle: handle}
}

// NewDeviceMMIO constructs a DeviceMmio capability over [physBase,
// physBase+length).
func NewDeviceMMIO(physBase, length uintptr, rights defs.Rights) Capability {
	return Capability{kind: defs.CapDeviceMMIO, rights: rights, physBase: physBase, mmioLen: length}
}

func (c Capability) Kind() defs.CapKind     { return c.kind }
func (c Capability) Rights() defs.Rights    { return c.rights }
func (c Capability) EndpointID() uint32     { return c.endpointID }
func (c Capability) VmoID() uint32          { return c.vmoID }
func (c Capability) VmoSize() int           { return c.size }
func (c Capability) AsHandle() interface{}  { return c.asHandle }
func (c Capability) PhysBase() uintptr      { return c.physBase }
func (c Capability) MMIOLen() uintptr       { return c.mmioLen }
func (c Capability) empty() bool            { return c.kind == defs.CapNone }

// narrow returns c with rights intersected against mask -- the sole
// operation Transfer performs on the payload, never escalating.
func (c Capability) narrow(mask defs.Rights) Capability {
	c.rights &= mask
	return c
}

// Table is one task's fixed-size capability slot array.
type Table struct {
	mu    sync.Mutex
	slots []Capability
}

// NewTable builds a table with n slots, all empty. spec.md §3:
// "32 slots for the bootstrap task; configurable per task".
func NewTable(n int) *Table {
	if n <= 0 {
		panic("bad cap table size")
	}
	return &Table{slots: make([]Capability, n)}
}

func (t *Table) bounds(slot int) defs.Err_t {
	if slot < 0 || slot >= len(t.slots) {
		return defs.EINVAL
	}
	return 0
}

// Grant places cap into slot. A slot holds one capability or is empty;
// granting into an occupied slot fails with EPERM, the same "don't
// silently clobber a live capability" rule cap_transfer enforces on
// its destination slot.
func (t *Table) Grant(slot int, cap Capability) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bounds(slot); err != 0 {
		return err
	}
	if !t.slots[slot].empty() {
		return defs.EPERM
	}
	t.slots[slot] = cap
	return 0
}

// Revoke empties slot, for exit/cleanup paths.
func (t *Table) Revoke(slot int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bounds(slot); err != 0 {
		return err
	}
	t.slots[slot] = Capability{}
	return 0
}

// Query returns the capability in slot regardless of kind or rights --
// used by cap_query (spec.md §4.6 syscall 28), which reports a slot's
// kind/base/len opaquely without requiring any particular right.
func (t *Table) Query(slot int) (Capability, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bounds(slot); err != 0 {
		return Capability{}, err
	}
	cap := t.slots[slot]
	if cap.empty() {
		return Capability{}, defs.EINVAL
	}
	return cap, 0
}

// Lookup returns the capability in slot if it matches requiredKind and
// holds every bit of requiredRights, else EPERM (wrong rights/kind) or
// EINVAL (out of bounds / empty slot).
func (t *Table) Lookup(slot int, requiredKind defs.CapKind, requiredRights defs.Rights) (Capability, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bounds(slot); err != 0 {
		return Capability{}, err
	}
	cap := t.slots[slot]
	if cap.empty() {
		return Capability{}, defs.EINVAL
	}
	if cap.kind != requiredKind {
		return Capability{}, defs.EPERM
	}
	if !requiredRights.Subset(cap.rights) {
		return Capability{}, defs.EPERM
	}
	return cap, 0
}

// Transfer moves a rights-narrowed copy of srcTable[srcSlot] into
// dstTable[dstSlot]: target rights = source rights & mask, never an
// escalation (spec.md §4.3/§8). Returns EPERM if the source slot is
// empty or the destination slot is occupied, EINVAL for an
// out-of-bounds slot on either side.
//
// srcTable and dstTable may be the same table (self-transfer between
// slots) or the caller's and another task's; the two mutexes are
// always acquired in a fixed order (by pointer identity) to respect
// the documented lock hierarchy and avoid deadlock between concurrent
// transfers in opposite directions.
func Transfer(srcTable *Table, srcSlot int, dstTable *Table, dstSlot int, mask defs.Rights) defs.Err_t {
	if srcTable == dstTable {
		srcTable.mu.Lock()
		defer srcTable.mu.Unlock()
		return transferLocked(srcTable, srcSlot, dstTable, dstSlot, mask)
	}
	first, second := srcTable, dstTable
	if tableLess(dstTable, srcTable) {
		first, second = dstTable, srcTable
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	return transferLocked(srcTable, srcSlot, dstTable, dstSlot, mask)
}

func transferLocked(srcTable *Table, srcSlot int, dstTable *Table, dstSlot int, mask defs.Rights) defs.Err_t {
	if err := srcTable.bounds(srcSlot); err != 0 {
		return err
	}
	if err := dstTable.bounds(dstSlot); err != 0 {
		return err
	}
	src := srcTable.slots[srcSlot]
	if src.empty() {
		return defs.EPERM
	}
	if !dstTable.slots[dstSlot].empty() {
		return defs.EPERM
	}
	dstTable.slots[dstSlot] = src.narrow(mask)
	return 0
}

// tableLess gives a stable arbitrary total order over *Table pointers
// for lock-ordering purposes.
func tableLess(a, b *Table) bool {
	return uintptrOf(a) < uintptrOf(b)
}
