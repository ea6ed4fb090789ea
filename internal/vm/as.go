// Package vm implements the Sv39 address-space manager: as_create,
// as_map (with the W^X contract), mmio_map, activate and destroy, plus
// the VMO-backed page fault path a round-trip test exercises
// (vmo_create; vmo_write; map; read). Grounded on biscuit's vm.Vm_t /
// vm/as.go (Lock_pmap/Page_insert/Tlbshoot lineage) and mem.Physmem_t's
// refcounted physical pages, generalized from x86-64 PTE bits to Sv39.
package vm

import (
	"sync"

	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/hal"
	"github.com/open-nexus-OS/neuron-core/internal/mem"
)

// AsHandle is the opaque kernel-provided handle spec.md §3 describes:
// "only the manager that allocated it may free it". The zero value
// never names a live address space.
type AsHandle struct {
	idx uint32
	gen uint32
}

// VmoID names a virtual memory object created by vmo_create.
type VmoID uint32

// mapping records one installed region, used only for the overlap and
// W^X invariant checks (spec.md §8); the real lookup path is the page
// table itself.
type mapping struct {
	va    uintptr
	len   int
	prot  mem.Prot
	vmo   VmoID
	isMMIO bool
}

// addressSpace is the manager's internal record for one AsHandle.
type addressSpace struct {
	asid     defs.Asid
	root     *mem.PageTable
	rootPa   mem.Pa_t
	mappings []mapping
	refs     int32 // back-references held by tasks; destroy rejects while > 0
	live     bool
}

type vmo struct {
	size  int
	pages []mem.Pa_t // one entry per PGSIZE page, all allocated by VmoCreate
}

// Manager is the kernel's single AddressSpaceManager instance
// (spec.md §4.1 step 5: constructed once in KernelState).
type Manager struct {
	mu      sync.Mutex
	physmem *mem.Physmem
	tlb     *hal.TLB
	devices *hal.DeviceTable
	asids   *asidAllocator
	spaces  []addressSpace // indexed by AsHandle.idx
	vmos    map[VmoID]*vmo
	nextVmo VmoID

	// activeAsid tracks the currently activated ASID (simulated SATP),
	// for tests asserting activate()'s TLB-fence + install behaviour.
	activeAsid defs.Asid
}

// NewManager builds the address-space manager against a physical page
// pool, the HAL's TLB fence primitive, and the machine's MMIO device
// table.
func NewManager(physmem *mem.Physmem, tlb *hal.TLB, devices *hal.DeviceTable, lim config.Limits) *Manager {
	return &Manager{
		physmem: physmem,
		tlb:     tlb,
		devices: devices,
		asids:   newAsidAllocator(lim.NumASIDs),
		vmos:    make(map[VmoID]*vmo),
	}
}

// AsCreate allocates an ASID and a fresh root page table. Failure:
// ENOSPC when the ASID pool is exhausted (spec.md §4.2).
func (m *Manager) AsCreate() (AsHandle, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	asid, err := m.asids.alloc()
	if err != 0 {
		return AsHandle{}, err
	}
	// Reusing a freed ASID requires a full TLB fence before first use
	// (spec.md §4.2 invariant).
	m.tlb.FenceASID(uint8(asid))

	pa, bytes, merr := m.physmem.Refpg()
	if merr != 0 {
		m.asids.release(asid)
		return AsHandle{}, merr
	}
	root := (*mem.PageTable)(ptrOf(bytes))

	idx := uint32(len(m.spaces))
	m.spaces = append(m.spaces, addressSpace{
		asid:   asid,
		root:   root,
		rootPa: pa,
		live:   true,
	})
	return AsHandle{idx: idx, gen: 1}, 0
}

func (m *Manager) lookup(h AsHandle) (*addressSpace, defs.Err_t) {
	if int(h.idx) >= len(m.spaces) {
		return nil, defs.EINVAL
	}
	as := &m.spaces[h.idx]
	if !as.live {
		return nil, defs.EINVAL
	}
	return as, 0
}

// overlaps reports whether [va, va+length) intersects any existing
// mapping in as.
func overlaps(as *addressSpace, va uintptr, length int) bool {
	end := va + uintptr(length)
	for _, mp := range as.mappings {
		mend := mp.va + uintptr(mp.len)
		if va < mend && mp.va < end {
			return true
		}
	}
	return false
}

// AsMap installs mappings for [va, va+len) backed by vmoID with the
// requested protection, page by page. Enforces spec.md §4.2's full
// contract: W^X rejection, alignment, canonical range, and no
// overlapping double-map.
func (m *Manager) AsMap(h AsHandle, vmoID VmoID, va uintptr, length int, prot mem.Prot) defs.Err_t {
	if prot.ViolatesWX() {
		return defs.EPERM
	}
	if length <= 0 || va%uintptr(mem.PGSIZE) != 0 || length%mem.PGSIZE != 0 {
		return defs.EINVAL
	}
	if !isCanonicalSv39(va) || !isCanonicalSv39(va+uintptr(length)-1) {
		return defs.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	v, ok := m.vmos[vmoID]
	if !ok {
		return defs.EINVAL
	}
	if length > v.size {
		return defs.EINVAL
	}
	if overlaps(as, va, length) {
		return defs.EINVAL
	}

	npages := length / mem.PGSIZE
	for i := 0; i < npages; i++ {
		pte, werr := pmapWalk(m.physmem, as.root, va+uintptr(i*mem.PGSIZE), true)
		if werr != 0 {
			return werr
		}
		if pte.Valid() {
			// should be unreachable given the overlap check above.
			panic("double map slipped past overlap check")
		}
		pa := v.pages[i]
		*pte = mem.MkPTE(pa, prot.ToPTEFlags())
	}
	as.mappings = append(as.mappings, mapping{va: va, len: length, prot: prot, vmo: vmoID})
	return 0
}

// MmioMap maps a DeviceMMIO window. Callers (the trap/syscall layer)
// must already have validated a DeviceMMIO capability's rights; this
// function re-validates the window against the machine's device table
// and enforces USER|RW-never-EXEC per spec.md §6.4.
func (m *Manager) MmioMap(h AsHandle, physBase, length uintptr, va uintptr, requestExec bool) defs.Err_t {
	if requestExec {
		return defs.EPERM
	}
	if _, ok := m.devices.Lookup(physBase, length); !ok {
		return defs.EPERM
	}
	if length <= 0 || va%uintptr(mem.PGSIZE) != 0 || length%uintptr(mem.PGSIZE) != 0 {
		return defs.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	if overlaps(as, va, int(length)) {
		return defs.EINVAL
	}

	prot := mem.ProtRead | mem.ProtWrite | mem.ProtUser
	npages := int(length / uintptr(mem.PGSIZE))
	for i := 0; i < npages; i++ {
		off := uintptr(i * mem.PGSIZE)
		pte, werr := pmapWalk(m.physmem, as.root, va+off, true)
		if werr != 0 {
			return werr
		}
		// MMIO pages are identity-referenced by physical address, not
		// backed by a pooled page -- no refcount bookkeeping applies.
		*pte = mem.MkPTE(mem.Pa_t(physBase+off), prot.ToPTEFlags())
	}
	as.mappings = append(as.mappings, mapping{va: va, len: int(length), prot: prot, isMMIO: true})
	return 0
}

// Activate writes SATP (simulated) to select as's root page table and
// issues a global sfence.vma, per spec.md §4.2.
func (m *Manager) Activate(h AsHandle) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	m.activeAsid = as.asid
	m.tlb.FenceGlobal()
	return 0
}

// AddRef records that a task now holds a back-reference to h, which
// Destroy consults to refuse tearing down a still-referenced address
// space (spec.md §3: "AsHandle ... destruction rejects while refs
// remain").
func (m *Manager) AddRef(h AsHandle) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	as.refs++
	return 0
}

// DropRef releases one back-reference acquired by AddRef.
func (m *Manager) DropRef(h AsHandle) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	if as.refs == 0 {
		panic("refcount underflow")
	}
	as.refs--
	return 0
}

// Destroy marks h dead and returns its ASID to the pool. The root and
// intermediate page-table pages are not returned to physmem. Rejects
// with EPERM while any task holds a back-reference.
func (m *Manager) Destroy(h AsHandle) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	if as.refs > 0 {
		return defs.EPERM
	}
	as.live = false
	m.asids.release(as.asid)
	return 0
}

// VmoCreate allocates a fresh VMO of npages pages, zero-filled.
func (m *Manager) VmoCreate(npages int) (VmoID, defs.Err_t) {
	if npages <= 0 {
		return 0, defs.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([]mem.Pa_t, npages)
	for i := range pages {
		pa, _, err := m.physmem.Refpg()
		if err != 0 {
			for j := 0; j < i; j++ {
				m.physmem.Refdown(pages[j])
			}
			return 0, err
		}
		pages[i] = pa
	}
	m.nextVmo++
	id := m.nextVmo
	m.vmos[id] = &vmo{size: npages * mem.PGSIZE, pages: pages}
	return id, 0
}

// VmoWrite copies data into the VMO starting at byte offset off.
func (m *Manager) VmoWrite(id VmoID, off int, data []byte) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vmos[id]
	if !ok {
		return defs.EINVAL
	}
	if off < 0 || off+len(data) > v.size {
		return defs.EINVAL
	}
	remaining := data
	pos := off
	for len(remaining) > 0 {
		pageIdx := pos / mem.PGSIZE
		pageOff := pos % mem.PGSIZE
		dst := m.physmem.Bytes(v.pages[pageIdx])[pageOff:]
		n := copy(dst, remaining)
		remaining = remaining[n:]
		pos += n
	}
	return 0
}

// Read copies n bytes starting at user virtual address va out of as,
// walking the page table exactly as a trap-time user copy would. Used
// by the round-trip test in spec.md §8 and by syscalls that need to
// read already-mapped user memory.
func (m *Manager) Read(h AsHandle, va uintptr, n int) ([]byte, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, err := m.lookup(h)
	if err != 0 {
		return nil, err
	}
	out := make([]byte, 0, n)
	pos := va
	for len(out) < n {
		pte, werr := pmapWalk(m.physmem, as.root, pos, false)
		if werr != 0 || !pte.Valid() {
			return nil, defs.EFAULT
		}
		pageOff := int(pos % uintptr(mem.PGSIZE))
		src := m.physmem.Bytes(pte.PPN())[pageOff:]
		want := n - len(out)
		if want > len(src) {
			want = len(src)
		}
		out = append(out, src[:want]...)
		pos += uintptr(want)
	}
	return out, 0
}

// Write copies data into user virtual memory starting at va, walking
// the page table exactly as Read does but requiring the leaf PTE carry
// PteW -- the copy-out half of biscuit's Userbuf_t.Uiowrite
// (vm/userbuf.go), used by syscalls that hand kernel-decoded data back
// to userspace (e.g. recv).
func (m *Manager) Write(h AsHandle, va uintptr, data []byte) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, err := m.lookup(h)
	if err != 0 {
		return err
	}
	pos := va
	remaining := data
	for len(remaining) > 0 {
		pte, werr := pmapWalk(m.physmem, as.root, pos, false)
		if werr != 0 || !pte.Valid() {
			return defs.EFAULT
		}
		if *pte&mem.PteW == 0 {
			return defs.EPERM
		}
		pageOff := int(pos % uintptr(mem.PGSIZE))
		dst := m.physmem.Bytes(pte.PPN())[pageOff:]
		n := copy(dst, remaining)
		remaining = remaining[n:]
		pos += uintptr(n)
	}
	return 0
}

// isCanonicalSv39 rejects virtual addresses outside the 39-bit
// sign-extended Sv39 range.
func isCanonicalSv39(va uintptr) bool {
	top := va >> 38
	return top == 0 || top == (^uintptr(0))>>38
}
