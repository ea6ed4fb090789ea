package vm

import (
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/mem"
)

// pmapWalk walks the three Sv39 levels for va, allocating intermediate
// page-table pages lazily from physmem when create is true (spec.md
// §4.2: "intermediate page tables allocated lazily"). It returns a
// pointer to the level-0 (leaf) PTE.
func pmapWalk(physmem *mem.Physmem, root *mem.PageTable, va uintptr, create bool) (*mem.Pte, defs.Err_t) {
	vpn2, vpn1, vpn0 := mem.VPNBits(va)
	table := root
	for _, idx := range []uint{vpn2, vpn1} {
		pte := &table[idx]
		if !pte.Valid() {
			if !create {
				return nil, defs.ENOMEM
			}
			pa, _, err := physmem.Refpg()
			if err != 0 {
				return nil, err
			}
			*pte = mem.MkPTE(pa, 0) // pointer PTE: no R/W/X -> not a leaf
		} else if pte.IsLeaf() {
			// a huge page already occupies this range; Sv39 superpages
			// are not used by NEURON v1, so this is an invariant
			// violation rather than an ordinary error.
			panic("unexpected leaf at intermediate level")
		}
		table = (*mem.PageTable)(nil)
		next := physmem.Bytes(pte.PPN())
		table = bytesAsTable(next)
	}
	return &table[vpn0], 0
}

func bytesAsTable(b []byte) *mem.PageTable {
	return (*mem.PageTable)(ptrOf(b))
}
