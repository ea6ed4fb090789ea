package vm

import (
	"unsafe"

	"github.com/open-nexus-OS/neuron-core/internal/mem"
)

// ptrOf reinterprets a physical page's backing byte slice as a page
// table. This is the simulated stand-in for the recursive/direct
// mapping biscuit's Dmaplen gives the kernel to address physical
// memory by virtual alias; here physmem.Bytes already is that alias,
// so this is just the type-pun to *mem.PageTable.
func ptrOf(b []byte) unsafe.Pointer {
	if len(b) < int(unsafe.Sizeof(mem.PageTable{})) {
		panic("page too small for a page table")
	}
	return unsafe.Pointer(&b[0])
}
