package captable

import "unsafe"

// uintptrOf gives a stable, comparable identity for a *Table used only
// to establish a deterministic lock-acquisition order across two
// tables in Transfer.
func uintptrOf(t *Table) uintptr {
	return uintptr(unsafe.Pointer(t))
}
