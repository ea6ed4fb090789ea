package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/hal"
	"github.com/open-nexus-OS/neuron-core/internal/mem"
)

func newTestManager(t *testing.T, npages int) *Manager {
	t.Helper()
	pm := mem.NewPhysmem(npages)
	tlb := hal.NewTLB(nil)
	devices := hal.NewDeviceTable()
	return NewManager(pm, tlb, devices, config.Default())
}

func TestAsMapRejectsWriteExec(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)
	id, err := m.VmoCreate(1)
	require.Zero(t, err)

	err = m.AsMap(h, id, 0x1000_0000, mem.PGSIZE, mem.ProtWrite|mem.ProtExec)
	require.Equal(t, defs.EPERM, err, "W^X must be rejected, never downgraded")
}

func TestAsMapRejectsMisalignmentAndOverlap(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)
	id, err := m.VmoCreate(2)
	require.Zero(t, err)

	require.Equal(t, defs.EINVAL, m.AsMap(h, id, 0x1001, mem.PGSIZE, mem.ProtRead))
	require.Equal(t, defs.EINVAL, m.AsMap(h, id, 0x1000_0000, mem.PGSIZE-1, mem.ProtRead))

	require.Zero(t, m.AsMap(h, id, 0x1000_0000, mem.PGSIZE, mem.ProtRead))
	require.Equal(t, defs.EINVAL, m.AsMap(h, id, 0x1000_0000, mem.PGSIZE, mem.ProtRead), "overlap must be rejected")
}

func TestVmoWriteAsMapReadRoundTrip(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)
	id, err := m.VmoCreate(1)
	require.Zero(t, err)

	data := []byte("round-trip-payload")
	require.Zero(t, m.VmoWrite(id, 0, data))
	require.Zero(t, m.AsMap(h, id, 0x4000_0000, mem.PGSIZE, mem.ProtRead|mem.ProtWrite))

	got, err := m.Read(h, 0x4000_0000, len(data))
	require.Zero(t, err)
	require.Equal(t, data, got)
}

func TestWriteRoundTrip(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)
	id, err := m.VmoCreate(1)
	require.Zero(t, err)
	require.Zero(t, m.AsMap(h, id, 0x4000_0000, mem.PGSIZE, mem.ProtRead|mem.ProtWrite))

	data := []byte("copied-out-to-user")
	require.Zero(t, m.Write(h, 0x4000_0000, data))

	got, err := m.Read(h, 0x4000_0000, len(data))
	require.Zero(t, err)
	require.Equal(t, data, got)
}

func TestWriteRejectsReadOnlyMapping(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)
	id, err := m.VmoCreate(1)
	require.Zero(t, err)
	require.Zero(t, m.AsMap(h, id, 0x4000_0000, mem.PGSIZE, mem.ProtRead))

	err = m.Write(h, 0x4000_0000, []byte("nope"))
	require.Equal(t, defs.EPERM, err, "writing to a read-only user mapping must be rejected")
}

func TestWriteUnmappedIsEFAULT(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)

	err = m.Write(h, 0x5000_0000, []byte("x"))
	require.Equal(t, defs.EFAULT, err)
}

func TestReadUnmappedIsEFAULT(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)

	_, err = m.Read(h, 0x5000_0000, 8)
	require.Equal(t, defs.EFAULT, err)
}

func TestAsidExhaustionAndReuseFences(t *testing.T) {
	lim := config.Default()
	lim.NumASIDs = 2
	pm := mem.NewPhysmem(64)
	tlb := hal.NewTLB(nil)
	m := NewManager(pm, tlb, hal.NewDeviceTable(), lim)

	h1, err := m.AsCreate()
	require.Zero(t, err)
	_, err = m.AsCreate()
	require.Zero(t, err)
	_, err = m.AsCreate()
	require.Equal(t, defs.ENOSPC, err, "ASID pool must be exhausted deterministically")

	before := tlb.Fences()
	require.Zero(t, m.Destroy(h1))
	_, err = m.AsCreate()
	require.Zero(t, err)
	require.Greater(t, tlb.Fences(), before, "reusing a freed ASID must fence the TLB")
}

func TestDestroyRejectsWhileReferenced(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)
	require.Zero(t, m.AddRef(h))
	require.Equal(t, defs.EPERM, m.Destroy(h))
	require.Zero(t, m.DropRef(h))
	require.Zero(t, m.Destroy(h))
}

func TestMmioMapRejectsExecAndUnregisteredWindow(t *testing.T) {
	m := newTestManager(t, 64)
	h, err := m.AsCreate()
	require.Zero(t, err)

	require.Equal(t, defs.EPERM, m.MmioMap(h, hal.UARTPhysBase, uintptr(mem.PGSIZE), 0x9000_0000, true), "exec request must be rejected")
	require.Equal(t, defs.EPERM, m.MmioMap(h, 0xdead_0000, uintptr(mem.PGSIZE), 0x9000_0000, false), "window not in device table")
	require.Zero(t, m.MmioMap(h, hal.UARTPhysBase, uintptr(mem.PGSIZE), 0x9000_0000, false))
}

func TestPhysmemExhaustionIsENOMEM(t *testing.T) {
	pm := mem.NewPhysmem(1)
	_, _, err := pm.Refpg()
	require.Zero(t, err)
	_, _, err = pm.Refpg()
	require.Equal(t, defs.ENOMEM, err)
}
