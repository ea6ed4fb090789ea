package hal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUARTMarkerEmitsLiteralLine(t *testing.T) {
	var lines []string
	u := NewUART(func(line string) { lines = append(lines, line) })

	u.Marker("NEURON")
	u.Marker("boot: ok")

	require.Equal(t, []string{"NEURON", "boot: ok"}, lines, "markers must be literal, no buffering artifacts")
}

func TestUARTWriteStringWithoutNewlineDoesNotFlush(t *testing.T) {
	var lines []string
	u := NewUART(func(line string) { lines = append(lines, line) })
	u.WriteString("partial")
	require.Empty(t, lines)
	u.WriteByte('\n')
	require.Equal(t, []string{"partial"}, lines)
}

func TestTimerNsec(t *testing.T) {
	timer := NewTimer(func() int64 { return 42 })
	require.Equal(t, int64(42), timer.Nsec())
}

func TestTLBFenceCounting(t *testing.T) {
	var gotAsid uint8
	var gotGlobal bool
	tlb := NewTLB(func(asid uint8, global bool) { gotAsid, gotGlobal = asid, global })

	tlb.FenceASID(5)
	require.Equal(t, uint8(5), gotAsid)
	require.False(t, gotGlobal)

	tlb.FenceGlobal()
	require.True(t, gotGlobal)
	require.Equal(t, 2, tlb.Fences())
}

func TestDeviceTableLookup(t *testing.T) {
	dt := NewDeviceTable(DeviceWindow{Name: "extra", PhysBase: 0x2000_0000, Len: 0x1000})

	_, ok := dt.Lookup(UARTPhysBase, 0x1000)
	require.True(t, ok, "UART window must be registered and page-rounded")

	_, ok = dt.Lookup(0x2000_0000, 0x1000)
	require.True(t, ok)

	_, ok = dt.Lookup(0xffff_0000, 0x1000)
	require.False(t, ok, "unregistered window must not be found")
}

func TestDeviceWindowContainsRejectsPartialOverlap(t *testing.T) {
	w := DeviceWindow{PhysBase: 0x1000, Len: 0x1000}
	require.True(t, w.Contains(0x1000, 0x1000))
	require.False(t, w.Contains(0x1800, 0x1000), "window extending past the registered range must be rejected")
	require.False(t, w.Contains(0x1000, 0))
}
