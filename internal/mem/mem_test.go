package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

func TestProtViolatesWX(t *testing.T) {
	require.True(t, (ProtWrite | ProtExec).ViolatesWX())
	require.False(t, ProtWrite.ViolatesWX())
	require.False(t, ProtExec.ViolatesWX())
	require.False(t, (ProtRead | ProtWrite).ViolatesWX())
}

func TestMkPTERoundTrip(t *testing.T) {
	pte := MkPTE(Pa_t(0x1234_5000), PteR|PteW)
	require.True(t, pte.Valid())
	require.True(t, pte.IsLeaf())
	require.Equal(t, Pa_t(0x1234_5000), pte.PPN())
}

func TestVPNBitsSplit(t *testing.T) {
	va := uintptr(0)
	va |= uintptr(5) << 30
	va |= uintptr(3) << 21
	va |= uintptr(7) << 12
	vpn2, vpn1, vpn0 := VPNBits(va)
	require.Equal(t, uint(5), vpn2)
	require.Equal(t, uint(3), vpn1)
	require.Equal(t, uint(7), vpn0)
}

func TestPhysmemRefcounting(t *testing.T) {
	pm := NewPhysmem(2)
	require.Equal(t, 2, pm.Free())

	pa, _, err := pm.Refpg()
	require.Zero(t, err)
	require.Equal(t, 1, pm.Free())

	pm.Refup(pa)
	require.False(t, pm.Refdown(pa), "refcount 2 -> 1 must not free")
	require.True(t, pm.Refdown(pa), "refcount 1 -> 0 must free")
	require.Equal(t, 2, pm.Free())
}

func TestRefpgZeroesPage(t *testing.T) {
	pm := NewPhysmem(1)
	pa, buf, err := pm.Refpg()
	require.Zero(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
	pm.Refdown(pa)
}

func TestExhaustionIsENOMEM(t *testing.T) {
	pm := NewPhysmem(1)
	_, _, err := pm.Refpg()
	require.Zero(t, err)
	_, _, err = pm.Refpg()
	require.Equal(t, defs.ENOMEM, err)
}
