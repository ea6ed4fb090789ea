package smp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

func testLimits() config.Limits {
	lim := config.Default()
	lim.MaxHarts = 4
	lim.IPIMailbox = 2
	lim.IPIPerTaskBudget = 2
	lim.IPIPerTaskWindowNs = 1_000_000_000
	lim.IPIGlobalBudget = 100
	lim.IPIGlobalWindowNs = 1_000_000_000
	return lim
}

func TestBringUpAndOnline(t *testing.T) {
	s := NewSMP(testLimits(), nil)
	require.True(t, s.Online(0), "boot hart starts online")
	require.False(t, s.Online(1))
	require.Zero(t, s.BringUp(1))
	require.True(t, s.Online(1))
}

func TestSendCorrectnessNeverDropsCoalesces(t *testing.T) {
	s := NewSMP(testLimits(), nil)
	require.Zero(t, s.BringUp(1))

	require.Zero(t, s.SendCorrectness(1, CorrectnessMsg{ASID: 5, VA: 0x1000, Pages: 1}))
	require.Zero(t, s.SendCorrectness(1, CorrectnessMsg{ASID: 5, VA: 0x2000, Pages: 2}))

	msg, ok := s.DrainCorrectness(1)
	require.True(t, ok, "coalesced shootdown must still be delivered")
	require.Equal(t, uintptr(0x2000), msg.VA)

	_, ok = s.DrainCorrectness(1)
	require.False(t, ok, "drained mailbox must report nothing pending")
}

func TestSendCorrectnessRejectsInvalidOrOfflineTarget(t *testing.T) {
	s := NewSMP(testLimits(), nil)
	require.Equal(t, defs.EINVAL, s.SendCorrectness(99, CorrectnessMsg{}), "invalid target")
	require.Equal(t, defs.EINVAL, s.SendCorrectness(2, CorrectnessMsg{}), "offline target")
}

func TestSendBestEffortBoundedMailbox(t *testing.T) {
	s := NewSMP(testLimits(), nil)
	require.Zero(t, s.BringUp(1))

	require.Zero(t, s.SendBestEffort(0, defs.Pid(1), 1))
	require.Zero(t, s.SendBestEffort(0, defs.Pid(1), 1))
	require.Equal(t, defs.EBUSY, s.SendBestEffort(0, defs.Pid(1), 1), "per-task budget of 2 exhausted")

	require.Equal(t, 2, s.DrainBestEffort(1))
	require.Equal(t, 0, s.DrainBestEffort(1), "drain must clear the mailbox")
}

func TestSendBestEffortRejectsInvalidOrOfflineTarget(t *testing.T) {
	s := NewSMP(testLimits(), nil)
	require.Equal(t, defs.EINVAL, s.SendBestEffort(0, defs.Pid(1), 99), "test_reject_invalid_ipi_target_cpu")
	require.Equal(t, defs.EINVAL, s.SendBestEffort(0, defs.Pid(1), 2), "test_reject_offline_cpu_resched")
}

func TestSendBestEffortMailboxOverflowIsEAGAIN(t *testing.T) {
	lim := testLimits()
	lim.IPIPerTaskBudget = 10
	s := NewSMP(lim, nil)
	require.Zero(t, s.BringUp(1))

	require.Zero(t, s.SendBestEffort(0, defs.Pid(1), 1))
	require.Zero(t, s.SendBestEffort(0, defs.Pid(1), 1))
	require.Equal(t, defs.EAGAIN, s.SendBestEffort(0, defs.Pid(1), 1), "mailbox capacity of 2 exceeded")
}

func TestResolveHartIDFastPath(t *testing.T) {
	require.Equal(t, 3, ResolveHartID(3, true, 0, false, 0), "tp hint is authoritative")
	require.Equal(t, 2, ResolveHartID(0, false, 2, true, 0), "stack-range fallback")
	require.Equal(t, 0, ResolveHartID(0, false, 0, false, 0), "boot-hart fallback")
}

func TestResolveHartIDPanicsOnMismatch(t *testing.T) {
	require.Panics(t, func() { ResolveHartID(3, true, 9, true, 0) })
}
