package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

// resetBootOnce lets each test run Boot independently; production code
// never needs this since Boot is meant to run exactly once per kernel
// image, but a hosted test binary boots a fresh KernelState per case.
func resetBootOnce() {
	bootOnce = sync.Once{}
}

func TestBootEmitsMarkerLadderSingleHart(t *testing.T) {
	resetBootOnce()
	var lines []string
	ks := Boot(Config{
		NumHarts:  1,
		PhysPages: 4096,
		UARTSink:  func(line string) { lines = append(lines, line) },
		Now:       func() int64 { return 0 },
	})
	require.NotNil(t, ks)

	expected := []string{
		"NEURON",
		"map kernel segments ok",
		"AS: post-satp OK",
		"boot: ok",
		"traps: ok",
		"sys: ok",
		"SELFTEST: begin",
		"SELFTEST: time ok",
		"SELFTEST: ipc ok",
		"SELFTEST: caps ok",
		"SELFTEST: map ok",
		"SELFTEST: sched ok",
		"KSELFTEST: spawn ok",
		"SELFTEST: end",
	}
	require.Equal(t, expected, lines, "boot marker ladder must match the acceptance sequence exactly, in order")
}

func TestBootSpawnsBootstrapTask(t *testing.T) {
	resetBootOnce()
	ks := Boot(Config{
		NumHarts:  1,
		PhysPages: 4096,
		UARTSink:  func(string) {},
		Now:       func() int64 { return 0 },
	})
	require.NotZero(t, ks.BootstrapPid)
	require.NotZero(t, ks.BootstrapEP)

	tk, err := ks.Tasks.Get(ks.BootstrapPid)
	require.Zero(t, err)
	require.Equal(t, ks.Limits.CapSlotsBootstrap, 32)
	_, capErr := tk.Caps.Lookup(0, defs.CapEndpoint, 0)
	require.Zero(t, capErr)
}

func TestBootTwiceInSameProcessPanics(t *testing.T) {
	resetBootOnce()
	cfg := Config{NumHarts: 1, PhysPages: 4096, UARTSink: func(string) {}, Now: func() int64 { return 0 }}
	Boot(cfg)
	require.Panics(t, func() { Boot(cfg) }, "Boot must not silently re-run a second kernel image in one process")
}
