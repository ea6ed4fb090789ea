package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBootEmitsSMPMarkerLadder(t *testing.T) {
	bootOnce = sync.Once{}
	var lines []string
	ks := Boot(Config{
		NumHarts:   2,
		PhysPages:  4096,
		UARTSink:   func(line string) { lines = append(lines, line) },
		Now:        func() int64 { return 0 },
		RequireSMP: true,
	})
	require.NotNil(t, ks)

	mustContainInOrder(t, lines, []string{
		"CPU 0: ready",
		"CPU 1: ready",
		"KSELFTEST: ipi counterfactual ok",
		"KSELFTEST: test_reject_invalid_ipi_target_cpu ok",
		"KSELFTEST: test_reject_offline_cpu_resched ok",
		"KSELFTEST: test_reject_steal_above_bound ok",
		"KSELFTEST: test_reject_steal_higher_qos ok",
		"SELFTEST: end",
	})
}

// mustContainInOrder asserts that needles appear as a (not necessarily
// contiguous) ordered subsequence of haystack.
func mustContainInOrder(t *testing.T, haystack, needles []string) {
	t.Helper()
	pos := 0
	for _, want := range needles {
		found := false
		for ; pos < len(haystack); pos++ {
			if haystack[pos] == want {
				found = true
				pos++
				break
			}
		}
		require.True(t, found, "expected marker %q in order, got %v", want, haystack)
	}
}
