// Command neuron is the hosted entry point that drives kernel.Boot
// against a simulated RISC-V/QEMU-virt machine: a real boot loader has
// no main() to call, so this stands in for the assembly entry point
// that would otherwise jump directly into _start, matching the role
// biscuit's main_biscuit.go plays for its own kernel image.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/open-nexus-OS/neuron-core/internal/kernel"
)

func main() {
	numHarts := 1
	requireSMP := false
	if os.Getenv("REQUIRE_SMP") == "1" {
		numHarts = 2
		requireSMP = true
	}

	start := time.Now()
	now := func() int64 { return time.Since(start).Nanoseconds() }

	var ks *kernel.KernelState
	sendIPI := func(target int) {
		if ks == nil {
			return
		}
		// Loopback delivery: a hosted simulation has no cross-hart trap
		// controller, so SendBestEffort's target-mailbox post already
		// represents "S_SOFT observed on target" for the purposes of the
		// marker ladder -- sendIPI only needs to exist so SMP's codepath
		// that rings the doorbell has somewhere real to call.
		_ = target
	}

	ks = kernel.Boot(kernel.Config{
		NumHarts:   numHarts,
		PhysPages:  4096,
		UARTSink:   func(line string) { fmt.Println(line) },
		Now:        now,
		SendIPI:    sendIPI,
		RequireSMP: requireSMP,
	})

	_ = ks
}
