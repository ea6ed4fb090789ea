// Package config collects the boot-time constants every other kernel
// package sizes its bounded pools against. Grounded on biscuit's
// limits.Syslimit_t: one struct, built once, read-only after Boot().
package config

// Limits mirrors limits.Syslimit_t's role: a single record of compile
// time/boot time sizing constants, never mutated once the kernel is up.
type Limits struct {
	// NumASIDs is the number of allocatable Sv39 ASID slots (1..255;
	// slot 0 is KernelAsid and is never handed out).
	NumASIDs int
	// CapSlotsBootstrap is the capability table size for the bootstrap
	// task (spec.md §3: "32 slots for the bootstrap task").
	CapSlotsBootstrap int
	// QueueDepth is the fixed capacity Q of each per-hart QoS deque.
	QueueDepth int
	// StealThreshold is the minimum queue depth on a victim hart before
	// an idle hart may steal from it.
	StealThreshold int
	// StealMax is the maximum number of tasks moved in one steal.
	StealMax int
	// StealMinInterval is the minimum nanosecond gap between steal
	// attempts by the same hart.
	StealMinInterval int64
	// EndpointRing is the number of messages an Endpoint's ring holds.
	EndpointRing int
	// IPIMailbox is the best-effort IPI mailbox capacity per hart.
	IPIMailbox int
	// IPIPerTaskBudget / IPIPerTaskWindowNs bound best-effort IPIs sent
	// by a single task.
	IPIPerTaskBudget    int
	IPIPerTaskWindowNs  int64
	// IPIGlobalBudget / IPIGlobalWindowNs bound best-effort IPIs system
	// wide.
	IPIGlobalBudget   int
	IPIGlobalWindowNs int64
	// MaxHarts bounds the SMP online-mask width.
	MaxHarts int
	// InlinePayloadMax is the IPC inline payload bound (spec.md §3:
	// "recommended 496 bytes so total frame <= 512").
	InlinePayloadMax int
}

// Default returns the NEURON boot configuration. Values match the
// "recommended" figures in spec.md §2/§4.5/§5 where given.
func Default() Limits {
	return Limits{
		NumASIDs:            255,
		CapSlotsBootstrap:   32,
		QueueDepth:          64,
		StealThreshold:      8,
		StealMax:            8,
		StealMinInterval:    1_000_000, // 1ms, in nanoseconds
		EndpointRing:        32,
		IPIMailbox:          16,
		IPIPerTaskBudget:    100,
		IPIPerTaskWindowNs:  100_000_000, // 100ms
		IPIGlobalBudget:     10_000,
		IPIGlobalWindowNs:   10_000_000, // 10ms
		MaxHarts:            64,
		InlinePayloadMax:    496,
	}
}
