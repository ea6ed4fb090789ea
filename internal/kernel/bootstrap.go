package kernel

import "github.com/open-nexus-OS/neuron-core/internal/util"

// BootstrapMsgSize is the wire size of BootstrapMsg: 4+8+8+4+4 = 28
// bytes, per spec.md §6.3.
const BootstrapMsgSize = 28

// BootstrapMsg is the first IPC message delivered to a newly spawned
// child's endpoint slot 0 (spec.md §4.1 step 6 / §6.3), repr(C).
type BootstrapMsg struct {
	Argc       uint32
	ArgvPtr    uint64
	EnvPtr     uint64
	CapSeedEP  uint32
	Flags      uint32
}

// Encode serializes m into its 28-byte little-endian wire form.
func (m BootstrapMsg) Encode() [BootstrapMsgSize]byte {
	var b [BootstrapMsgSize]byte
	util.PutLE32(b[:], 0, m.Argc)
	util.PutLE64(b[:], 4, m.ArgvPtr)
	util.PutLE64(b[:], 12, m.EnvPtr)
	util.PutLE32(b[:], 20, m.CapSeedEP)
	util.PutLE32(b[:], 24, m.Flags)
	return b
}

// DecodeBootstrapMsg parses a 28-byte wire BootstrapMsg.
func DecodeBootstrapMsg(b []byte) BootstrapMsg {
	if len(b) < BootstrapMsgSize {
		panic("short bootstrap message")
	}
	return BootstrapMsg{
		Argc:      util.GetLE32(b, 0),
		ArgvPtr:   util.GetLE64(b, 4),
		EnvPtr:    util.GetLE64(b, 12),
		CapSeedEP: util.GetLE32(b, 20),
		Flags:     util.GetLE32(b, 24),
	}
}
