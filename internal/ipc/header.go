// Package ipc implements the endpoint-based message router: the fixed
// 16-byte header, bounded per-endpoint backlog, and FIFO-per-sender
// delivery of spec.md §4.4. The ring itself is a direct generalization
// of biscuit's circbuf.Circbuf_t head/tail wraparound algorithm
// (circbuf/circbuf.go) from a byte ring to a ring of fixed-size
// messages.
package ipc

import "github.com/open-nexus-OS/neuron-core/internal/util"

// HeaderSize is the wire size of MessageHeader: src:u32, dst:u32,
// ty:u16, flags:u16, len:u32 -- exactly 16 bytes, per spec.md §3.
const HeaderSize = 16

// MessageHeader is the repr(C), little-endian 16-byte IPC header.
type MessageHeader struct {
	Src   uint32
	Dst   uint32
	Ty    uint16
	Flags uint16
	Len   uint32
}

// TruncatedFlag is set in Flags by Recv when the caller's buffer is
// smaller than the message, per spec.md §4.4.
const TruncatedFlag uint16 = 1 << 15

// Encode serializes h into its wire form.
func (h MessageHeader) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	util.PutLE32(b[:], 0, h.Src)
	util.PutLE32(b[:], 4, h.Dst)
	util.PutLE16(b[:], 8, h.Ty)
	util.PutLE16(b[:], 10, h.Flags)
	util.PutLE32(b[:], 12, h.Len)
	return b
}

// DecodeHeader parses a 16-byte wire header.
func DecodeHeader(b []byte) MessageHeader {
	if len(b) < HeaderSize {
		panic("short header")
	}
	return MessageHeader{
		Src:   util.GetLE32(b, 0),
		Dst:   util.GetLE32(b, 4),
		Ty:    util.GetLE16(b, 8),
		Flags: util.GetLE16(b, 10),
		Len:   util.GetLE32(b, 12),
	}
}
