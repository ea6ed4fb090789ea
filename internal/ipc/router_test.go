package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := MessageHeader{Src: 1, Dst: 2, Ty: 3, Flags: 4, Len: 5}
	wire := h.Encode()
	require.Equal(t, h, DecodeHeader(wire[:]))
}

func TestSendRecvRoundTrip(t *testing.T) {
	r := NewRouter(4)
	ep := r.CreateEndpoint(defs.Pid(1))
	payload := []byte("hello")
	h := MessageHeader{Src: 0, Dst: ep, Ty: 1, Len: uint32(len(payload))}

	require.Zero(t, r.Send(ep, h, payload, 64))

	buf := make([]byte, len(payload))
	got, n, err := r.Recv(ep, buf, false)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
	require.Equal(t, ep, got.Dst)
}

func TestRecvEmptyNonBlockingIsEAGAIN(t *testing.T) {
	r := NewRouter(4)
	ep := r.CreateEndpoint(defs.Pid(1))
	_, _, err := r.Recv(ep, make([]byte, 8), false)
	require.Equal(t, defs.EAGAIN, err)
}

func TestRingFullRejectsThenDrains(t *testing.T) {
	r := NewRouter(2)
	ep := r.CreateEndpoint(defs.Pid(1))
	h := MessageHeader{Dst: ep, Len: 0}

	require.Zero(t, r.Send(ep, h, nil, 64))
	require.Zero(t, r.Send(ep, h, nil, 64))
	require.Equal(t, defs.EAGAIN, r.Send(ep, h, nil, 64), "ring at capacity must reject, never grow")

	depth, err := r.Depth(ep)
	require.Zero(t, err)
	require.Equal(t, 2, depth)

	_, _, err = r.Recv(ep, nil, false)
	require.Zero(t, err)
	require.Zero(t, r.Send(ep, h, nil, 64), "a drained slot must accept a new send")
}

func TestSendRejectsOversizeOrMismatchedLen(t *testing.T) {
	r := NewRouter(2)
	ep := r.CreateEndpoint(defs.Pid(1))

	h := MessageHeader{Dst: ep, Len: 10}
	require.Equal(t, defs.EINVAL, r.Send(ep, h, make([]byte, 3), 64), "declared len must match payload len")

	h2 := MessageHeader{Dst: ep, Len: 100}
	require.Equal(t, defs.EINVAL, r.Send(ep, h2, make([]byte, 100), 64), "payload exceeding inlineMax must be rejected")
}

func TestTruncatedFlagSetOnShortBuffer(t *testing.T) {
	r := NewRouter(2)
	ep := r.CreateEndpoint(defs.Pid(1))
	payload := []byte("0123456789")
	h := MessageHeader{Dst: ep, Len: uint32(len(payload))}
	require.Zero(t, r.Send(ep, h, payload, 64))

	buf := make([]byte, 4)
	got, n, err := r.Recv(ep, buf, false)
	require.Zero(t, err)
	require.Equal(t, 4, n)
	require.NotZero(t, got.Flags&TruncatedFlag, "short buffer must set TruncatedFlag")
}

func TestSendUnknownEndpointIsEINVAL(t *testing.T) {
	r := NewRouter(2)
	require.Equal(t, defs.EINVAL, r.Send(999, MessageHeader{}, nil, 64))
}
