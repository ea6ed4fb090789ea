package ipc

import (
	"sync"

	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

// slot holds one queued message: a decoded header plus its inline
// payload, copied in on Send and copied out on Recv (spec.md §3).
type slot struct {
	header  MessageHeader
	payload []byte
}

// Endpoint is a per-task bounded inbox ring, generalized from biscuit's
// circbuf.Circbuf_t head/tail algorithm to a ring of message slots
// rather than bytes.
type Endpoint struct {
	mu       sync.Mutex
	cond     *sync.Cond
	id       uint32
	owner    defs.Pid
	ring     []slot
	head     int // next write index (mod capacity)
	tail     int // next read index (mod capacity)
	used     int
	capacity int
	closed   bool
}

func newEndpoint(id uint32, owner defs.Pid, capacity int) *Endpoint {
	e := &Endpoint{id: id, owner: owner, ring: make([]slot, capacity), capacity: capacity}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Endpoint) full() bool  { return e.used == e.capacity }
func (e *Endpoint) empty() bool { return e.used == 0 }

// enqueue pushes one message to the tail of the ring. It never blocks
// and never grows the ring: on a full ring it returns EAGAIN, the
// deterministic reject spec.md §4.4 and §8 require.
func (e *Endpoint) enqueue(h MessageHeader, payload []byte) defs.Err_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.full() {
		return defs.EAGAIN
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.ring[e.head] = slot{header: h, payload: cp}
	e.head = (e.head + 1) % e.capacity
	e.used++
	e.cond.Signal()
	return 0
}

// dequeue pops the head of the ring into buf, truncating and setting
// TruncatedFlag if buf is smaller than the message. When blocking is
// true and the ring is empty, it waits until a message arrives;
// otherwise an empty ring yields EAGAIN immediately.
func (e *Endpoint) dequeue(buf []byte, blocking bool) (MessageHeader, int, defs.Err_t) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.empty() {
		if !blocking {
			return MessageHeader{}, 0, defs.EAGAIN
		}
		e.cond.Wait()
	}
	s := e.ring[e.tail]
	e.ring[e.tail] = slot{}
	e.tail = (e.tail + 1) % e.capacity
	e.used--

	h := s.header
	n := copy(buf, s.payload)
	if n < len(s.payload) {
		h.Flags |= TruncatedFlag
	}
	h.Len = uint32(n)
	return h, n, 0
}

// Router is the kernel's single IPC router, owning every Endpoint.
// Send and Recv take a raw endpoint id and check no rights, and the
// trap layer's send/recv look up no Endpoint capability, so neither
// SEND nor RECV is enforced on these paths. The router does not
// interpret nonces embedded in flags/ty, only guarantees byte-exact,
// ordered delivery.
type Router struct {
	mu        sync.Mutex
	endpoints map[uint32]*Endpoint
	nextID    uint32
	capacity  int
}

// NewRouter builds an empty router; every endpoint gets the same
// bounded ring capacity (config.Limits.EndpointRing).
func NewRouter(endpointCapacity int) *Router {
	return &Router{endpoints: make(map[uint32]*Endpoint), capacity: endpointCapacity}
}

// CreateEndpoint is ipc_endpoint_create: creates a new endpoint owned
// by owner and returns its id. It checks no privilege and installs no
// capability; the trap layer's ipc_endpoint_create returns only the id.
func (r *Router) CreateEndpoint(owner defs.Pid) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.endpoints[id] = newEndpoint(id, owner, r.capacity)
	return id
}

func (r *Router) get(id uint32) (*Endpoint, defs.Err_t) {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	r.mu.Unlock()
	if !ok {
		return nil, defs.EINVAL
	}
	return e, 0
}

// Send copies payload into the destination endpoint's ring. Returns
// EINVAL if the header's declared length exceeds the inline payload
// bound or disagrees with len(payload), EAGAIN if the ring is full.
func (r *Router) Send(epID uint32, h MessageHeader, payload []byte, inlineMax int) defs.Err_t {
	if int(h.Len) != len(payload) || len(payload) > inlineMax {
		return defs.EINVAL
	}
	e, err := r.get(epID)
	if err != 0 {
		return err
	}
	return e.enqueue(h, payload)
}

// Recv dequeues the next message for epID into buf. blocking selects
// between the non-blocking (EAGAIN-on-empty) and blocking variants of
// spec.md §4.4.
func (r *Router) Recv(epID uint32, buf []byte, blocking bool) (MessageHeader, int, defs.Err_t) {
	e, err := r.get(epID)
	if err != 0 {
		return MessageHeader{}, 0, err
	}
	return e.dequeue(buf, blocking)
}

// Depth reports an endpoint's current backlog, for tests asserting
// ring-full/ring-drain behaviour (spec.md §8 boundary scenario).
func (r *Router) Depth(epID uint32) (int, defs.Err_t) {
	e, err := r.get(epID)
	if err != 0 {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used, 0
}
