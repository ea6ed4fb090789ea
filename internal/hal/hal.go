// Package hal contains the machine-specific primitives spec.md §2 calls
// out as the HAL: UART, timer CSR reads, TLB fence, IPI trigger, MMIO
// windows. It is immutable after Init and shared read-only across harts
// -- the same posture biscuit gives its dmap/mem layer: direct-mapped,
// no locking required because nothing here is mutated post-boot.
//
// This package models the RISC-V/QEMU-virt machine in software: the real
// kernel's assembly entry points, CSR reads, and MMIO windows are
// outside a hosted Go module's reach, so HAL stands in the place
// biscuit's assembly stubs and runtime hooks occupy -- the seam below
// which "the rest is hardware".
package hal

import "sync"

// UARTWindow is the QEMU virt NS16550A MMIO window used for the UART.
// Registering it lets mmio_map (vm package) validate a DeviceMMIO
// capability's window against the machine's real device table, per
// spec.md §6.4.
const (
	UARTPhysBase uintptr = 0x1000_0000
	UARTWindowLen uintptr = 0x100
)

// UART models the machine's serial console. Bytes are held until a
// newline and then delivered to the sink as one line, never reordered:
// marker emission (spec.md §4.8/§6.2) depends on every line reaching
// the sink in program order before the next marker is considered
// "emitted".
type UART struct {
	mu   sync.Mutex
	sink func(line string)
	buf  []byte
}

// NewUART builds a UART that calls sink once per emitted line (the
// sink observes exactly the literal text the marker contract requires,
// with no timestamp or PID ever interposed).
func NewUART(sink func(line string)) *UART {
	return &UART{sink: sink}
}

// WriteByte appends a single byte, flushing a completed line to sink.
func (u *UART) WriteByte(c byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c == '\n' {
		u.flushLocked()
		return
	}
	u.buf = append(u.buf, c)
}

// WriteString writes s byte by byte, preserving the teacher's posture
// of a character-at-a-time UART driver (cf. mazboot's uartPutsBytes).
func (u *UART) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		u.WriteByte(s[i])
	}
}

// Marker emits one UART marker line. The only runtime data a marker
// carries is a hart id ("CPU <n>: ready") or a failure reason; never a
// timestamp, PID or random value, per the "literal strings, no
// randomness" contract in spec.md §4.8/§6.2.
func (u *UART) Marker(line string) {
	u.WriteString(line)
	u.WriteByte('\n')
}

func (u *UART) flushLocked() {
	if u.sink != nil {
		u.sink(string(u.buf))
	}
	u.buf = u.buf[:0]
}

// Timer models the RISC-V `time` CSR: a monotonically increasing
// nanosecond counter. Tests substitute a deterministic source; the real
// kernel reads the CSR directly.
type Timer struct {
	now func() int64
}

// NewTimer builds a Timer backed by now, which must be non-decreasing.
func NewTimer(now func() int64) *Timer { return &Timer{now: now} }

// Nsec returns the current monotonic time in nanoseconds -- the value
// syscall 1 (`nsec`) returns to userspace.
func (t *Timer) Nsec() int64 { return t.now() }

// TLB models the Sv39 `sfence.vma` fence instruction, parameterized so
// tests can observe which address spaces were fenced.
type TLB struct {
	mu      sync.Mutex
	fences  int
	onFence func(asid uint8, global bool)
}

// NewTLB builds a TLB fence counter, optionally observed by onFence.
func NewTLB(onFence func(asid uint8, global bool)) *TLB {
	return &TLB{onFence: onFence}
}

// FenceASID issues `sfence.vma` scoped to a single ASID, used on ASID
// slot reuse (spec.md §4.2 invariants).
func (t *TLB) FenceASID(asid uint8) {
	t.mu.Lock()
	t.fences++
	t.mu.Unlock()
	if t.onFence != nil {
		t.onFence(asid, false)
	}
}

// FenceGlobal issues a global `sfence.vma`, used after the SATP-switch
// trampoline (including vm's Activate) and for kernel-identity-map
// changes.
func (t *TLB) FenceGlobal() {
	t.mu.Lock()
	t.fences++
	t.mu.Unlock()
	if t.onFence != nil {
		t.onFence(0, true)
	}
}

// Fences returns the total number of fence operations issued, for test
// assertions.
func (t *TLB) Fences() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fences
}

// IPITrigger is the machine primitive that raises an S_SOFT interrupt
// on a target hart. The SMP package supplies the routing; HAL only
// knows how to ring the bell.
type IPITrigger func(targetHart int)

// DeviceWindow describes one MMIO range registered at boot from the
// machine's (hardcoded, QEMU-virt) device table, per spec.md §6.4.
type DeviceWindow struct {
	Name     string
	PhysBase uintptr
	Len      uintptr
}

// Contains reports whether [base, base+len) lies entirely inside w.
func (w DeviceWindow) Contains(base, length uintptr) bool {
	if length == 0 {
		return false
	}
	end := base + length
	if end < base {
		return false // overflow
	}
	return base >= w.PhysBase && end <= w.PhysBase+w.Len
}

// DeviceTable is the hardcoded QEMU-virt MMIO window registry. Real
// hardware would require device-tree parsing; spec.md §9 records that
// as explicitly out of scope for v1.
type DeviceTable struct {
	windows []DeviceWindow
}

// pageRound rounds a device window length up to a whole 4KiB page: the
// register file itself may be smaller (UARTWindowLen is 0x100 bytes),
// but mmio_map only installs whole pages, so the registered window must
// cover at least one full page for Lookup/Contains to accept a mapping
// request.
func pageRound(n uintptr) uintptr {
	const pageSize = 0x1000
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// NewDeviceTable seeds the table with the UART window and any
// additional windows the machine description supplies.
func NewDeviceTable(extra ...DeviceWindow) *DeviceTable {
	dt := &DeviceTable{windows: []DeviceWindow{
		{Name: "uart0", PhysBase: UARTPhysBase, Len: pageRound(UARTWindowLen)},
	}}
	dt.windows = append(dt.windows, extra...)
	return dt
}

// Lookup finds the registered window containing [base, base+len), if
// any. mmio_map uses this to validate a DeviceMMIO capability's window
// against a real device range before installing a mapping.
func (dt *DeviceTable) Lookup(base, length uintptr) (DeviceWindow, bool) {
	for _, w := range dt.windows {
		if w.Contains(base, length) {
			return w, true
		}
	}
	return DeviceWindow{}, false
}

// Machine bundles the immutable, shared-read-only HAL surface
// constructed once at boot (spec.md §4.1 step 2).
type Machine struct {
	UART    *UART
	Timer   *Timer
	TLB     *TLB
	Devices *DeviceTable
	SendIPI IPITrigger
}

// NewMachine constructs the HAL. sendIPI may be nil until SMP bring-up
// installs the real cross-hart trigger.
func NewMachine(uartSink func(string), now func() int64, sendIPI IPITrigger) *Machine {
	return &Machine{
		UART:    NewUART(uartSink),
		Timer:   NewTimer(now),
		TLB:     NewTLB(nil),
		Devices: NewDeviceTable(),
		SendIPI: sendIPI,
	}
}
