// Package trap implements the syscall dispatch surface of spec.md
// §4.6: the stable numeric syscall table, the -errno return
// convention, and the illegal-instruction diagnostic dump. It is the
// seam where every other kernel package (vm, captable, ipc, sched,
// task) is wired together behind one dispatcher, mirroring how
// biscuit's trap/syscall layer (filtered from this pack, but described
// throughout biscuit/src) is the single caller of every subsystem.
package trap

import (
	"fmt"

	"github.com/open-nexus-OS/neuron-core/internal/captable"
	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/diag"
	"github.com/open-nexus-OS/neuron-core/internal/hal"
	"github.com/open-nexus-OS/neuron-core/internal/ipc"
	"github.com/open-nexus-OS/neuron-core/internal/mem"
	"github.com/open-nexus-OS/neuron-core/internal/sched"
	"github.com/open-nexus-OS/neuron-core/internal/task"
	"github.com/open-nexus-OS/neuron-core/internal/vm"
)

// Syscall numbers: the stable ABI of spec.md §4.6. Gaps (15..17,
// 20..26) are reserved and dispatch to ENOSYS.
const (
	SysYield            = 0
	SysNsec             = 1
	SysSend             = 2
	SysRecv             = 3
	SysMap              = 4
	SysVmoCreate        = 5
	SysVmoWrite         = 6
	SysSpawn            = 7
	SysCapTransfer      = 8
	SysAsCreate         = 9
	SysAsMap            = 10
	SysExit             = 11
	SysWait             = 12
	SysExec             = 13
	SysIPCSendV1        = 14
	SysIPCRecvV1        = 18
	SysIPCEndpointCreate = 19
	SysMmioMap          = 27
	SysCapQuery         = 28
)

// Args bundles a6 (a0..a5) the way the S-mode dispatcher reads them
// off the trapframe after an ecall from U-mode. Each syscall assigns
// its own meaning to A0..A5; see the handler for the field layout of a
// given call (e.g. send's A5 is a source user VA, recv's A2 is a
// destination user VA, vmo_write's A2/A3 are a source VA and a VMO
// byte offset, not interchangeable).
type Args struct {
	A0, A1, A2, A3, A4, A5 int64
}

// Trapframe is the per-hart hardware trap state captured on entry:
// sepc/scause/stval plus the syscall number (a7) and arguments.
type Trapframe struct {
	Sepc, Scause, Stval uintptr
	SyscallNo           int64
	Args                Args
}

// Dispatcher wires every kernel subsystem behind the syscall surface.
// One Dispatcher is constructed per KernelState (spec.md §4.1 step 5).
type Dispatcher struct {
	Sched  *sched.Scheduler
	Tasks  *task.Table
	Router *ipc.Router
	VM     *vm.Manager
	Limits config.Limits
	Diag   *diag.DumpLimiter
	UART   *hal.UART
	Now    func() int64 // nil is fine: accounting then simply stays at zero and nsec returns 0
}

// errno packs an Err_t into the two's-complement negative a0 value
// userspace receives on failure. Success returns the non-negative
// result directly.
func errno(e defs.Err_t) int64 { return -int64(e) }

// Dispatch decodes tf.SyscallNo and invokes the matching handler for
// the calling task pid on hart. It never panics on an ordinary
// syscall error (spec.md §7: "the kernel does NOT kill a task for
// ordinary errors") -- panics are reserved for true invariant
// violations surfaced deeper in the called packages.
func (d *Dispatcher) Dispatch(pid defs.Pid, hart int, tf Trapframe) int64 {
	if d.Now != nil {
		start := d.Now()
		defer d.acctSys(pid, start)
	}
	switch tf.SyscallNo {
	case SysYield:
		return d.sysYield(hart)
	case SysNsec:
		if d.Now == nil {
			return 0
		}
		return d.Now()
	case SysSend:
		return d.sysSend(pid, tf.Args)
	case SysRecv:
		return d.sysRecv(pid, tf.Args)
	case SysVmoCreate:
		return d.sysVmoCreate(tf.Args)
	case SysVmoWrite:
		return d.sysVmoWrite(pid, tf.Args)
	case SysMap:
		return d.sysMap(pid, tf.Args)
	case SysCapTransfer:
		return d.sysCapTransfer(tf.Args)
	case SysAsCreate:
		return d.sysAsCreate()
	case SysAsMap:
		return d.sysAsMap(pid, tf.Args)
	case SysExit:
		return d.sysExit(pid, tf.Args)
	case SysWait:
		return d.sysWait(tf.Args)
	case SysIPCEndpointCreate:
		return int64(d.Router.CreateEndpoint(pid))
	case SysMmioMap:
		return d.sysMmioMap(pid, tf.Args)
	case SysCapQuery:
		return d.sysCapQuery(pid, tf.Args)
	case SysSpawn, SysExec, SysIPCSendV1, SysIPCRecvV1:
		return errno(defs.ENOSYS)
	default:
		return errno(defs.ENOSYS)
	}
}

// acctSys folds the nanoseconds spent inside this Dispatch call into
// pid's system-time counter. A task looked up after exit (already
// reaped) has nowhere to charge the time, which is fine: the caller is
// about to fault anyway.
func (d *Dispatcher) acctSys(pid defs.Pid, start int64) {
	tk, err := d.Tasks.Get(pid)
	if err != 0 {
		return
	}
	tk.Acct.AddSys(d.Now() - start)
}

func (d *Dispatcher) sysYield(hart int) int64 {
	pc := d.Sched.Hart(hart)
	current := pc.Current()
	next, ok, err := pc.Yield(current, defs.QoSNormal)
	if err != 0 {
		return errno(err)
	}
	if !ok {
		return int64(defs.NoPid)
	}
	return int64(next)
}

// sysSend copies a.A4 bytes in from the caller's address space at VA
// a.A5, then hands the filled payload to the router -- spec.md §3's
// "payloads are copied in on send" for syscall 2.
func (d *Dispatcher) sysSend(pid defs.Pid, a Args) int64 {
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	ep := uint32(a.A0)
	h := ipc.MessageHeader{Src: uint32(a.A1), Dst: uint32(a.A2), Ty: uint16(a.A3), Len: uint32(a.A4)}
	payload, rerr := d.VM.Read(tk.AS, uintptr(a.A5), int(a.A4))
	if rerr != 0 {
		return errno(rerr)
	}
	if err := d.Router.Send(ep, h, payload, d.Limits.InlinePayloadMax); err != 0 {
		return errno(err)
	}
	return 0
}

// sysRecv decodes the next message into a kernel-local buffer, then
// copies it out to the caller's address space at VA a.A2 -- spec.md
// §3's "payloads are copied out on recv" for syscall 3.
func (d *Dispatcher) sysRecv(pid defs.Pid, a Args) int64 {
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	ep := uint32(a.A0)
	buf := make([]byte, a.A1)
	destVA := uintptr(a.A2)
	blocking := a.A3 != 0
	_, n, err := d.Router.Recv(ep, buf, blocking)
	if err != 0 {
		return errno(err)
	}
	if werr := d.VM.Write(tk.AS, destVA, buf[:n]); werr != 0 {
		return errno(werr)
	}
	return int64(n)
}

func (d *Dispatcher) sysVmoCreate(a Args) int64 {
	id, err := d.VM.VmoCreate(int(a.A0))
	if err != 0 {
		return errno(err)
	}
	return int64(id)
}

// sysVmoWrite reads a.A4 bytes from the caller's VA a.A2 and writes
// them into the VMO at byte offset a.A3 -- the VA and the VMO offset
// are independent quantities and must not be conflated.
func (d *Dispatcher) sysVmoWrite(pid defs.Pid, a Args) int64 {
	id := vm.VmoID(a.A0)
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	_, werr := tk.Caps.Lookup(int(a.A1), defs.CapVmo, defs.RightWrite)
	if werr != 0 {
		return errno(werr)
	}
	data, rerr := d.VM.Read(tk.AS, uintptr(a.A2), int(a.A4))
	if rerr != 0 {
		return errno(rerr)
	}
	if err := d.VM.VmoWrite(id, int(a.A3), data); err != 0 {
		return errno(err)
	}
	return 0
}

func (d *Dispatcher) sysMap(pid defs.Pid, a Args) int64 {
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	if err := d.VM.AsMap(tk.AS, vm.VmoID(a.A0), uintptr(a.A1), int(a.A2), mem.Prot(a.A3)); err != 0 {
		return errno(err)
	}
	return 0
}

func (d *Dispatcher) sysCapTransfer(a Args) int64 {
	srcPid, dstPid := defs.Pid(a.A0), defs.Pid(a.A2)
	srcSlot, dstSlot := int(a.A1), int(a.A3)
	mask := defs.Rights(a.A4)

	src, serr := d.Tasks.Get(srcPid)
	if serr != 0 {
		return errno(serr)
	}
	dst, derr := d.Tasks.Get(dstPid)
	if derr != 0 {
		return errno(derr)
	}
	if err := captable.Transfer(src.Caps, srcSlot, dst.Caps, dstSlot, mask); err != 0 {
		return errno(err)
	}
	return 0
}

func (d *Dispatcher) sysAsCreate() int64 {
	h, err := d.VM.AsCreate()
	if err != 0 {
		return errno(err)
	}
	_ = h
	// the handle is opaque to userspace and is not returned: raw kernel
	// handles never cross the syscall boundary. No AddressSpace
	// capability is installed either, so the caller gets only 0 and has
	// no way to name the new address space.
	return 0
}

func (d *Dispatcher) sysAsMap(pid defs.Pid, a Args) int64 {
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	if err := d.VM.AsMap(tk.AS, vm.VmoID(a.A0), uintptr(a.A1), int(a.A2), mem.Prot(a.A3)); err != 0 {
		return errno(err)
	}
	return 0
}

func (d *Dispatcher) sysExit(pid defs.Pid, a Args) int64 {
	if err := d.Tasks.Exit(pid, int(a.A0)); err != 0 {
		return errno(err)
	}
	return 0
}

func (d *Dispatcher) sysWait(a Args) int64 {
	code, err := d.Tasks.Wait(defs.Pid(a.A0))
	if err != 0 {
		return errno(err)
	}
	return int64(code)
}

func (d *Dispatcher) sysMmioMap(pid defs.Pid, a Args) int64 {
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	slot := int(a.A0)
	requestExec := a.A3 != 0
	cap, cerr := tk.Caps.Lookup(slot, defs.CapDeviceMMIO, defs.RightMap)
	if cerr != 0 {
		return errno(cerr)
	}
	if err := d.VM.MmioMap(tk.AS, cap.PhysBase(), cap.MMIOLen(), uintptr(a.A1), requestExec); err != 0 {
		return errno(err)
	}
	return 0
}

func (d *Dispatcher) sysCapQuery(pid defs.Pid, a Args) int64 {
	tk, terr := d.Tasks.Get(pid)
	if terr != 0 {
		return errno(terr)
	}
	slot := int(a.A0)
	cap, cerr := tk.Caps.Query(slot)
	if cerr != 0 {
		return errno(cerr)
	}
	return int64(cap.Kind())
}

// IllegalInstruction handles a scause=illegal-instruction trap: it
// prints sepc/scause/stval and a decoded 8-byte fetch window, rate
// limited per task by Diag so a looping task cannot flood the UART
// (spec.md §4.6/§7).
func (d *Dispatcher) IllegalInstruction(pid defs.Pid, tf Trapframe, window [8]byte) {
	emit, total := d.Diag.Allow(uint32(pid))
	if !emit {
		return
	}
	d.UART.WriteString(fmt.Sprintf(
		"illegal instruction: pid=%d sepc=%#x scause=%#x stval=%#x window=%x (occurrence %d)\n",
		pid, tf.Sepc, tf.Scause, tf.Stval, window, total))
}
