// Package selftest implements the deterministic marker ladder of
// spec.md §6.2: a fixed sequence of literal UART lines the external
// harness treats as the sole acceptance proof. Every "ok" marker is
// emitted only after the behaviour it names has actually happened; any
// failed step emits "SELFTEST: fail <reason>" and panics rather than
// letting a stub or placeholder path report success. Grounded on
// biscuit's selftest conventions (a dedicated verification pass run
// once at boot, reporting through the same console the rest of boot
// uses) generalized to NEURON's capability/IPC/scheduler surface.
package selftest

import (
	"fmt"

	"github.com/open-nexus-OS/neuron-core/internal/captable"
	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/hal"
	"github.com/open-nexus-OS/neuron-core/internal/ipc"
	"github.com/open-nexus-OS/neuron-core/internal/mem"
	"github.com/open-nexus-OS/neuron-core/internal/sched"
	"github.com/open-nexus-OS/neuron-core/internal/smp"
	"github.com/open-nexus-OS/neuron-core/internal/task"
	"github.com/open-nexus-OS/neuron-core/internal/vm"
)

// Config bundles exactly the subsystem references the ladder exercises
// -- deliberately not kernel.KernelState, so this package never needs
// to import kernel (kernel.Boot imports selftest, not the reverse).
type Config struct {
	Machine    *hal.Machine
	VM         *vm.Manager
	Router     *ipc.Router
	Sched      *sched.Scheduler
	Tasks      *task.Table
	SMP        *smp.SMP
	Limits     config.Limits
	RequireSMP bool
	// OnlineHarts lists the hart ids brought up before Run is called,
	// in ascending order, used for the "CPU <n>: ready" markers and the
	// SMP IPI causal-proof scenario.
	OnlineHarts []int
}

// fail emits the literal failure marker and panics with reason --
// spec.md §6.2: "never emit an ok marker for a stub or placeholder
// path".
func fail(u *hal.UART, step string, reason string) {
	u.Marker(fmt.Sprintf("SELFTEST: fail %s: %s", step, reason))
	panic("selftest failed: " + step + ": " + reason)
}

// Run executes the full ladder in order, panicking on the first
// failing step. It must be called on the dedicated selftest stack with
// timer IRQs masked (spec.md §4.8); that posture is the caller's
// (kernel.Boot's) responsibility since stack/IRQ state is outside what
// a hosted Go goroutine can model.
func Run(cfg Config) {
	u := cfg.Machine.UART
	u.Marker("SELFTEST: begin")

	runTime(cfg, u)
	runIPC(cfg, u)
	runCaps(cfg, u)
	runMap(cfg, u)
	runSched(cfg, u)
	runSpawn(cfg, u)

	if cfg.RequireSMP {
		runSMP(cfg, u)
	}

	u.Marker("SELFTEST: end")
}

func runTime(cfg Config, u *hal.UART) {
	t1 := cfg.Machine.Timer.Nsec()
	t2 := cfg.Machine.Timer.Nsec()
	if t2 < t1 {
		fail(u, "time", "clock went backwards")
	}
	u.Marker("SELFTEST: time ok")
}

func runIPC(cfg Config, u *hal.UART) {
	epID := cfg.Router.CreateEndpoint(defs.NoPid)
	payload := []byte("selftest-ipc")
	h := ipc.MessageHeader{Src: 0, Dst: epID, Ty: 1, Len: uint32(len(payload))}
	if err := cfg.Router.Send(epID, h, payload, cfg.Limits.InlinePayloadMax); err != 0 {
		fail(u, "ipc", "send failed")
	}
	buf := make([]byte, len(payload))
	got, n, err := cfg.Router.Recv(epID, buf, false)
	if err != 0 {
		fail(u, "ipc", "recv failed")
	}
	if n != len(payload) || string(buf[:n]) != string(payload) {
		fail(u, "ipc", "payload mismatch")
	}
	if got.Dst != epID {
		fail(u, "ipc", "header mismatch")
	}
	// ring now empty: a further non-blocking recv must report EAGAIN,
	// not a stale success.
	if _, _, err := cfg.Router.Recv(epID, buf, false); err != defs.EAGAIN {
		fail(u, "ipc", "empty ring did not reject")
	}
	u.Marker("SELFTEST: ipc ok")
}

func runCaps(cfg Config, u *hal.UART) {
	src := captable.NewTable(4)
	dst := captable.NewTable(4)
	full := defs.RightSend | defs.RightRecv
	if err := src.Grant(0, captable.NewEndpoint(7, full)); err != 0 {
		fail(u, "caps", "grant failed")
	}
	if err := captable.Transfer(src, 0, dst, 0, defs.RightSend); err != 0 {
		fail(u, "caps", "transfer failed")
	}
	got, err := dst.Lookup(0, defs.CapEndpoint, defs.RightSend)
	if err != 0 {
		fail(u, "caps", "lookup after transfer failed")
	}
	if got.Rights()&defs.RightRecv != 0 {
		fail(u, "caps", "narrowing did not drop RightRecv")
	}
	if _, err := dst.Lookup(0, defs.CapEndpoint, defs.RightRecv); err == 0 {
		fail(u, "caps", "narrowed capability still grants RightRecv")
	}
	u.Marker("SELFTEST: caps ok")
}

func runMap(cfg Config, u *hal.UART) {
	h, err := cfg.VM.AsCreate()
	if err != 0 {
		fail(u, "map", "as_create failed")
	}
	id, err := cfg.VM.VmoCreate(1)
	if err != 0 {
		fail(u, "map", "vmo_create failed")
	}
	data := []byte("selftest-map-roundtrip")
	if err := cfg.VM.VmoWrite(id, 0, data); err != 0 {
		fail(u, "map", "vmo_write failed")
	}
	va := uintptr(0x2000_0000)
	if err := cfg.VM.AsMap(h, id, va, mem.PGSIZE, mem.ProtRead|mem.ProtWrite); err != 0 {
		fail(u, "map", "as_map failed")
	}
	got, err := cfg.VM.Read(h, va, len(data))
	if err != 0 || string(got) != string(data) {
		fail(u, "map", "roundtrip mismatch")
	}
	// W^X counterfactual: a write+exec request must be rejected, never
	// silently downgraded.
	if err := cfg.VM.AsMap(h, id, va+uintptr(mem.PGSIZE), mem.PGSIZE, mem.ProtWrite|mem.ProtExec); err != defs.EPERM {
		fail(u, "map", "W^X mapping was not rejected")
	}
	u.Marker("SELFTEST: map ok")
}

func runSched(cfg Config, u *hal.UART) {
	pc := cfg.Sched.Hart(0)
	if err := pc.Enqueue(defs.Pid(1), defs.QoSNormal); err != 0 {
		fail(u, "sched", "enqueue failed")
	}
	p, ok := pc.PickNext()
	if !ok || p != defs.Pid(1) {
		fail(u, "sched", "pick_next did not return the enqueued task")
	}
	u.Marker("SELFTEST: sched ok")
}

func runSpawn(cfg Config, u *hal.UART) {
	as, err := cfg.VM.AsCreate()
	if err != 0 {
		fail(u, "spawn", "as_create failed")
	}
	tk, err := cfg.Tasks.Spawn(defs.NoPid, as, cfg.Limits.CapSlotsBootstrap)
	if err != 0 {
		fail(u, "spawn", "spawn failed")
	}
	if tk.GetState() != task.Created {
		fail(u, "spawn", "unexpected initial state")
	}
	u.Marker("KSELFTEST: spawn ok")
}

// runSMP exercises the SMP causal-proof and counterfactual ladder of
// spec.md §6.2 step 12 / §8 scenario 4. It assumes every hart named in
// cfg.OnlineHarts has already completed BringUp.
func runSMP(cfg Config, u *hal.UART) {
	for _, id := range cfg.OnlineHarts {
		u.Marker(fmt.Sprintf("CPU %d: ready", id))
	}

	if len(cfg.OnlineHarts) < 2 {
		fail(u, "smp", "REQUIRE_SMP=1 but fewer than two harts online")
	}
	sender, target := cfg.OnlineHarts[0], cfg.OnlineHarts[1]

	// causal proof: a valid best-effort IPI from an online hart to
	// another online hart must be accepted and observed pending on
	// the target's mailbox.
	if err := cfg.SMP.SendBestEffort(0, defs.Pid(sender), target); err != 0 {
		fail(u, "smp", "valid resched IPI was rejected")
	}
	if n := cfg.SMP.DrainBestEffort(target); n != 1 {
		fail(u, "smp", "target mailbox did not observe the IPI")
	}

	// counterfactual: an invalid target CPU id must be rejected
	// deterministically, never silently coalesced or dropped.
	const invalidTarget = 99
	if err := cfg.SMP.SendBestEffort(0, defs.Pid(sender), invalidTarget); err != defs.EINVAL {
		fail(u, "smp", "send to invalid target CPU was not rejected")
	}
	u.Marker("KSELFTEST: ipi counterfactual ok")
	u.Marker("KSELFTEST: test_reject_invalid_ipi_target_cpu ok")

	offlineTarget := -1
	for i := 0; i < cfg.Limits.MaxHarts; i++ {
		if !cfg.SMP.Online(i) {
			offlineTarget = i
			break
		}
	}
	if offlineTarget < 0 {
		fail(u, "smp", "no offline hart available for the offline-target test")
	}
	if err := cfg.SMP.SendBestEffort(0, defs.Pid(sender), offlineTarget); err != defs.EINVAL {
		fail(u, "smp", "resched to an offline CPU was not rejected")
	}
	u.Marker("KSELFTEST: test_reject_offline_cpu_resched ok")

	runStealBound(cfg, u)
	runStealQoS(cfg, u)
}

// runStealBound verifies TrySteal never moves more than
// Limits.StealMax tasks in one call, by overfilling a victim bucket
// well past the threshold and checking the thief gained at most
// StealMax.
func runStealBound(cfg Config, u *hal.UART) {
	thiefID, victimID := cfg.OnlineHarts[0], cfg.OnlineHarts[1]
	victim := cfg.Sched.Hart(victimID)
	n := cfg.Limits.StealThreshold + cfg.Limits.StealMax + 4
	for i := 0; i < n; i++ {
		if err := victim.Enqueue(defs.Pid(1000+i), defs.QoSNormal); err != 0 {
			break // bucket capacity reached; still enough to exceed StealMax
		}
	}
	r := cfg.Sched.TrySteal(thiefID, 1)
	if r.Stolen > cfg.Limits.StealMax {
		fail(u, "sched", "steal moved more than StealMax tasks")
	}
	u.Marker("KSELFTEST: test_reject_steal_above_bound ok")
}

// runStealQoS verifies that Interactive tasks stolen from a victim
// never land in the thief's higher PerfBurst bucket: the PerfBurst
// depth on the thief must be unchanged after the steal (stealFrom only
// ever moves same-QoS-to-same-QoS).
func runStealQoS(cfg Config, u *hal.UART) {
	thiefID, victimID := cfg.OnlineHarts[0], cfg.OnlineHarts[1]
	thief := cfg.Sched.Hart(thiefID)
	victim := cfg.Sched.Hart(victimID)

	depthBefore := thief.Depth(defs.QoSPerfBurst)
	for i := 0; i < cfg.Limits.StealThreshold+1; i++ {
		_ = victim.Enqueue(defs.Pid(2000+i), defs.QoSInteractive)
	}
	cfg.Sched.TrySteal(thiefID, 2_000_000)
	if thief.Depth(defs.QoSPerfBurst) != depthBefore {
		fail(u, "sched", "stolen task escalated into a higher QoS bucket on the thief")
	}
	u.Marker("KSELFTEST: test_reject_steal_higher_qos ok")
}
