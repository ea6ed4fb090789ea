// Package task implements the task table: the arena that owns every
// Task by its opaque Pid, exactly as spec.md §9 prescribes for
// "cyclic ownership" -- other subsystems hold only a Pid index, never
// a pointer with implied ownership. Grounded on biscuit's
// tinfo.Threadinfo_t (a locked map of per-task notes) generalized from
// thread notes to the full task lifecycle of spec.md §3.
package task

import (
	"sync"

	"github.com/open-nexus-OS/neuron-core/internal/acct"
	"github.com/open-nexus-OS/neuron-core/internal/captable"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/vm"
)

// State is one point in the lifecycle spec.md §3 defines: Created ->
// Runnable -> Running -> {Runnable|Blocked|Zombie} -> Dead.
type State int

const (
	Created State = iota
	Runnable
	Running
	Blocked
	Zombie
	Dead
)

// Task owns its cap table, an AsHandle, and tracks scheduling/lifecycle
// state. The kernel stack and saved trapframe (hardware-specific, per
// spec.md §3) are not part of this record: the trap package receives a
// Trapframe per Dispatch call and stores none per Pid.
type Task struct {
	mu       sync.Mutex
	Pid      defs.Pid
	Parent   defs.Pid
	AS       vm.AsHandle
	Caps     *captable.Table
	State    State
	QoS      defs.QoS
	Hart     int
	Acct     acct.Accnt
	exitCode int
	waiters  []chan struct{}
}

// snapshot returns the fields Wait/state queries need without holding
// t's lock across a caller-visible call.
func (t *Task) snapshot() (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State, t.exitCode
}

// SetState transitions the task's lifecycle state. Transitions are
// caused only by syscall return, trap, IPI, or timer tick (spec.md
// §4.5), enforced by callers in the trap/sched packages, not by this
// type.
func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.State = s
	t.mu.Unlock()
}

// GetState returns the task's current lifecycle state.
func (t *Task) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// Table is the kernel's single task arena.
type Table struct {
	mu      sync.Mutex
	tasks   map[defs.Pid]*Task
	nextPid defs.Pid
	maxTasks int
}

// NewTable builds an empty task table bounded to maxTasks live tasks
// -- spec.md §7: "task table full" is an ENOSPC condition, never an
// unbounded allocation.
func NewTable(maxTasks int) *Table {
	return &Table{tasks: make(map[defs.Pid]*Task), maxTasks: maxTasks}
}

// Spawn allocates a fresh Pid and Task record owning as and a capacity
// capSlots capability table. Returns ENOSPC if the table is full.
func (t *Table) Spawn(parent defs.Pid, as vm.AsHandle, capSlots int) (*Task, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tasks) >= t.maxTasks {
		return nil, defs.ENOSPC
	}
	t.nextPid++
	pid := t.nextPid
	tk := &Task{
		Pid:    pid,
		Parent: parent,
		AS:     as,
		Caps:   captable.NewTable(capSlots),
		State:  Created,
	}
	t.tasks[pid] = tk
	return tk, 0
}

// Get looks up a live task by Pid.
func (t *Table) Get(pid defs.Pid) (*Task, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[pid]
	if !ok {
		return nil, defs.EINVAL
	}
	return tk, 0
}

// Exit marks pid Zombie with the given exit code and wakes any waiters
// blocked in Wait. The task is not reclaimed (moved to Dead) until its
// parent acknowledges via Wait, per spec.md §3's lifetime invariant.
func (t *Table) Exit(pid defs.Pid, code int) defs.Err_t {
	t.mu.Lock()
	tk, ok := t.tasks[pid]
	t.mu.Unlock()
	if !ok {
		return defs.EINVAL
	}
	tk.mu.Lock()
	tk.State = Zombie
	tk.exitCode = code
	waiters := tk.waiters
	tk.waiters = nil
	tk.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return 0
}

// Wait blocks (if the task is still running) until pid becomes Zombie,
// then reaps it (transition to Dead, removed from the table) and
// returns its exit code. A non-blocking poll is obtained by checking
// GetState before calling Wait.
func (t *Table) Wait(pid defs.Pid) (int, defs.Err_t) {
	t.mu.Lock()
	tk, ok := t.tasks[pid]
	t.mu.Unlock()
	if !ok {
		return 0, defs.EINVAL
	}

	tk.mu.Lock()
	if tk.State != Zombie {
		ch := make(chan struct{})
		tk.waiters = append(tk.waiters, ch)
		tk.mu.Unlock()
		<-ch
		tk.mu.Lock()
	}
	code := tk.exitCode
	tk.State = Dead
	tk.mu.Unlock()

	t.mu.Lock()
	delete(t.tasks, pid)
	parent, hasParent := t.tasks[tk.Parent]
	t.mu.Unlock()
	if hasParent {
		// cf. biscuit Accnt_t.Add -- a reaped child's usage folds into
		// its parent's totals instead of vanishing with the task.
		parent.Acct.Merge(&tk.Acct)
	}
	return code, 0
}

// Len reports the number of live (non-reaped) tasks, for ENOSPC tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
