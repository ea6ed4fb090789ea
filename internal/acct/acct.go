// Package acct implements per-task user/system time accounting,
// adapted directly from biscuit's accnt.Accnt_t. The QoS coalescing
// policy that consumes this data (the userspace `timed` service) is
// out of scope per spec.md §1, but the bookkeeping primitive itself is
// kernel-internal arithmetic, not policy, so it stays in the core.
package acct

import "sync/atomic"

// Accnt accumulates nanoseconds of user and system time for one task.
type Accnt struct {
	userns int64
	sysns  int64
}

// AddUser adds delta nanoseconds of user time.
func (a *Accnt) AddUser(delta int64) { atomic.AddInt64(&a.userns, delta) }

// AddSys adds delta nanoseconds of system (kernel) time.
func (a *Accnt) AddSys(delta int64) { atomic.AddInt64(&a.sysns, delta) }

// Snapshot returns the current (userns, sysns) totals.
func (a *Accnt) Snapshot() (int64, int64) {
	return atomic.LoadInt64(&a.userns), atomic.LoadInt64(&a.sysns)
}

// Merge folds n's counters into a, used when a parent collects a
// reaped child's accounting (cf. biscuit Accnt_t.Add).
func (a *Accnt) Merge(n *Accnt) {
	u, s := n.Snapshot()
	a.AddUser(u)
	a.AddSys(s)
}
