// Package sched implements the per-hart scheduler: four QoS FIFO
// buckets with bounded capacity, deterministic reject on overflow,
// bounded rate-limited work stealing, and QoS-authority rules (a task
// may only lower its own QoS; escalation is gated by a privileged
// caller). Grounded on spec.md §4.5/§4.7/§8 and on biscuit's
// limits.Sysatomic_t take/give token-bucket pattern for the steal rate
// limiter, and tinfo.Threadinfo_t's "pinned to one owner" posture for
// PerCpu exclusivity.
package sched

import (
	"sync"

	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
)

// PerCpu is the per-hart scheduler state: exclusively owned by the
// hart it belongs to. spec.md §3 models this with a !Send/!Sync
// marker; Go has no such compile-time marker, so PerCpu instead offers
// AssertOwner, which panics when called from the wrong hart id once an
// owner probe is installed. PerCpu's own methods do not call it, and
// kernel.Boot installs no probe, so cross-hart access is not checked
// unless a caller does both.
type PerCpu struct {
	mu         sync.Mutex
	id         int
	buckets    [defs.NumQoS]*queue
	current    defs.Pid
	lastSteal  int64
	ownerCheck func() int // returns the calling hart's id; nil disables the check (tests)
}

// NewPerCpu builds one hart's scheduler state with bounded QoS
// buckets. The owner probe AssertOwner consults is installed
// separately with SetOwnerCheck.
func NewPerCpu(id int, queueDepth int) *PerCpu {
	pc := &PerCpu{id: id, current: defs.NoPid}
	for i := range pc.buckets {
		pc.buckets[i] = newQueue(queueDepth)
	}
	return pc
}

// ID returns the hart id this PerCpu belongs to.
func (pc *PerCpu) ID() int { return pc.id }

// SetOwnerCheck installs the "which hart is calling" probe used by
// AssertOwner. Left unset (as kernel.Boot leaves it), AssertOwner
// checks nothing, which lets one goroutine exercise every hart.
func (pc *PerCpu) SetOwnerCheck(f func() int) { pc.ownerCheck = f }

// AssertOwner panics if called from a hart other than pc.id, standing
// in for the type-level !Send/!Sync marker spec.md §3/§5 describe.
func (pc *PerCpu) AssertOwner() {
	if pc.ownerCheck == nil {
		return
	}
	if got := pc.ownerCheck(); got != pc.id {
		panic("cross-hart access to PerCpu state")
	}
}

// Enqueue places task into its QoS bucket. Returns EAGAIN when that
// bucket is already at capacity -- never grows, never blocks
// (spec.md §4.5). The caller must treat a non-nil return as a signal
// to defer or surface EBUSY upstream, the Go stand-in for
// #[must_use].
func (pc *PerCpu) Enqueue(task defs.Pid, qos defs.QoS) defs.Err_t {
	if !qos.Valid() {
		return defs.EINVAL
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.buckets[qos].pushBack(task) {
		return defs.EAGAIN
	}
	return 0
}

// PickNext takes the head of the highest non-empty bucket. The second
// return value is false when every bucket is empty -- the caller
// parks the hart (idle instruction + timer) per spec.md §4.5.
func (pc *PerCpu) PickNext() (defs.Pid, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for q := defs.QoS(defs.NumQoS - 1); ; q-- {
		if p, ok := pc.buckets[q].popFront(); ok {
			pc.current = p
			return p, true
		}
		if q == 0 {
			break
		}
	}
	pc.current = defs.NoPid
	return defs.NoPid, false
}

// Yield requeues the current task at the tail of its own bucket, then
// calls PickNext. currentQoS identifies which bucket to requeue into.
func (pc *PerCpu) Yield(current defs.Pid, currentQoS defs.QoS) (defs.Pid, bool, defs.Err_t) {
	if err := pc.Enqueue(current, currentQoS); err != 0 {
		// the task's own bucket is full even after it just left one
		// slot -- can only happen if another hart raced an enqueue in
		// between; deterministic reject, never blocks.
		return defs.NoPid, false, err
	}
	p, ok := pc.PickNext()
	return p, ok, 0
}

// Current returns the task presently running on this hart, or NoPid
// if idle.
func (pc *PerCpu) Current() defs.Pid {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.current
}

// Depth reports the current length of one QoS bucket, for tests.
func (pc *PerCpu) Depth(qos defs.QoS) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.buckets[qos].len()
}

// Scheduler owns every hart's PerCpu state and coordinates the bounded
// work-stealing policy between them (spec.md §4.5).
type Scheduler struct {
	harts []*PerCpu
	lim   config.Limits
}

// NewScheduler builds a scheduler for nharts harts.
func NewScheduler(nharts int, lim config.Limits) *Scheduler {
	s := &Scheduler{lim: lim}
	for i := 0; i < nharts; i++ {
		s.harts = append(s.harts, NewPerCpu(i, lim.QueueDepth))
	}
	return s
}

// Hart returns the PerCpu state for hart id.
func (s *Scheduler) Hart(id int) *PerCpu { return s.harts[id] }

// NumHarts returns the number of harts under scheduler management.
func (s *Scheduler) NumHarts() int { return len(s.harts) }

// StealResult records the outcome of one TrySteal attempt, for tests
// asserting the two counterfactual rejections spec.md §4.5/§8 name.
type StealResult struct {
	Stolen      int
	VictimQoS   defs.QoS
	RateLimited bool
}

// TrySteal lets thief (an idle hart) pull up to lim.StealMax tasks
// from the highest-QoS bucket on another hart that has at least
// lim.StealThreshold tasks queued, into the thief's bucket of the same
// QoS, subject to a minimum lim.StealMinInterval (1ms by default)
// between the thief's own steal attempts. now is the current
// monotonic time in nanoseconds (hal.Timer.Nsec()).
func (s *Scheduler) TrySteal(thiefID int, now int64) StealResult {
	thief := s.harts[thiefID]

	thief.mu.Lock()
	sinceLast := now - thief.lastSteal
	if thief.lastSteal != 0 && sinceLast < s.lim.StealMinInterval {
		thief.mu.Unlock()
		return StealResult{RateLimited: true}
	}
	thief.lastSteal = now
	thief.mu.Unlock()

	for _, victim := range s.harts {
		if victim.id == thiefID {
			continue
		}
		if r := s.stealFrom(thief, victim); r.Stolen > 0 {
			return r
		}
	}
	return StealResult{}
}

// stealFrom moves up to StealMax tasks from victim into thief, taking
// from the highest QoS bucket of victim that meets StealThreshold; the
// thief's own bucket depths play no part in choosing that bucket
// (beyond stopping when the thief's bucket fills). Cross-QoS
// escalation -- stealing a higher-QoS task
// into a lower-QoS bucket on the thief, or vice versa -- is refused:
// a stolen task is always re-enqueued at the SAME QoS it held on the
// victim (test_reject_steal_higher_qos guards exactly this).
func (s *Scheduler) stealFrom(thief, victim *PerCpu) StealResult {
	victim.mu.Lock()
	defer victim.mu.Unlock()

	for q := defs.QoS(defs.NumQoS - 1); ; q-- {
		bucket := victim.buckets[q]
		if bucket.len() >= s.lim.StealThreshold {
			n := 0
			for n < s.lim.StealMax {
				p, ok := bucket.popBack()
				if !ok {
					break
				}
				thief.mu.Lock()
				pushed := thief.buckets[q].pushBack(p)
				thief.mu.Unlock()
				if !pushed {
					// thief's bucket is full; put it back and stop --
					// never exceed StealMax, never drop a task.
					bucket.pushBack(p)
					break
				}
				n++
			}
			if n > 0 {
				return StealResult{Stolen: n, VictimQoS: q}
			}
		}
		if q == 0 {
			break
		}
	}
	return StealResult{}
}

// SetQoS enforces spec.md §4.5's QoS-authority rule: a task may only
// lower its own effective QoS; raising it (or changing another task's
// QoS) requires privileged == true, which the trap layer sets only
// after checking the caller holds the policy capability. Invalid QoS
// wire values are rejected with EINVAL, never silently clamped.
func SetQoS(current, requested defs.QoS, isSelf, privileged bool) (defs.QoS, defs.Err_t) {
	if !requested.Valid() {
		return current, defs.EINVAL
	}
	if !isSelf && !privileged {
		return current, defs.EPERM
	}
	if requested <= current {
		return requested, 0
	}
	if isSelf && !privileged {
		return current, defs.EPERM
	}
	return requested, 0
}
