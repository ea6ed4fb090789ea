// Package smp implements secondary-hart bring-up, the CPU-ID fast
// path, and the two IPI classes of spec.md §4.7: correctness IPIs
// (never dropped, coalescible) and best-effort IPIs (bounded mailbox,
// deterministic reject on overflow), plus the per-task and
// global rate limiters of spec.md §5's anti-DoS policy. The rate
// limiter is a fixed-window token bucket generalized from biscuit's
// limits.Sysatomic_t take/give counter.
package smp

import (
	"sync"

	"github.com/open-nexus-OS/neuron-core/internal/config"
	"github.com/open-nexus-OS/neuron-core/internal/defs"
	"github.com/open-nexus-OS/neuron-core/internal/hal"
)

// CorrectnessMsg carries the latest ASID/range for a TLB shootdown.
// Multiple sends for the same target hart coalesce to this single
// pending record instead of being dropped, per spec.md §4.7/§5/§8:
// "not dropped; either delivered or coalesced-and-delivered".
type CorrectnessMsg struct {
	ASID  defs.Asid
	VA    uintptr
	Pages int
}

type correctnessMailbox struct {
	mu      sync.Mutex
	pending bool
	msg     CorrectnessMsg
}

func (m *correctnessMailbox) post(msg CorrectnessMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending {
		// coalesce: the new request replaces the already-pending one
		// (the ranges are not merged) -- callers always shoot
		// down by (ASID, VA, pages) and a correctness IPI's job is only
		// to guarantee the target observes the POST-shootdown mapping,
		// so keeping the most recent request is sufficient as long as
		// it is delivered before further use.
		m.msg = msg
		return
	}
	m.pending = true
	m.msg = msg
}

// drain clears and returns the pending shootdown, if any.
func (m *correctnessMailbox) drain() (CorrectnessMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return CorrectnessMsg{}, false
	}
	msg := m.msg
	m.pending = false
	return msg, true
}

// bestEffortMailbox is the bounded SPSC-shaped (single producer per
// sender hart, single consumer on the owning hart) resched mailbox.
// It counts pending resched requests up to its capacity; a post beyond
// that is rejected with EAGAIN rather than growing or coalescing.
type bestEffortMailbox struct {
	mu      sync.Mutex
	pending int // count of undelivered resched requests, capped at capacity
	cap     int
}

func newBestEffortMailbox(capacity int) *bestEffortMailbox {
	return &bestEffortMailbox{cap: capacity}
}

func (m *bestEffortMailbox) post() defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending >= m.cap {
		return defs.EAGAIN
	}
	m.pending++
	return 0
}

func (m *bestEffortMailbox) drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending
	m.pending = 0
	return n
}

// rateLimiter is a fixed-window token bucket: budget tokens may be
// taken per windowNs, reset atomically at the next Take after the
// window elapses. Generalized from biscuit's limits.Sysatomic_t
// Given/Taken.
type rateLimiter struct {
	mu          sync.Mutex
	budget      int
	windowNs    int64
	windowStart int64
	used        int
}

func newRateLimiter(budget int, windowNs int64) *rateLimiter {
	return &rateLimiter{budget: budget, windowNs: windowNs}
}

func (r *rateLimiter) take(now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now-r.windowStart >= r.windowNs {
		r.windowStart = now
		r.used = 0
	}
	if r.used >= r.budget {
		return false
	}
	r.used++
	return true
}

// SMP owns the CPU online mask and every hart's IPI mailboxes.
type SMP struct {
	mu           sync.Mutex
	online       []bool
	correctness  []*correctnessMailbox
	bestEffort   []*bestEffortMailbox
	perTaskLimit map[defs.Pid]*rateLimiter
	globalLimit  *rateLimiter
	lim          config.Limits
	sendIPI      hal.IPITrigger
}

// NewSMP builds the SMP coordinator for up to lim.MaxHarts harts. Only
// the boot hart (id 0) starts online; BringUp marks secondaries online
// as they complete bring-up.
func NewSMP(lim config.Limits, sendIPI hal.IPITrigger) *SMP {
	s := &SMP{
		lim:          lim,
		online:       make([]bool, lim.MaxHarts),
		correctness:  make([]*correctnessMailbox, lim.MaxHarts),
		bestEffort:   make([]*bestEffortMailbox, lim.MaxHarts),
		perTaskLimit: make(map[defs.Pid]*rateLimiter),
		globalLimit:  newRateLimiter(lim.IPIGlobalBudget, lim.IPIGlobalWindowNs),
		sendIPI:      sendIPI,
	}
	for i := range s.online {
		s.correctness[i] = &correctnessMailbox{}
		s.bestEffort[i] = newBestEffortMailbox(lim.IPIMailbox)
	}
	s.online[0] = true
	return s
}

// BringUp marks hart id online. Called once that hart has installed
// its trap vector and initialized its PerCpu state, per spec.md §4.7
// step 1-2.
func (s *SMP) BringUp(id int) defs.Err_t {
	if id < 0 || id >= len(s.online) {
		return defs.EINVAL
	}
	s.mu.Lock()
	s.online[id] = true
	s.mu.Unlock()
	return 0
}

// Online reports whether hart id is in the online mask.
func (s *SMP) Online(id int) bool {
	if id < 0 || id >= len(s.online) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[id]
}

func (s *SMP) validTarget(id int) bool {
	return id >= 0 && id < len(s.online)
}

// SendCorrectness posts (and rings the bell for) a TLB-shootdown IPI.
// It is never dropped -- an invalid or offline target is the only
// rejection, matching the counterfactual test
// test_reject_invalid_ipi_target_cpu / test_reject_offline_cpu_resched.
func (s *SMP) SendCorrectness(target int, msg CorrectnessMsg) defs.Err_t {
	if !s.validTarget(target) {
		return defs.EINVAL
	}
	if !s.Online(target) {
		return defs.EINVAL
	}
	s.correctness[target].post(msg)
	if s.sendIPI != nil {
		s.sendIPI(target)
	}
	return 0
}

// DrainCorrectness is called by the target hart's trap return path to
// pick up (and clear) any pending shootdown before it lets a
// subsequent memory access proceed (spec.md §8's ordering property).
func (s *SMP) DrainCorrectness(hart int) (CorrectnessMsg, bool) {
	return s.correctness[hart].drain()
}

// SendBestEffort posts a resched-nudge IPI, subject to the per-task and
// global rate limits. Rejections:
//   - EINVAL: invalid or offline target CPU.
//   - EBUSY: rate limit exceeded (spec.md §5 anti-DoS policy).
//   - EAGAIN: target mailbox at capacity (deterministic reject).
func (s *SMP) SendBestEffort(now int64, sender defs.Pid, target int) defs.Err_t {
	if !s.validTarget(target) {
		return defs.EINVAL
	}
	if !s.Online(target) {
		return defs.EINVAL
	}
	s.mu.Lock()
	rl, ok := s.perTaskLimit[sender]
	if !ok {
		rl = newRateLimiter(s.lim.IPIPerTaskBudget, s.lim.IPIPerTaskWindowNs)
		s.perTaskLimit[sender] = rl
	}
	s.mu.Unlock()

	if !rl.take(now) || !s.globalLimit.take(now) {
		return defs.EBUSY
	}
	if err := s.bestEffort[target].post(); err != 0 {
		return err
	}
	if s.sendIPI != nil {
		s.sendIPI(target)
	}
	return 0
}

// DrainBestEffort returns (and clears) the number of coalesced resched
// requests pending for hart.
func (s *SMP) DrainBestEffort(hart int) int {
	return s.bestEffort[hart].drain()
}

// ResolveHartID implements the CPU-ID fast path of spec.md §4.7:
// (1) tp register hint, (2) stack-range fallback, (3) boot-hart
// fallback, each validated; a hint/fallback mismatch is a panic (an
// invariant violation, not an ordinary error -- a hart that cannot
// trust its own identity cannot safely continue).
func ResolveHartID(tpHint int, tpValid bool, stackRange int, stackValid bool, bootHart int) int {
	if tpValid {
		if stackValid && stackRange != tpHint {
			panic("hart id mismatch between tp hint and stack-range fallback")
		}
		return tpHint
	}
	if stackValid {
		return stackRange
	}
	return bootHart
}
