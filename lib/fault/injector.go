package fault

import "time"

// Plan describes a scheduled one-shot crash.
type Plan struct {
	// Checkpoint at which the node crashes
	Checkpoint Checkpoint
	// AfterSends is the number of children reached before crashing inside a
	// multicast checkpoint. It is ignored for all other checkpoints.
	AfterSends int
	// RecoveryDelay is how long the node stays crashed. Zero selects the
	// node's default.
	RecoveryDelay time.Duration
}

// Injector holds at most one armed Plan for a single node. It is owned by the
// node's processing loop and therefore not safe for concurrent use.
type Injector struct {
	plan  Plan
	armed bool
}

// Arm schedules p. A plan is only accepted when no other plan is armed, the
// return value reports whether p was accepted.
func (i *Injector) Arm(p Plan) bool {
	if i.armed || p.Checkpoint == CPNone {
		return false
	}
	i.plan = p
	i.armed = true
	return true
}

// Armed returns the current plan, if any.
func (i *Injector) Armed() (Plan, bool) {
	return i.plan, i.armed
}

// Reached reports whether the node must crash at cp instead of performing its
// normal action.
func (i *Injector) Reached(cp Checkpoint) bool {
	return i.armed && i.plan.Checkpoint == cp
}

// SendBudget returns the number of multicast sends allowed at cp before the
// node crashes. ok is false when no crash is armed for cp.
func (i *Injector) SendBudget(cp Checkpoint) (n int, ok bool) {
	if !i.Reached(cp) {
		return 0, false
	}
	return max(i.plan.AfterSends, 0), true
}

// RecoveryDelay returns the recovery delay of the armed plan or def when the
// plan does not specify one.
func (i *Injector) RecoveryDelay(def time.Duration) time.Duration {
	if i.armed && i.plan.RecoveryDelay > 0 {
		return i.plan.RecoveryDelay
	}
	return def
}

// Reset disarms the injector.
func (i *Injector) Reset() {
	i.plan = Plan{}
	i.armed = false
}
