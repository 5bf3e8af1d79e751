// Package fault provides the crash injection hook used by cache nodes.
//
// A test harness (or the workload driver) sends a Crash or CrashDuringMulticast
// message to a cache. The cache arms its Injector with the received Plan and
// consults it at a small, fixed set of protocol checkpoints:
//
//   - Reached(cp) at single decision points, e.g. just before a read request is
//     forwarded to the parent
//   - SendBudget(cp) inside multicast loops, which tells the node how many
//     children it may still reach before it crashes
//
// Plans are one-shot: a node accepts a new plan only when none is armed, and the
// injector is reset when the node recovers.
package fault
