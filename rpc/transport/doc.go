// Package transport defines the message substrate the protocol nodes run on.
// Nodes are actors: each one handles a single message at a time, talks to
// the others only through IContext.Send and arms its timeouts as delayed
// self-messages with IContext.Schedule.
//
// Key Components:
//
//   - INode: Interface every protocol participant implements.
//
//   - IContext: The network as seen from inside a handler (send, timers,
//     clock and a per-node random source).
//
//   - INetwork: Interface of the substrates. Two implementations exist:
//
//   - simnet: A deterministic discrete event simulator with a virtual clock.
//     Runs with the same seed deliver the same messages in the same order.
//
//   - livenet: One goroutine per node with a lock-free mailbox, real timers
//     and every message serialized on the way.
package transport
