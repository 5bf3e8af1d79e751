// Package topology builds the cache hierarchy used by the simulation runs
// and scenarios: one database, a layer of inner (L1) caches, a layer of
// outer (L2) caches and the clients.
//
// Refs follow a fixed scheme: "db", "l1-100", "l1-101", ..., "l2-200", ...,
// "client-300", .... Outer caches and clients are split into contiguous
// groups under their parents, every client knows all outer caches as
// alternates.
//
// Usage:
//
//	topo, err := topology.New(topology.FromConfig(cfg), onOutcome)
//	err = topo.Register(net)
//	topo.Bootstrap(net)
package topology
