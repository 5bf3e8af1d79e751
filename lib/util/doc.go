// Package util contains the data structures the simulation is built on:
//
//   - MapHeap: a keyed min-heap, the event queue of the discrete event simulator
//   - Mailbox: a lock-free MPSC queue, the inbox of every node in the live network
//   - HashString / GenerateSeed: reproducible per-node random seeds
//   - Stats / DistributionStats: summary statistics for workload reports
package util
