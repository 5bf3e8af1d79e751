// Package workload drives a topology with random client operations and
// random crash plans, records the outcomes and checks the caches against the
// database once the network is quiet.
//
// Key Components:
//
//   - Generate/Schedule: Build the list of injected steps. Each operation picks
//     a kind, a client, a key and a value at random. With a configurable
//     probability a crash plan for a random cache is injected alongside, its
//     checkpoint taken from the checkpoints the operation passes.
//
//   - Recorder: Collects client outcomes in a concurrent map and keeps latency
//     timers and result counters per operation in a go-metrics registry.
//
//   - Check: Compares every cached item with the database value. Keys still
//     under a critical write are skipped and reported on their own.
//
//   - RunSim/RunLive: Complete runs on the simulated or the live network.
//
// Usage:
//
//	res, err := workload.RunSim(cfg, nil)
//	fmt.Println(res)
package workload
