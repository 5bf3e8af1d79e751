// Package simnet implements transport.INetwork as a deterministic discrete
// event simulator. Time is virtual: Step pops the earliest event from a
// MapHeap, sets the clock to its due time and hands it to the receiver.
// Message delays are drawn from one seeded random source and every node has
// its own source derived from the seed and its ref, so a run is fully
// reproducible.
package simnet
