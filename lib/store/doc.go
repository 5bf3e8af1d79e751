// Package store provides the item storage the protocol nodes keep their data
// in. The database holds the authoritative value of every key, caches hold
// the copies they received from their parent and drop them on a crash.
//
// Key Components:
//
//   - IStore Interface: Operations on a set of integer keys and values plus a
//     monotonically increasing write index.
//
//   - Info: Metadata about a store (number of entries, last write index).
//
// Implementations:
//
//	- Local Store (lstore): An in-memory implementation on a concurrent map.
//	  Available in the "github.com/ValentinKolb/dCache/lib/store/lstore" package.
package store
