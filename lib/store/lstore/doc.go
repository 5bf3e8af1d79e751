// Package lstore implements a local, in-memory key-value store based on the
// store.IStore interface. Items live in an xsync.MapOf and every change
// increments an atomic write index.
//
// Thread Safety:
//
//	All operations are safe for concurrent use. The protocol nodes only touch
//	their store from their own handler, the concurrent map lets the live
//	network and the state dump read a store without stopping the node.
//
// Usage Example:
//
//	s := lstore.NewLocalStore()
//	s.Set(3, 42)
//	value, ok := s.Get(3)
package lstore
