package store

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the item storage of a protocol node. The database keeps the
// authoritative items in it, every cache keeps its cached copies in one.
// Keys and values are integers.
type IStore interface {
	// Set inserts or updates a key–value pair and returns the write index of the change
	Set(key, value int) (index uint64)
	// Get returns the value for a key. The boolean return value indicates whether a value for the key was found.
	Get(key int) (value int, loaded bool)
	// Has returns whether a key exists in the store
	Has(key int) bool
	// Delete removes a key. It returns whether the key existed.
	Delete(key int) bool
	// Clear removes all keys
	Clear()
	// Keys returns all keys in ascending order
	Keys() []int
	// Snapshot returns a copy of all key–value pairs
	Snapshot() map[int]int
	// GetInfo returns metadata about the store
	GetInfo() Info
}

// Info describes the content of a store
type Info struct {
	Entries   int    // number of keys
	LastIndex uint64 // write index of the last change, 0 if never written
}
