package node

import (
	"bytes"
	"slices"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/google/uuid"
)

// MaxConcurrentCrash is the number of simultaneously crashed outer caches an
// inner cache tolerates when it aggregates invalidation confirmations.
const MaxConcurrentCrash = 1

// Tier is the level of a cache in the hierarchy
type Tier uint8

const (
	TierInner Tier = iota // L1, child of the database
	TierOuter             // L2, child of an inner cache, parent of clients
)

// String returns the string representation of a Tier.
func (t Tier) String() string {
	if t == TierInner {
		return "L1"
	}
	return "L2"
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// addRef appends ref to refs unless it is already contained
func addRef(refs []common.NodeRef, ref common.NodeRef) []common.NodeRef {
	if slices.Contains(refs, ref) {
		return refs
	}
	return append(refs, ref)
}

// removeRef removes every occurrence of ref from refs
func removeRef(refs []common.NodeRef, ref common.NodeRef) []common.NodeRef {
	return slices.DeleteFunc(refs, func(r common.NodeRef) bool { return r == ref })
}

// sortedIDs returns the keys of m in a stable order
func sortedIDs[V any](m map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}
