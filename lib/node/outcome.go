package node

import (
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// OpKind is one of the four operations a client can issue
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
	OpCritRead
	OpCritWrite
)

var opNames = [...]string{
	OpRead:      "read",
	OpWrite:     "write",
	OpCritRead:  "crit-read",
	OpCritWrite: "crit-write",
}

// String returns the string representation of an OpKind.
func (o OpKind) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// AllOps returns every operation kind
func AllOps() []OpKind {
	return []OpKind{OpRead, OpWrite, OpCritRead, OpCritWrite}
}

// opOfTrigger maps a client trigger message to its operation
func opOfTrigger(t common.MessageType) (OpKind, bool) {
	switch t {
	case common.MsgTDoRead:
		return OpRead, true
	case common.MsgTDoWrite:
		return OpWrite, true
	case common.MsgTDoCritRead:
		return OpCritRead, true
	case common.MsgTDoCritWrite:
		return OpCritWrite, true
	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------
// Outcomes
// --------------------------------------------------------------------------

// Outcome is the result of one client operation
type Outcome struct {
	Client  common.NodeRef
	Op      OpKind
	ID      uuid.UUID
	Key     int
	Value   int           // Value read, or value written
	Found   bool          // For reads: whether the key exists
	Err     error         // nil on success, otherwise an *Error
	Latency time.Duration // Time from sending the request to the outcome
}

// OutcomeFunc receives every outcome of a client. It is called from the
// client's handler and must not block.
type OutcomeFunc func(Outcome)
