package transport

import (
	"math/rand"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
)

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// Envelope is a message in flight. For timers From equals To. Messages
// injected from outside the network carry common.NoRef as sender.
type Envelope struct {
	From common.NodeRef
	To   common.NodeRef
	Msg  *common.Message
}

// TimerID identifies a scheduled self-message
type TimerID uint64

// NoTimer is never returned by Schedule
const NoTimer TimerID = 0

// --------------------------------------------------------------------------
// Node side
// --------------------------------------------------------------------------

// IContext is the view a node has of the network while it handles a message.
// It must only be used from within INode.Handle.
type IContext interface {
	// Self returns the ref of the handling node
	Self() common.NodeRef
	// Now returns the current (possibly virtual) time
	Now() time.Time
	// Send delivers a copy of msg to the node to after a network delay.
	// Sends to unknown nodes are dropped.
	Send(to common.NodeRef, msg *common.Message)
	// Schedule delivers a copy of msg to the handling node after delay
	Schedule(delay time.Duration, msg *common.Message) TimerID
	// Cancel prevents delivery of a scheduled message. It returns false if
	// the timer already fired or was cancelled.
	Cancel(id TimerID) bool
	// Rand returns the random source of the handling node
	Rand() *rand.Rand
}

// INode is a protocol participant. The network calls Handle for one message
// at a time, so implementations need no locking of their own state.
type INode interface {
	// Ref returns the address of the node
	Ref() common.NodeRef
	// Handle processes one message
	Handle(ctx IContext, env Envelope)
}

// --------------------------------------------------------------------------
// Network side
// --------------------------------------------------------------------------

// INetwork is the message substrate the nodes are registered with
type INetwork interface {
	// Register adds a node. Refs must be unique.
	Register(node INode) error
	// Inject delivers msg to the node to without network delay
	Inject(to common.NodeRef, msg *common.Message)
	// InjectAfter delivers msg to the node to after delay
	InjectAfter(delay time.Duration, to common.NodeRef, msg *common.Message)
	// Inspect runs fn on the node's own execution context, so fn may read the
	// node's state without racing with Handle
	Inspect(ref common.NodeRef, fn func(node INode)) error
	// Now returns the current (possibly virtual) time of the network
	Now() time.Time
}
