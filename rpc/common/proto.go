package common

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/dCache/lib/fault"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Node References
// --------------------------------------------------------------------------

// NodeRef is the opaque address of a node (database, cache or client).
type NodeRef string

// NoRef is the empty reference. Messages injected by a driver carry it as sender.
const NoRef NodeRef = ""

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents every message exchanged between nodes.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	ID    uuid.UUID `json:"id"`              // Request id, shared by a request and all its responses
	Key   int       `json:"key"`             // Used for: all item operations
	Value int       `json:"value,omitempty"` // Used for: writes, refills, read responses

	// Routing
	Path       []NodeRef `json:"path,omitempty"`       // Response path of read-family requests, top = last element
	Originator NodeRef   `json:"originator,omitempty"` // Client that issued a write-family request

	// Bootstrap
	Ref  NodeRef   `json:"ref,omitempty"`  // Used for: SetParent, AddChild
	Refs []NodeRef `json:"refs,omitempty"` // Used for: SetChildren, SetAlternateCaches

	// Failure handling
	IDs     []uuid.UUID `json:"ids,omitempty"`     // Used for: CancelTimeout
	Ok      bool        `json:"ok,omitempty"`      // Used for: IsStillParentResp, read responses (item found)
	Reason  ErrorKind   `json:"reason,omitempty"`  // Used for: ReqError, CritWriteError
	Awaited *Message    `json:"awaited,omitempty"` // Used for: ReqError and timeouts, the request that failed

	// Fault injection
	Checkpoint    fault.Checkpoint `json:"checkpoint,omitempty"`    // Used for: Crash, CrashDuringMulticast
	AfterSends    int              `json:"afterSends,omitempty"`    // Used for: CrashDuringMulticast
	RecoveryDelay time.Duration    `json:"recoveryDelay,omitempty"` // Used for: Crash, CrashDuringMulticast
}

// Clone returns a deep copy of the message. Messages are values on the wire,
// so every send works on its own copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Path = slices.Clone(m.Path)
	c.Refs = slices.Clone(m.Refs)
	c.IDs = slices.Clone(m.IDs)
	c.Awaited = m.Awaited.Clone()
	return &c
}

// PushPath pushes ref onto the response path.
func (m *Message) PushPath(ref NodeRef) {
	m.Path = append(m.Path, ref)
}

// PopPath removes and returns the top of the response path.
func (m *Message) PopPath() (NodeRef, bool) {
	if len(m.Path) == 0 {
		return NoRef, false
	}
	top := m.Path[len(m.Path)-1]
	m.Path = m.Path[:len(m.Path)-1]
	return top, true
}

// String returns a compact representation used in log lines.
func (m *Message) String() string {
	return fmt.Sprintf("%s{key=%d id=%s}", m.MsgType, m.Key, ShortID(m.ID))
}

// NewRequestID returns a new globally unique request id.
func NewRequestID() uuid.UUID {
	return uuid.New()
}

// ShortID returns the first eight hex digits of a request id for logging.
func ShortID(id uuid.UUID) string {
	return id.String()[:8]
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewSetParent creates a SetParent bootstrap message
func NewSetParent(parent NodeRef) *Message {
	return &Message{MsgType: MsgTSetParent, Ref: parent}
}

// NewSetChildren creates a SetChildren bootstrap message
func NewSetChildren(children []NodeRef) *Message {
	return &Message{MsgType: MsgTSetChildren, Refs: slices.Clone(children)}
}

// NewAddChild creates an AddChild message announcing child to its new parent
func NewAddChild(child NodeRef) *Message {
	return &Message{MsgType: MsgTAddChild, Ref: child}
}

// NewSetAlternateCaches creates a SetAlternateCaches bootstrap message
func NewSetAlternateCaches(caches []NodeRef) *Message {
	return &Message{MsgType: MsgTSetAlternateCaches, Refs: slices.Clone(caches)}
}

// NewDoRead creates a client trigger for a read. A zero id lets the client pick one.
func NewDoRead(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTDoRead, Key: key, ID: id}
}

// NewDoWrite creates a client trigger for a write
func NewDoWrite(key, value int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTDoWrite, Key: key, Value: value, ID: id}
}

// NewDoCritRead creates a client trigger for a critical read
func NewDoCritRead(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTDoCritRead, Key: key, ID: id}
}

// NewDoCritWrite creates a client trigger for a critical write
func NewDoCritWrite(key, value int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTDoCritWrite, Key: key, Value: value, ID: id}
}

// NewReadRequest creates a read request with the given response path
func NewReadRequest(key int, id uuid.UUID, path []NodeRef) *Message {
	return &Message{MsgType: MsgTReadReq, Key: key, ID: id, Path: slices.Clone(path)}
}

// NewReadResponse creates a read response travelling along path
func NewReadResponse(key, value int, found bool, path []NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTReadResp, Key: key, Value: value, Ok: found, Path: slices.Clone(path), ID: id}
}

// NewCritReadRequest creates a critical read request with the given response path
func NewCritReadRequest(key int, id uuid.UUID, path []NodeRef) *Message {
	return &Message{MsgType: MsgTCritReadReq, Key: key, ID: id, Path: slices.Clone(path)}
}

// NewCritReadResponse creates a critical read response travelling along path
func NewCritReadResponse(key, value int, found bool, path []NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTCritReadResp, Key: key, Value: value, Ok: found, Path: slices.Clone(path), ID: id}
}

// NewWriteRequest creates a write request
func NewWriteRequest(key, value int, originator NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTWriteReq, Key: key, Value: value, Originator: originator, ID: id}
}

// NewRefill creates the refill multicast after a write was applied
func NewRefill(key, value int, originator NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTRefill, Key: key, Value: value, Originator: originator, ID: id}
}

// NewWriteConfirm creates the confirmation of a write sent to the client
func NewWriteConfirm(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTWriteConfirm, Key: key, ID: id}
}

// NewCritWriteRequest creates a critical write request
func NewCritWriteRequest(key, value int, originator NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTCritWriteReq, Key: key, Value: value, Originator: originator, ID: id}
}

// NewInvalidateItem creates the invalidation instruction of a critical write
func NewInvalidateItem(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTInvalidateItem, Key: key, ID: id}
}

// NewInvalidationConfirm creates the acknowledgement of an invalidation
func NewInvalidationConfirm(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTInvalidationConfirm, Key: key, ID: id}
}

// NewCriticalRefill creates the refill multicast after a critical write was applied
func NewCriticalRefill(key, value int, originator NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTCriticalRefill, Key: key, Value: value, Originator: originator, ID: id}
}

// NewCritWriteConfirm creates the confirmation of a critical write sent to the client
func NewCritWriteConfirm(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTCritWriteConfirm, Key: key, ID: id}
}

// NewCritWriteError creates the failure notice of a critical write
func NewCritWriteError(key int, originator NodeRef, id uuid.UUID, reason ErrorKind) *Message {
	return &Message{MsgType: MsgTCritWriteError, Key: key, Originator: originator, ID: id, Reason: reason}
}

// NewReqError creates an error reply for the awaited request. For read-family
// requests path is the remaining response path.
func NewReqError(awaited *Message, path []NodeRef, reason ErrorKind) *Message {
	a := awaited.Clone()
	a.Path = nil
	return &Message{
		MsgType:    MsgTReqError,
		Key:        awaited.Key,
		ID:         awaited.ID,
		Originator: awaited.Originator,
		Path:       slices.Clone(path),
		Reason:     reason,
		Awaited:    a,
	}
}

// NewTimeout creates the self-delivered timeout for an awaited request
func NewTimeout(awaited *Message) *Message {
	return &Message{MsgType: MsgTTimeoutFired, Key: awaited.Key, ID: awaited.ID, Awaited: awaited.Clone()}
}

// NewInvalidationTimeout creates the database's timeout for collecting invalidation confirmations
func NewInvalidationTimeout(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTInvalidationTimeout, Key: key, ID: id}
}

// NewUpdateTimeout creates an outer cache's timeout for the critical refill of an invalidated key
func NewUpdateTimeout(key int, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTUpdateTimeout, Key: key, ID: id}
}

// NewRefreshItemRequest creates a refresh request for key
func NewRefreshItemRequest(key int, id uuid.UUID, path []NodeRef) *Message {
	return &Message{MsgType: MsgTRefreshItemReq, Key: key, ID: id, Path: slices.Clone(path)}
}

// NewRefreshItemResponse creates a refresh response travelling along path
func NewRefreshItemResponse(key, value int, found bool, path []NodeRef, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTRefreshItemResp, Key: key, Value: value, Ok: found, Path: slices.Clone(path), ID: id}
}

// NewIsStillParentRequest creates the probe a recovered cache sends to its former children
func NewIsStillParentRequest() *Message {
	return &Message{MsgType: MsgTIsStillParentReq, ID: NewRequestID()}
}

// NewIsStillParentResponse creates the answer to an IsStillParent probe
func NewIsStillParentResponse(yes bool, id uuid.UUID) *Message {
	return &Message{MsgType: MsgTIsStillParentResp, Ok: yes, ID: id}
}

// NewStartRefresh creates the instruction to refresh all held items
func NewStartRefresh() *Message {
	return &Message{MsgType: MsgTStartRefresh, ID: NewRequestID()}
}

// NewCancelTimeout creates the instruction to cancel the timers of ids
func NewCancelTimeout(ids []uuid.UUID) *Message {
	return &Message{MsgType: MsgTCancelTimeout, IDs: slices.Clone(ids)}
}

// NewCrash creates a crash plan for a single checkpoint
func NewCrash(cp fault.Checkpoint, recoveryDelay time.Duration) *Message {
	return &Message{MsgType: MsgTCrash, Checkpoint: cp, RecoveryDelay: recoveryDelay}
}

// NewCrashDuringMulticast creates a crash plan that fires after afterSends multicast sends
func NewCrashDuringMulticast(cp fault.Checkpoint, afterSends int, recoveryDelay time.Duration) *Message {
	return &Message{MsgType: MsgTCrashDuringMulticast, Checkpoint: cp, AfterSends: afterSends, RecoveryDelay: recoveryDelay}
}

// NewRecovery creates the self-delivered recovery message
func NewRecovery() *Message {
	return &Message{MsgType: MsgTRecovery}
}

// NewDumpState creates a debug request to log the node state
func NewDumpState() *Message {
	return &Message{MsgType: MsgTDumpState}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of a protocol message.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota

	// Bootstrap

	MsgTSetParent          // Set the parent of a node
	MsgTSetChildren        // Set the children of a node
	MsgTAddChild           // Add a child after failover
	MsgTSetAlternateCaches // Outer caches a client may fail over to

	// Client triggers

	MsgTDoRead      // Start a read at a client
	MsgTDoWrite     // Start a write at a client
	MsgTDoCritRead  // Start a critical read at a client
	MsgTDoCritWrite // Start a critical write at a client

	// Reads

	MsgTReadReq      // Read request
	MsgTReadResp     // Read response
	MsgTCritReadReq  // Critical read request
	MsgTCritReadResp // Critical read response

	// Writes

	MsgTWriteReq     // Write request
	MsgTRefill       // Value propagation after a write
	MsgTWriteConfirm // Write confirmation to the client

	// Critical writes

	MsgTCritWriteReq        // Critical write request
	MsgTInvalidateItem      // Invalidation of a key
	MsgTInvalidationConfirm // Acknowledgement of an invalidation
	MsgTCriticalRefill      // Value propagation after a critical write
	MsgTCritWriteConfirm    // Critical write confirmation to the client
	MsgTCritWriteError      // Critical write failed

	// Failure handling

	MsgTReqError            // Request could not be served
	MsgTTimeoutFired        // Self-message: awaited response did not arrive
	MsgTInvalidationTimeout // Self-message: database stops waiting for confirmations
	MsgTUpdateTimeout       // Self-message: outer cache stops waiting for a critical refill
	MsgTRefreshItemReq      // Refresh request for a held key
	MsgTRefreshItemResp     // Refresh response
	MsgTIsStillParentReq    // Recovered cache probes a former child
	MsgTIsStillParentResp   // Answer to the probe
	MsgTStartRefresh        // Instruction to refresh all held items
	MsgTCancelTimeout       // Instruction to cancel pending timers

	// Lifecycle

	MsgTCrash                // Arm a crash plan
	MsgTCrashDuringMulticast // Arm a crash plan inside a multicast
	MsgTRecovery             // Self-message: leave the crashed state

	// Debug

	MsgTDumpState // Log the node state

	msgTCount
)

var messageTypeNames = [...]string{
	MsgTUnknown:              "unknown",
	MsgTSetParent:            "setParent",
	MsgTSetChildren:          "setChildren",
	MsgTAddChild:             "addChild",
	MsgTSetAlternateCaches:   "setAlternateCaches",
	MsgTDoRead:               "doRead",
	MsgTDoWrite:              "doWrite",
	MsgTDoCritRead:           "doCritRead",
	MsgTDoCritWrite:          "doCritWrite",
	MsgTReadReq:              "readReq",
	MsgTReadResp:             "readResp",
	MsgTCritReadReq:          "critReadReq",
	MsgTCritReadResp:         "critReadResp",
	MsgTWriteReq:             "writeReq",
	MsgTRefill:               "refill",
	MsgTWriteConfirm:         "writeConfirm",
	MsgTCritWriteReq:         "critWriteReq",
	MsgTInvalidateItem:       "invalidateItem",
	MsgTInvalidationConfirm:  "invalidationConfirm",
	MsgTCriticalRefill:       "criticalRefill",
	MsgTCritWriteConfirm:     "critWriteConfirm",
	MsgTCritWriteError:       "critWriteError",
	MsgTReqError:             "reqError",
	MsgTTimeoutFired:         "timeoutFired",
	MsgTInvalidationTimeout:  "invalidationTimeout",
	MsgTUpdateTimeout:        "updateTimeout",
	MsgTRefreshItemReq:       "refreshItemReq",
	MsgTRefreshItemResp:      "refreshItemResp",
	MsgTIsStillParentReq:     "isStillParentReq",
	MsgTIsStillParentResp:    "isStillParentResp",
	MsgTStartRefresh:         "startRefresh",
	MsgTCancelTimeout:        "cancelTimeout",
	MsgTCrash:                "crash",
	MsgTCrashDuringMulticast: "crashDuringMulticast",
	MsgTRecovery:             "recovery",
	MsgTDumpState:            "dumpState",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if t < msgTCount {
		return messageTypeNames[t]
	}
	return "unknown"
}

// IsReadFamily reports whether requests of this type carry a response path.
func (t MessageType) IsReadFamily() bool {
	return t == MsgTReadReq || t == MsgTCritReadReq || t == MsgTRefreshItemReq
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range messageTypeNames {
		if name == s {
			*t = MessageType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// ErrorKind classifies why a request failed. It travels inside ReqError and
// CritWriteError messages so the client can report the precise cause.
type ErrorKind uint8

const (
	ErrKNone                  ErrorKind = iota // 0: no error
	ErrKStaleBlocked                           // 1: key is inside an invalidation window
	ErrKCriticalWriteConflict                  // 2: another critical write on the key is in progress
	ErrKParentUnresponsive                     // 3: the parent did not answer in time
	ErrKCriticalWriteAborted                   // 4: the database timed out collecting confirmations
	ErrKCancelled                              // 5: the parent cancelled the request after recovering
)

var errorKindNames = [...]string{
	ErrKNone:                  "none",
	ErrKStaleBlocked:          "stale-blocked",
	ErrKCriticalWriteConflict: "critical-write-conflict",
	ErrKParentUnresponsive:    "parent-unresponsive",
	ErrKCriticalWriteAborted:  "critical-write-aborted",
	ErrKCancelled:             "cancelled",
}

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for ErrorKind.
func (k ErrorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ErrorKind.
func (k *ErrorKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range errorKindNames {
		if name == s {
			*k = ErrorKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown error kind: %s", s)
}
