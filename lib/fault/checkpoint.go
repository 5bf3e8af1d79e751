package fault

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Checkpoint Definition
// --------------------------------------------------------------------------

// Checkpoint names a failure-sensitive moment inside the cache protocol at
// which a one-shot crash can be injected.
type Checkpoint uint8

const (
	CPNone Checkpoint = iota // No crash armed
	CPNow                    // Crash as soon as the plan is received

	// Read operation

	CPBeforeReadReqForward  // Before a read request is forwarded to the parent
	CPAfterReadReqForward   // After a read request is forwarded to the parent
	CPBeforeReadRespForward // Before a read response is forwarded to a child
	CPBeforeReadResp        // Before a read is answered from the local items

	// Write operation

	CPBeforeWriteReqForward // Before a write request is forwarded to the parent
	CPAfterWriteReqForward  // After a write request is forwarded to the parent
	CPBeforeRefill          // Before a refill is applied
	CPBeforeWriteConfirm    // Before a write confirmation is sent to the client
	CPDuringRefillMulticast // While a refill is multicast to the children

	// Critical read

	CPBeforeCritReadReqForward  // Before a critical read request is forwarded to the parent
	CPAfterCritReadReqForward   // After a critical read request is forwarded to the parent
	CPBeforeCritReadRespForward // Before a critical read response is forwarded to a child

	// Critical write

	CPBeforeCritWriteReqForward   // Before a critical write request is forwarded to the parent
	CPAfterCritWriteReqForward    // After a critical write request is forwarded to the parent
	CPBeforeInvalidation          // Before an item invalidation is applied
	CPBeforeInvalidationConfirm   // Before an invalidation confirmation is sent upward
	CPBeforeInvalidationConfirmRx // Before an invalidation confirmation from a child is handled
	CPBeforeCritRefill            // Before a critical refill is applied
	CPBeforeCritWriteConfirm      // Before a critical write confirmation is sent to the client

	// Multicasts and recovery

	CPDuringInvalidationMulticast   // While an invalidation is multicast to the children
	CPDuringCritRefillMulticast     // While a critical refill is multicast to the children
	CPDuringCritWriteErrorMulticast // While a critical write error is multicast to the children
	CPDuringCancelTimeoutMulticast  // While a cancel timeout message is multicast to the children
	CPDuringRefresh                 // Before a refresh request is forwarded to the parent

	cpCount
)

var checkpointNames = [...]string{
	CPNone:                          "none",
	CPNow:                           "now",
	CPBeforeReadReqForward:          "before-read-req-forward",
	CPAfterReadReqForward:           "after-read-req-forward",
	CPBeforeReadRespForward:         "before-read-resp-forward",
	CPBeforeReadResp:                "before-read-resp",
	CPBeforeWriteReqForward:         "before-write-req-forward",
	CPAfterWriteReqForward:          "after-write-req-forward",
	CPBeforeRefill:                  "before-refill",
	CPBeforeWriteConfirm:            "before-write-confirm",
	CPDuringRefillMulticast:         "during-refill-multicast",
	CPBeforeCritReadReqForward:      "before-crit-read-req-forward",
	CPAfterCritReadReqForward:       "after-crit-read-req-forward",
	CPBeforeCritReadRespForward:     "before-crit-read-resp-forward",
	CPBeforeCritWriteReqForward:     "before-crit-write-req-forward",
	CPAfterCritWriteReqForward:      "after-crit-write-req-forward",
	CPBeforeInvalidation:            "before-invalidation",
	CPBeforeInvalidationConfirm:     "before-invalidation-confirm",
	CPBeforeInvalidationConfirmRx:   "before-invalidation-confirm-rx",
	CPBeforeCritRefill:              "before-crit-refill",
	CPBeforeCritWriteConfirm:        "before-crit-write-confirm",
	CPDuringInvalidationMulticast:   "during-invalidation-multicast",
	CPDuringCritRefillMulticast:     "during-crit-refill-multicast",
	CPDuringCritWriteErrorMulticast: "during-crit-write-error-multicast",
	CPDuringCancelTimeoutMulticast:  "during-cancel-timeout-multicast",
	CPDuringRefresh:                 "during-refresh",
}

// String returns the string representation of a Checkpoint.
func (c Checkpoint) String() string {
	if c < cpCount {
		return checkpointNames[c]
	}
	return "unknown"
}

// IsMulticast reports whether the checkpoint sits inside a multicast loop,
// in which case a send budget decides how many children are reached.
func (c Checkpoint) IsMulticast() bool {
	switch c {
	case CPDuringRefillMulticast, CPDuringInvalidationMulticast, CPDuringCritRefillMulticast,
		CPDuringCritWriteErrorMulticast, CPDuringCancelTimeoutMulticast:
		return true
	default:
		return false
	}
}

// ParseCheckpoint converts the string form back into a Checkpoint.
func ParseCheckpoint(s string) (Checkpoint, error) {
	for i, name := range checkpointNames {
		if name == s {
			return Checkpoint(i), nil
		}
	}
	return CPNone, fmt.Errorf("unknown checkpoint: %s", s)
}

// All returns every checkpoint except CPNone.
func All() []Checkpoint {
	cps := make([]Checkpoint, 0, cpCount-1)
	for c := CPNow; c < cpCount; c++ {
		cps = append(cps, c)
	}
	return cps
}

// MarshalJSON implements the json.Marshaller interface for Checkpoint.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Checkpoint.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCheckpoint(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
