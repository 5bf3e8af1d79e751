// Package scenario contains scripted fault scenarios for the cache protocol.
// Each scenario runs on a fresh Harness, a small topology on the
// deterministic simulator where every message takes the same time, so that
// crash plans hit exactly the intended message.
//
// The scenarios cover the failure branches of the protocol: an aborted
// critical write, failover of an outer cache to the database, failover of a
// client to another outer cache, conflicting critical writes, a crash in the
// middle of a multicast and the refresh of a subtree after recovery.
//
// Usage:
//
//	for _, res := range scenario.RunAll() {
//		fmt.Print(res)
//	}
package scenario
