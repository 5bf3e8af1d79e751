package scenario

import (
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/dCache/lib/fault"
	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/topology"
	"github.com/ValentinKolb/dCache/rpc/common"
)

// refs of the harness topology
var (
	inner0, inner1            = topology.InnerRef(0), topology.InnerRef(1)
	outer0, outer1            = topology.OuterRef(0), topology.OuterRef(1)
	client0, client1, client2 = topology.ClientRef(0), topology.ClientRef(1), topology.ClientRef(2)
)

const (
	// recoveryWindow covers a crash, the recovery delay and the refresh after it
	recoveryWindow = 2 * time.Second
	// propagation covers a multicast down the whole tree
	propagation = 100 * time.Millisecond
)

var scenarios = []Scenario{
	{
		Name:        "read-write-read",
		Description: "a client reads a key, another client overwrites it, the first client reads the new value",
		Items:       map[int]int{1: 1},
		Run:         readWriteRead,
	},
	{
		Name:        "crit-write-crash",
		Description: "an inner cache crashes before confirming an invalidation, the critical write is aborted",
		Items:       topology.SeedItems(5),
		Run:         critWriteCrash,
	},
	{
		Name:        "inner-crash-mid-read",
		Description: "an inner cache crashes while a read passes, the outer cache fails over to the database",
		Items:       topology.SeedItems(5),
		Run:         innerCrashMidRead,
	},
	{
		Name:        "outer-crash-client-failover",
		Description: "an outer cache crashes after forwarding a read, the client fails over to another outer cache",
		Items:       topology.SeedItems(5),
		Run:         outerCrashClientFailover,
	},
	{
		Name:        "conflicting-crit-writes",
		Description: "two clients write the same key critically at once, exactly one write wins",
		Items:       topology.SeedItems(5),
		Run:         conflictingCritWrites,
	},
	{
		Name:        "refill-multicast-crash",
		Description: "an inner cache crashes halfway through a refill, recovery refreshes the missed child",
		Items:       topology.SeedItems(5),
		Run:         refillMulticastCrash,
	},
	{
		Name:        "inner-recovery-refresh",
		Description: "an inner cache misses a write while down and refreshes its subtree after recovery",
		Items:       topology.SeedItems(5),
		Run:         innerRecoveryRefresh,
	},
}

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

func readWriteRead(h *Harness) error {
	o, err := h.Await(h.Read(client0, 1))
	if err != nil {
		return err
	}
	if err := expectValue(o, 1); err != nil {
		return err
	}

	if o, err = h.Await(h.Write(client2, 1, 5)); err != nil {
		return err
	}
	if err := expectOK(o); err != nil {
		return err
	}
	h.Settle(propagation)

	if o, err = h.Await(h.Read(client0, 1)); err != nil {
		return err
	}
	if err := expectValue(o, 5); err != nil {
		return err
	}
	return h.Consistent()
}

func critWriteCrash(h *Harness) error {
	h.Crash(inner1, common.NewCrash(fault.CPBeforeInvalidationConfirm, 0))

	o, err := h.Await(h.CritWrite(client0, 2, 20))
	if err != nil {
		return err
	}
	if err := expectErr(o, node.ErrCriticalWriteAborted); err != nil {
		return err
	}

	h.Settle(recoveryWindow)
	st, err := h.State()
	if err != nil {
		return err
	}
	if v := st.DB.Items[2]; v != 2 {
		return fmt.Errorf("aborted critical write changed key 2 to %d", v)
	}
	for _, c := range st.Caches {
		if len(c.Invalid) != 0 {
			return fmt.Errorf("%s still has invalid keys %v", c.Ref, c.Invalid)
		}
	}
	return h.Consistent()
}

func innerCrashMidRead(h *Harness) error {
	h.Crash(inner0, common.NewCrash(fault.CPBeforeReadReqForward, 0))

	o, err := h.Await(h.Read(client0, 3))
	if err != nil {
		return err
	}
	if err := expectErr(o, node.ErrParentUnresponsive); err != nil {
		return err
	}

	st, err := h.Cache(outer0)
	if err != nil {
		return err
	}
	if st.Parent != topology.DBRef {
		return fmt.Errorf("%s has parent %s after the timeout, want %s", outer0, st.Parent, topology.DBRef)
	}

	if o, err = h.Await(h.Read(client0, 3)); err != nil {
		return err
	}
	if err := expectValue(o, 3); err != nil {
		return err
	}

	h.Settle(recoveryWindow)
	inner, err := h.Cache(inner0)
	if err != nil {
		return err
	}
	if slices.Contains(inner.Children, outer0) {
		return fmt.Errorf("%s still lists %s as child after recovery", inner0, outer0)
	}
	return h.Consistent()
}

func outerCrashClientFailover(h *Harness) error {
	h.Crash(outer0, common.NewCrash(fault.CPAfterReadReqForward, 0))

	o, err := h.Await(h.Read(client0, 1))
	if err != nil {
		return err
	}
	if err := expectErr(o, node.ErrParentUnresponsive); err != nil {
		return err
	}

	parent, err := h.ClientParent(client0)
	if err != nil {
		return err
	}
	if parent == outer0 {
		return fmt.Errorf("%s did not fail over", client0)
	}
	h.Notef("%s failed over to %s", client0, parent)

	if o, err = h.Await(h.Read(client0, 1)); err != nil {
		return err
	}
	if err := expectValue(o, 1); err != nil {
		return err
	}

	h.Settle(recoveryWindow)
	crashed, err := h.Cache(outer0)
	if err != nil {
		return err
	}
	if slices.Contains(crashed.Children, client0) {
		return fmt.Errorf("%s still lists %s as child after recovery", outer0, client0)
	}
	return h.Consistent()
}

func conflictingCritWrites(h *Harness) error {
	first := h.CritWrite(client0, 4, 40)
	second := h.CritWrite(client2, 4, 41)

	a, err := h.Await(first)
	if err != nil {
		return err
	}
	b, err := h.Await(second)
	if err != nil {
		return err
	}

	winner, loser := a, b
	if a.Err != nil {
		winner, loser = b, a
	}
	if err := expectOK(winner); err != nil {
		return err
	}
	if err := expectErr(loser, node.ErrCriticalWriteConflict); err != nil {
		return err
	}

	h.Settle(propagation)
	st, err := h.State()
	if err != nil {
		return err
	}
	if v := st.DB.Items[4]; v != winner.Value {
		return fmt.Errorf("key 4 = %d, want the winning value %d", v, winner.Value)
	}
	return h.Consistent()
}

func refillMulticastCrash(h *Harness) error {
	for _, c := range []common.NodeRef{client0, client1} {
		o, err := h.Await(h.Read(c, 1))
		if err != nil {
			return err
		}
		if err := expectValue(o, 1); err != nil {
			return err
		}
	}

	h.Crash(inner0, common.NewCrashDuringMulticast(fault.CPDuringRefillMulticast, 1, 0))
	o, err := h.Await(h.Write(client2, 1, 7))
	if err != nil {
		return err
	}
	if err := expectOK(o); err != nil {
		return err
	}

	h.Settle(propagation)
	missed, err := h.Cache(outer1)
	if err != nil {
		return err
	}
	if missed.Items[1] != 1 {
		return fmt.Errorf("%s holds %d for key 1, the refill should not have reached it", outer1, missed.Items[1])
	}
	h.Notef("%s missed the refill and holds the stale value 1", outer1)

	h.Settle(recoveryWindow)
	if err := h.Consistent(); err != nil {
		return err
	}
	if o, err = h.Await(h.Read(client1, 1)); err != nil {
		return err
	}
	return expectValue(o, 7)
}

func innerRecoveryRefresh(h *Harness) error {
	o, err := h.Await(h.Read(client0, 2))
	if err != nil {
		return err
	}
	if err := expectValue(o, 2); err != nil {
		return err
	}

	h.Crash(inner0, common.NewCrash(fault.CPNow, 0))
	h.Settle(propagation)
	if o, err = h.Await(h.Write(client2, 2, 9)); err != nil {
		return err
	}
	if err := expectOK(o); err != nil {
		return err
	}

	h.Settle(recoveryWindow)
	st, err := h.State()
	if err != nil {
		return err
	}
	held := make(map[int]bool)
	var recovered node.CacheState
	for _, c := range st.Caches {
		switch {
		case c.Ref == inner0:
			recovered = c
		case slices.Contains(h.Topo.InitialChildren(inner0), c.Ref):
			for k := range c.Items {
				held[k] = true
			}
		}
	}
	if recovered.Crashed {
		return fmt.Errorf("%s did not recover", inner0)
	}
	for k := range recovered.Items {
		if !held[k] {
			return fmt.Errorf("%s holds key %d that none of its children refreshed", inner0, k)
		}
	}
	if err := h.Consistent(); err != nil {
		return err
	}

	if o, err = h.Await(h.Read(client0, 2)); err != nil {
		return err
	}
	return expectValue(o, 9)
}
