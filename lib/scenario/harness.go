package scenario

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/topology"
	"github.com/ValentinKolb/dCache/lib/workload"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/ValentinKolb/dCache/rpc/transport/simnet"
	"github.com/google/uuid"
)

const (
	// hopDelay is the delay of every message. Equal delays keep each link
	// in order, which makes the scripted interleavings exact.
	hopDelay = 10 * time.Millisecond
	// awaitStep is the granularity in which Await advances the clock
	awaitStep = 10 * time.Millisecond
	// awaitLimit bounds the time Await waits for an outcome
	awaitLimit = 10 * time.Second
)

// Harness is a small topology on the simulator that scenarios drive step by
// step: 2 inner caches, 4 outer caches (two per inner cache) and 4 clients
// (one per outer cache).
type Harness struct {
	Net  *simnet.Network
	Topo *topology.Topology
	Rec  *workload.Recorder

	notes []string
}

// NewHarness creates and bootstraps the topology with the given items
func NewHarness(items map[int]int) (*Harness, error) {
	rec := workload.NewRecorder()
	topo, err := topology.New(topology.Layout{
		Inner:    2,
		Outer:    4,
		Clients:  4,
		Items:    items,
		Timeouts: common.DefaultTimeouts(),
	}, rec.Record)
	if err != nil {
		return nil, err
	}

	net := simnet.New(simnet.Config{
		MinDelay:   hopDelay,
		MaxDelay:   hopDelay,
		Seed:       1,
		Serializer: serializer.NewBinarySerializer(),
	})
	if err := topo.Register(net); err != nil {
		return nil, err
	}
	topo.Bootstrap(net)
	net.RunFor(hopDelay)

	return &Harness{Net: net, Topo: topo, Rec: rec}, nil
}

// --------------------------------------------------------------------------
// Driving
// --------------------------------------------------------------------------

// Read triggers a read of key at client and returns the operation id
func (h *Harness) Read(client common.NodeRef, key int) uuid.UUID {
	return h.trigger(client, common.NewDoRead(key, common.NewRequestID()))
}

// Write triggers a write of key at client and returns the operation id
func (h *Harness) Write(client common.NodeRef, key, value int) uuid.UUID {
	return h.trigger(client, common.NewDoWrite(key, value, common.NewRequestID()))
}

// CritRead triggers a critical read of key at client and returns the operation id
func (h *Harness) CritRead(client common.NodeRef, key int) uuid.UUID {
	return h.trigger(client, common.NewDoCritRead(key, common.NewRequestID()))
}

// CritWrite triggers a critical write of key at client and returns the operation id
func (h *Harness) CritWrite(client common.NodeRef, key, value int) uuid.UUID {
	return h.trigger(client, common.NewDoCritWrite(key, value, common.NewRequestID()))
}

func (h *Harness) trigger(client common.NodeRef, msg *common.Message) uuid.UUID {
	h.Net.Inject(client, msg)
	return msg.ID
}

// Crash sends a crash plan to a cache
func (h *Harness) Crash(cache common.NodeRef, plan *common.Message) {
	h.Notef("crash plan %s for %s", plan.Checkpoint, cache)
	h.Net.Inject(cache, plan)
}

// Settle lets the simulation run for d
func (h *Harness) Settle(d time.Duration) {
	h.Net.RunFor(d)
}

// Await runs the simulation until the operation id has an outcome
func (h *Harness) Await(id uuid.UUID) (node.Outcome, error) {
	for waited := time.Duration(0); waited <= awaitLimit; waited += awaitStep {
		if o, ok := h.Rec.Get(id); ok {
			h.Notef("%s %s on key %d after %s: %s", o.Client, o.Op, o.Key, o.Latency, describe(o))
			return o, nil
		}
		h.Net.RunFor(awaitStep)
	}
	return node.Outcome{}, fmt.Errorf("operation %s did not finish within %s", common.ShortID(id), awaitLimit)
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// State returns a snapshot of the database and all caches
func (h *Harness) State() (topology.State, error) {
	return h.Topo.Snapshot(h.Net)
}

// Cache returns the state of a single cache
func (h *Harness) Cache(ref common.NodeRef) (node.CacheState, error) {
	var st node.CacheState
	err := h.Net.Inspect(ref, func(n transport.INode) {
		st = n.(*node.Cache).State()
	})
	return st, err
}

// ClientParent returns the current parent of a client
func (h *Harness) ClientParent(ref common.NodeRef) (common.NodeRef, error) {
	var parent common.NodeRef
	err := h.Net.Inspect(ref, func(n transport.INode) {
		parent = n.(*node.Client).Parent()
	})
	return parent, err
}

// Consistent checks all caches against the database
func (h *Harness) Consistent() error {
	st, err := h.State()
	if err != nil {
		return err
	}
	if r := workload.Check(st); !r.OK() {
		return fmt.Errorf("inconsistent caches: %s", r)
	}
	return nil
}

// Notef records a line of the scenario's narrative
func (h *Harness) Notef(format string, args ...any) {
	line := fmt.Sprintf("%8s  ", h.elapsed()) + fmt.Sprintf(format, args...)
	h.notes = append(h.notes, line)
	log.Debugf("%s", line)
}

func (h *Harness) elapsed() time.Duration {
	return h.Net.Now().Sub(time.Time{}).Round(time.Millisecond)
}

// --------------------------------------------------------------------------
// Expectations
// --------------------------------------------------------------------------

func describe(o node.Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Op == node.OpRead || o.Op == node.OpCritRead {
		return fmt.Sprintf("value %d (found %v)", o.Value, o.Found)
	}
	return "confirmed"
}

// expectValue checks that the read o succeeded with want
func expectValue(o node.Outcome, want int) error {
	if o.Err != nil {
		return fmt.Errorf("%s of key %d failed: %w", o.Op, o.Key, o.Err)
	}
	if !o.Found || o.Value != want {
		return fmt.Errorf("%s of key %d returned %d (found %v), want %d", o.Op, o.Key, o.Value, o.Found, want)
	}
	return nil
}

// expectOK checks that o succeeded
func expectOK(o node.Outcome) error {
	if o.Err != nil {
		return fmt.Errorf("%s of key %d failed: %w", o.Op, o.Key, o.Err)
	}
	return nil
}

// expectErr checks that o failed with target
func expectErr(o node.Outcome, target *node.Error) error {
	if !errors.Is(o.Err, target) {
		return fmt.Errorf("%s of key %d ended with %q, want %s", o.Op, o.Key, describe(o), target.Kind)
	}
	return nil
}
