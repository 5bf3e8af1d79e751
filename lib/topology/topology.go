package topology

import (
	"fmt"

	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("topology")

// DBRef is the ref of the database
const DBRef common.NodeRef = "db"

// InnerRef returns the ref of the i-th inner cache
func InnerRef(i int) common.NodeRef { return common.NodeRef(fmt.Sprintf("l1-%d", 100+i)) }

// OuterRef returns the ref of the i-th outer cache
func OuterRef(i int) common.NodeRef { return common.NodeRef(fmt.Sprintf("l2-%d", 200+i)) }

// ClientRef returns the ref of the i-th client
func ClientRef(i int) common.NodeRef { return common.NodeRef(fmt.Sprintf("client-%d", 300+i)) }

// Topology is a complete cache hierarchy: one database, a layer of inner
// caches, a layer of outer caches and the clients.
type Topology struct {
	DB      *node.Database
	Inner   []*node.Cache
	Outer   []*node.Cache
	Clients []*node.Client

	// initial parent of every cache and client
	parents  map[common.NodeRef]common.NodeRef
	children map[common.NodeRef][]common.NodeRef
}

// Layout describes the shape of a topology
type Layout struct {
	Inner   int
	Outer   int
	Clients int
	// Items seeds the database. Nil seeds keys 0..Items-1 with their own value.
	Items    map[int]int
	Timeouts common.Timeouts
}

// SeedItems returns the items 0..n-1, each with its key as value
func SeedItems(n int) map[int]int {
	items := make(map[int]int, n)
	for i := 0; i < n; i++ {
		items[i] = i
	}
	return items
}

// FromConfig returns the topology layout of a configuration
func FromConfig(cfg common.Config) Layout {
	return Layout{
		Inner:    cfg.InnerCaches,
		Outer:    cfg.OuterCaches,
		Clients:  cfg.Clients,
		Items:    SeedItems(cfg.Items),
		Timeouts: cfg.Timeouts,
	}
}

// New creates all nodes of the topology. Outer caches are split into
// contiguous groups, one per inner cache, and clients into groups, one per
// outer cache. onOutcome receives the outcomes of all clients.
func New(layout Layout, onOutcome node.OutcomeFunc) (*Topology, error) {
	if layout.Inner < 1 || layout.Outer < 1 || layout.Clients < 1 {
		return nil, fmt.Errorf("invalid topology %d/%d/%d: every layer needs at least one node", layout.Inner, layout.Outer, layout.Clients)
	}

	t := &Topology{
		DB:       node.NewDatabase(DBRef, layout.Items, layout.Timeouts),
		parents:  make(map[common.NodeRef]common.NodeRef),
		children: make(map[common.NodeRef][]common.NodeRef),
	}

	for i := 0; i < layout.Inner; i++ {
		ref := InnerRef(i)
		t.Inner = append(t.Inner, node.NewCache(ref, node.TierInner, DBRef, layout.Timeouts))
		t.link(DBRef, ref)
	}
	for i := 0; i < layout.Outer; i++ {
		ref := OuterRef(i)
		t.Outer = append(t.Outer, node.NewCache(ref, node.TierOuter, DBRef, layout.Timeouts))
		t.link(InnerRef(i*layout.Inner/layout.Outer), ref)
	}
	for i := 0; i < layout.Clients; i++ {
		ref := ClientRef(i)
		t.Clients = append(t.Clients, node.NewClient(ref, layout.Timeouts, onOutcome))
		t.link(OuterRef(i*layout.Outer/layout.Clients), ref)
	}
	return t, nil
}

func (t *Topology) link(parent, child common.NodeRef) {
	t.parents[child] = parent
	t.children[parent] = append(t.children[parent], child)
}

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

// Nodes returns every node of the topology
func (t *Topology) Nodes() []transport.INode {
	nodes := []transport.INode{t.DB}
	for _, c := range t.Caches() {
		nodes = append(nodes, c)
	}
	for _, c := range t.Clients {
		nodes = append(nodes, c)
	}
	return nodes
}

// Register registers every node with the network
func (t *Topology) Register(net transport.INetwork) error {
	for _, n := range t.Nodes() {
		if err := net.Register(n); err != nil {
			return fmt.Errorf("failed to register %s: %w", n.Ref(), err)
		}
	}
	return nil
}

// Bootstrap sends every node its parent, children and (for clients) the
// alternate outer caches
func (t *Topology) Bootstrap(net transport.INetwork) {
	net.Inject(DBRef, common.NewSetChildren(t.children[DBRef]))
	for _, c := range t.Caches() {
		net.Inject(c.Ref(), common.NewSetParent(t.parents[c.Ref()]))
		net.Inject(c.Ref(), common.NewSetChildren(t.children[c.Ref()]))
	}
	alternates := t.OuterRefs()
	for _, c := range t.Clients {
		net.Inject(c.Ref(), common.NewSetParent(t.parents[c.Ref()]))
		net.Inject(c.Ref(), common.NewSetAlternateCaches(alternates))
	}
	log.Infof("bootstrapped %d inner caches, %d outer caches and %d clients", len(t.Inner), len(t.Outer), len(t.Clients))
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Caches returns all caches, inner caches first
func (t *Topology) Caches() []*node.Cache {
	caches := make([]*node.Cache, 0, len(t.Inner)+len(t.Outer))
	caches = append(caches, t.Inner...)
	return append(caches, t.Outer...)
}

// CacheRefs returns the refs of all caches, inner caches first
func (t *Topology) CacheRefs() []common.NodeRef {
	return refsOf(t.Caches())
}

// OuterRefs returns the refs of the outer caches
func (t *Topology) OuterRefs() []common.NodeRef {
	return refsOf(t.Outer)
}

// ClientRefs returns the refs of the clients
func (t *Topology) ClientRefs() []common.NodeRef {
	return refsOf(t.Clients)
}

// InitialParent returns the parent ref was given at bootstrap
func (t *Topology) InitialParent(ref common.NodeRef) common.NodeRef {
	return t.parents[ref]
}

// InitialChildren returns the children ref was given at bootstrap
func (t *Topology) InitialChildren(ref common.NodeRef) []common.NodeRef {
	return t.children[ref]
}

func refsOf[N transport.INode](nodes []N) []common.NodeRef {
	refs := make([]common.NodeRef, len(nodes))
	for i, n := range nodes {
		refs[i] = n.Ref()
	}
	return refs
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is a snapshot of every node of the topology
type State struct {
	DB     node.DatabaseState
	Caches []node.CacheState
}

// Snapshot collects the state of the database and every cache. Each node is
// read on its own execution context.
func (t *Topology) Snapshot(net transport.INetwork) (State, error) {
	var st State
	err := net.Inspect(DBRef, func(n transport.INode) {
		st.DB = n.(*node.Database).State()
	})
	if err != nil {
		return st, err
	}

	st.Caches = make([]node.CacheState, len(t.Caches()))
	for i, c := range t.Caches() {
		err := net.Inspect(c.Ref(), func(n transport.INode) {
			st.Caches[i] = n.(*node.Cache).State()
		})
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

// DumpState asks every node to log its state
func (t *Topology) DumpState(net transport.INetwork) {
	for _, n := range t.Nodes() {
		net.Inject(n.Ref(), common.NewDumpState())
	}
}
