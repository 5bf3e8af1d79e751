package topology

import (
	"slices"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport/simnet"
)

func TestNewPartitions(t *testing.T) {
	topo, err := New(Layout{Inner: 2, Outer: 4, Clients: 8, Items: SeedItems(3), Timeouts: common.DefaultTimeouts()}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		ref    common.NodeRef
		parent common.NodeRef
	}{
		{InnerRef(1), DBRef},
		{OuterRef(0), InnerRef(0)},
		{OuterRef(1), InnerRef(0)},
		{OuterRef(2), InnerRef(1)},
		{OuterRef(3), InnerRef(1)},
		{ClientRef(0), OuterRef(0)},
		{ClientRef(3), OuterRef(1)},
		{ClientRef(7), OuterRef(3)},
	}
	for _, tt := range tests {
		if got := topo.InitialParent(tt.ref); got != tt.parent {
			t.Errorf("parent of %s = %s, want %s", tt.ref, got, tt.parent)
		}
	}
	if got := len(topo.Nodes()); got != 15 {
		t.Errorf("got %d nodes, want 15", got)
	}
}

func TestNewRejectsEmptyLayers(t *testing.T) {
	if _, err := New(Layout{Inner: 1, Outer: 0, Clients: 1}, nil); err == nil {
		t.Error("topology without outer caches should be rejected")
	}
}

func TestBootstrap(t *testing.T) {
	topo, err := New(Layout{Inner: 2, Outer: 3, Clients: 3, Items: SeedItems(2), Timeouts: common.DefaultTimeouts()}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	net := simnet.New(simnet.Config{MaxDelay: 10 * time.Millisecond, Seed: 1})
	if err := topo.Register(net); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	topo.Bootstrap(net)
	net.RunFor(time.Second)

	st, err := topo.Snapshot(net)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if want := []common.NodeRef{InnerRef(0), InnerRef(1)}; !slices.Equal(st.DB.Children, want) {
		t.Errorf("database children = %v, want %v", st.DB.Children, want)
	}
	if st.DB.Items[1] != 1 {
		t.Errorf("database items = %v, want seeded items", st.DB.Items)
	}
	for _, c := range st.Caches {
		if c.Parent != topo.InitialParent(c.Ref) {
			t.Errorf("%s has parent %s, want %s", c.Ref, c.Parent, topo.InitialParent(c.Ref))
		}
		if !slices.Equal(c.Children, topo.InitialChildren(c.Ref)) {
			t.Errorf("%s has children %v, want %v", c.Ref, c.Children, topo.InitialChildren(c.Ref))
		}
	}
}
