package livenet

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
)

// pingNode answers every read request with a read response until the value
// reaches limit
type pingNode struct {
	ref      common.NodeRef
	peer     common.NodeRef
	limit    int
	received atomic.Int64
	last     atomic.Int64
}

func (p *pingNode) Ref() common.NodeRef { return p.ref }

func (p *pingNode) Handle(ctx transport.IContext, env transport.Envelope) {
	p.received.Add(1)
	p.last.Store(int64(env.Msg.Value))
	if env.Msg.Value < p.limit {
		next := env.Msg.Clone()
		next.Value++
		ctx.Send(p.peer, next)
	}
}

func startNetwork(t *testing.T, nodes ...transport.INode) *Network {
	t.Helper()
	n := New(Config{MinDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, Seed: 7})
	for _, node := range nodes {
		if err := n.Register(node); err != nil {
			t.Fatalf("Register(%s) failed: %v", node.Ref(), err)
		}
	}
	n.Start(context.Background())
	t.Cleanup(func() {
		if err := n.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return n
}

func waitIdle(t *testing.T, n *Network) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.WaitIdle(ctx); err != nil {
		t.Fatalf("network did not become idle: %v", err)
	}
}

func TestPingPong(t *testing.T) {
	a := &pingNode{ref: "a", peer: "b", limit: 20}
	b := &pingNode{ref: "b", peer: "a", limit: 20}
	n := startNetwork(t, a, b)

	n.Inject("a", common.NewDoWrite(1, 0, common.NewRequestID()))
	waitIdle(t, n)

	if got := a.received.Load() + b.received.Load(); got != 21 {
		t.Errorf("delivered %d messages, want 21", got)
	}
	if a.last.Load() != 20 && b.last.Load() != 20 {
		t.Errorf("no node saw the final value, last values %d and %d", a.last.Load(), b.last.Load())
	}
}

// timerNode schedules two timers on its first message and cancels one
type timerNode struct {
	fired     atomic.Int64
	firedKey  atomic.Int64
	cancelled atomic.Bool
}

func (tn *timerNode) Ref() common.NodeRef { return "timer" }

func (tn *timerNode) Handle(ctx transport.IContext, env transport.Envelope) {
	if env.From == common.NoRef {
		ctx.Schedule(20*time.Millisecond, common.NewUpdateTimeout(1, common.NewRequestID()))
		id := ctx.Schedule(10*time.Millisecond, common.NewUpdateTimeout(2, common.NewRequestID()))
		tn.cancelled.Store(ctx.Cancel(id) && !ctx.Cancel(id))
		return
	}
	tn.fired.Add(1)
	tn.firedKey.Store(int64(env.Msg.Key))
}

func TestTimers(t *testing.T) {
	tn := &timerNode{}
	n := startNetwork(t, tn)

	n.Inject("timer", common.NewStartRefresh())
	waitIdle(t, n)

	if !tn.cancelled.Load() {
		t.Error("Cancel should succeed once and then report false")
	}
	if tn.fired.Load() != 1 || tn.firedKey.Load() != 1 {
		t.Errorf("fired %d timers (last key %d), want only the key 1 timer", tn.fired.Load(), tn.firedKey.Load())
	}
}

func TestInspectRunsOnNodeGoroutine(t *testing.T) {
	a := &pingNode{ref: "a", peer: "a", limit: 5}
	n := startNetwork(t, a)

	n.Inject("a", common.NewDoWrite(1, 0, common.NewRequestID()))
	waitIdle(t, n)

	var seen int64
	if err := n.Inspect("a", func(node transport.INode) {
		seen = node.(*pingNode).received.Load()
	}); err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if seen != 6 {
		t.Errorf("inspected node received %d messages, want 6", seen)
	}
	if err := n.Inspect("nobody", func(transport.INode) {}); err == nil {
		t.Error("Inspect of an unknown node should fail")
	}
}

func TestRegisterAfterStart(t *testing.T) {
	n := startNetwork(t)
	late := &pingNode{ref: "late", peer: "late", limit: 2}
	if err := n.Register(late); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := n.Register(&pingNode{ref: "late"}); err == nil {
		t.Error("registering a ref twice should fail")
	}

	n.InjectAfter(5*time.Millisecond, "late", common.NewDoWrite(1, 0, common.NewRequestID()))
	waitIdle(t, n)

	if late.received.Load() != 3 {
		t.Errorf("late node received %d messages, want 3", late.received.Load())
	}
}
