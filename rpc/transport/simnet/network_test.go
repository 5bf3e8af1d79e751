package simnet

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
)

// recorder is a test node that remembers what it received and runs an
// optional reaction for every message
type recorder struct {
	ref   common.NodeRef
	got   []transport.Envelope
	at    []time.Time
	react func(ctx transport.IContext, env transport.Envelope)
}

func (r *recorder) Ref() common.NodeRef { return r.ref }

func (r *recorder) Handle(ctx transport.IContext, env transport.Envelope) {
	r.got = append(r.got, env)
	r.at = append(r.at, ctx.Now())
	if r.react != nil {
		r.react(ctx, env)
	}
}

func newTestNetwork(t *testing.T, cfg Config, nodes ...*recorder) *Network {
	t.Helper()
	n := New(cfg)
	for _, node := range nodes {
		if err := n.Register(node); err != nil {
			t.Fatalf("Register(%s) failed: %v", node.ref, err)
		}
	}
	return n
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	n := newTestNetwork(t, Config{}, &recorder{ref: "a"})
	if err := n.Register(&recorder{ref: "a"}); err == nil {
		t.Error("registering a ref twice should fail")
	}
	if err := n.Register(&recorder{ref: common.NoRef}); err == nil {
		t.Error("registering a node without ref should fail")
	}
}

func TestSendRespectsDelayBounds(t *testing.T) {
	minDelay, maxDelay := 5*time.Millisecond, 20*time.Millisecond
	b := &recorder{ref: "b"}
	a := &recorder{ref: "a", react: func(ctx transport.IContext, env transport.Envelope) {
		for i := 0; i < 50; i++ {
			ctx.Send("b", common.NewDoRead(i, common.NewRequestID()))
		}
	}}
	n := newTestNetwork(t, Config{MinDelay: minDelay, MaxDelay: maxDelay, Seed: 3}, a, b)

	n.Inject("a", common.NewStartRefresh())
	n.Run(0)

	if len(b.got) != 50 {
		t.Fatalf("b received %d messages, want 50", len(b.got))
	}
	start := a.at[0]
	for i, at := range b.at {
		d := at.Sub(start)
		if d < minDelay || d > maxDelay {
			t.Errorf("message %d arrived after %s, want within [%s, %s]", i, d, minDelay, maxDelay)
		}
		if b.got[i].From != "a" {
			t.Errorf("message %d from %q, want a", i, b.got[i].From)
		}
	}
}

func TestSendCopiesMessage(t *testing.T) {
	for _, name := range []string{"", "binary", "json"} {
		t.Run("serializer="+name, func(t *testing.T) {
			cfg := Config{MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
			if name != "" {
				s, err := serializer.New(name)
				if err != nil {
					t.Fatalf("serializer.New failed: %v", err)
				}
				cfg.Serializer = s
			}

			sent := common.NewReadRequest(1, common.NewRequestID(), []common.NodeRef{"client-300"})
			b := &recorder{ref: "b"}
			a := &recorder{ref: "a", react: func(ctx transport.IContext, env transport.Envelope) {
				ctx.Send("b", sent)
				sent.PushPath("a")
			}}
			n := newTestNetwork(t, cfg, a, b)
			n.Inject("a", common.NewStartRefresh())
			n.Run(0)

			if len(b.got) != 1 {
				t.Fatalf("b received %d messages, want 1", len(b.got))
			}
			if got := b.got[0].Msg.Path; len(got) != 1 || got[0] != "client-300" {
				t.Errorf("received path %v, want [client-300]", got)
			}
			if b.got[0].Msg.ID != sent.ID {
				t.Errorf("received id %s, want %s", b.got[0].Msg.ID, sent.ID)
			}
		})
	}
}

func TestTimers(t *testing.T) {
	var fired, cancelled transport.TimerID
	var cancelOk, cancelAgain bool

	a := &recorder{ref: "a"}
	a.react = func(ctx transport.IContext, env transport.Envelope) {
		if env.From != common.NoRef {
			return
		}
		fired = ctx.Schedule(100*time.Millisecond, common.NewUpdateTimeout(1, common.NewRequestID()))
		cancelled = ctx.Schedule(50*time.Millisecond, common.NewUpdateTimeout(2, common.NewRequestID()))
		cancelOk = ctx.Cancel(cancelled)
		cancelAgain = ctx.Cancel(cancelled)
	}
	n := newTestNetwork(t, Config{}, a)
	n.Inject("a", common.NewStartRefresh())
	n.Run(0)

	if fired == cancelled || fired == transport.NoTimer {
		t.Fatalf("timer ids %d and %d should be distinct and non-zero", fired, cancelled)
	}
	if !cancelOk || cancelAgain {
		t.Errorf("Cancel() = %v then %v, want true then false", cancelOk, cancelAgain)
	}
	if len(a.got) != 2 {
		t.Fatalf("a received %d messages, want the trigger and one timer", len(a.got))
	}
	timer := a.got[1]
	if timer.From != "a" || timer.Msg.Key != 1 {
		t.Errorf("timer envelope = %+v, want the key 1 timeout from a", timer)
	}
	if d := a.at[1].Sub(a.at[0]); d != 100*time.Millisecond {
		t.Errorf("timer fired after %s, want 100ms", d)
	}
}

func TestCancelForeignTimer(t *testing.T) {
	var id transport.TimerID
	a := &recorder{ref: "a", react: func(ctx transport.IContext, env transport.Envelope) {
		if env.From == common.NoRef {
			id = ctx.Schedule(time.Second, common.NewRecovery())
		}
	}}
	var stolen bool
	b := &recorder{ref: "b", react: func(ctx transport.IContext, env transport.Envelope) {
		stolen = ctx.Cancel(id)
	}}
	n := newTestNetwork(t, Config{}, a, b)
	n.Inject("a", common.NewStartRefresh())
	n.Step()
	n.Inject("b", common.NewStartRefresh())
	n.Run(0)

	if stolen {
		t.Error("a node must not cancel another node's timer")
	}
	if len(a.got) != 2 {
		t.Errorf("a received %d messages, want the trigger and its timer", len(a.got))
	}
}

func TestRunFor(t *testing.T) {
	a := &recorder{ref: "a"}
	n := newTestNetwork(t, Config{}, a)
	n.InjectAfter(10*time.Millisecond, "a", common.NewRecovery())
	n.InjectAfter(30*time.Millisecond, "a", common.NewRecovery())

	start := n.Now()
	if got := n.RunFor(20 * time.Millisecond); got != 1 {
		t.Errorf("RunFor delivered %d events, want 1", got)
	}
	if d := n.Now().Sub(start); d != 20*time.Millisecond {
		t.Errorf("clock advanced by %s, want 20ms", d)
	}
	if n.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", n.Pending())
	}
	n.RunFor(20 * time.Millisecond)
	if len(a.got) != 2 {
		t.Errorf("a received %d messages, want 2", len(a.got))
	}
}

func TestUnknownReceiverIsDropped(t *testing.T) {
	a := &recorder{ref: "a", react: func(ctx transport.IContext, env transport.Envelope) {
		ctx.Send("nobody", common.NewRecovery())
	}}
	n := newTestNetwork(t, Config{}, a)
	n.Inject("a", common.NewRecovery())
	n.Run(0)

	if n.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", n.Dropped())
	}
	if n.Delivered() != 1 {
		t.Errorf("Delivered() = %d, want 1", n.Delivered())
	}
}

func TestDeterminism(t *testing.T) {
	run := func() []string {
		var order []string
		nodes := make([]*recorder, 4)
		refs := []common.NodeRef{"n0", "n1", "n2", "n3"}
		for i := range nodes {
			nodes[i] = &recorder{ref: refs[i]}
			nodes[i].react = func(ctx transport.IContext, env transport.Envelope) {
				order = append(order, string(ctx.Self())+"<-"+string(env.From))
				if env.Msg.Value < 6 {
					next := env.Msg.Clone()
					next.Value++
					ctx.Send(refs[ctx.Rand().Intn(len(refs))], next)
					ctx.Send(refs[ctx.Rand().Intn(len(refs))], next)
				}
			}
		}
		n := newTestNetwork(t, Config{MinDelay: time.Millisecond, MaxDelay: 9 * time.Millisecond, Seed: 42}, nodes...)
		n.Inject("n0", common.NewDoWrite(1, 0, common.NewRequestID()))
		n.Run(0)
		return order
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("runs delivered %d and %d messages", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("runs diverge at delivery %d: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestInspect(t *testing.T) {
	a := &recorder{ref: "a"}
	n := newTestNetwork(t, Config{}, a)

	var seen transport.INode
	if err := n.Inspect("a", func(node transport.INode) { seen = node }); err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if seen != a {
		t.Error("Inspect did not pass the registered node")
	}
	if err := n.Inspect("b", func(transport.INode) {}); err == nil {
		t.Error("Inspect of an unknown node should fail")
	}
}
