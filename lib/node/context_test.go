package node

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
)

// sent is a message recorded by fakeContext
type sent struct {
	to  common.NodeRef
	msg *common.Message
}

// fakeContext records everything a node does while handling messages
type fakeContext struct {
	self      common.NodeRef
	now       time.Time
	sent      []sent
	timers    map[transport.TimerID]*common.Message
	cancelled []transport.TimerID
	nextTimer transport.TimerID
	rng       *rand.Rand
}

func newFakeContext(self common.NodeRef) *fakeContext {
	return &fakeContext{
		self:   self,
		now:    time.Unix(0, 0),
		timers: make(map[transport.TimerID]*common.Message),
		rng:    rand.New(rand.NewSource(1)),
	}
}

func (f *fakeContext) Self() common.NodeRef { return f.self }
func (f *fakeContext) Now() time.Time       { return f.now }
func (f *fakeContext) Rand() *rand.Rand     { return f.rng }

func (f *fakeContext) Send(to common.NodeRef, msg *common.Message) {
	f.sent = append(f.sent, sent{to: to, msg: msg.Clone()})
}

func (f *fakeContext) Schedule(_ time.Duration, msg *common.Message) transport.TimerID {
	f.nextTimer++
	f.timers[f.nextTimer] = msg.Clone()
	return f.nextTimer
}

func (f *fakeContext) Cancel(id transport.TimerID) bool {
	if _, ok := f.timers[id]; !ok {
		return false
	}
	delete(f.timers, id)
	f.cancelled = append(f.cancelled, id)
	return true
}

// take returns and forgets the recorded sends
func (f *fakeContext) take() []sent {
	s := f.sent
	f.sent = nil
	return s
}

// timer returns the single armed timer of type t
func (f *fakeContext) timer(t *testing.T, msgType common.MessageType) *common.Message {
	t.Helper()
	var found *common.Message
	for _, msg := range f.timers {
		if msg.MsgType == msgType {
			if found != nil {
				t.Fatalf("more than one %s timer armed", msgType)
			}
			found = msg
		}
	}
	if found == nil {
		t.Fatalf("no %s timer armed", msgType)
	}
	return found
}

// fire removes the timer carrying msg and returns it for delivery
func (f *fakeContext) fire(msg *common.Message) *common.Message {
	for id, m := range f.timers {
		if m == msg {
			delete(f.timers, id)
		}
	}
	return msg
}

// deliver hands msg from sender to node
func deliver(ctx *fakeContext, n transport.INode, from common.NodeRef, msg *common.Message) {
	n.Handle(ctx, transport.Envelope{From: from, To: n.Ref(), Msg: msg.Clone()})
}

// expectSends checks the recorded sends in order, only comparing type and receiver
func expectSends(t *testing.T, got []sent, want ...sent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d sends %v, want %d", len(got), describe(got), len(want))
	}
	for i := range want {
		if got[i].to != want[i].to || got[i].msg.MsgType != want[i].msg.MsgType {
			t.Errorf("send %d = %s to %s, want %s to %s", i, got[i].msg.MsgType, got[i].to, want[i].msg.MsgType, want[i].to)
		}
	}
}

// to builds an expected send of type t
func to(ref common.NodeRef, t common.MessageType) sent {
	return sent{to: ref, msg: &common.Message{MsgType: t}}
}

func describe(s []sent) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.msg.MsgType.String() + "->" + string(x.to)
	}
	return out
}
