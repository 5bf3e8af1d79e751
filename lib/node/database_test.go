package node

import (
	"slices"
	"testing"

	"github.com/ValentinKolb/dCache/rpc/common"
)

func newTestDatabase(children ...common.NodeRef) (*Database, *fakeContext) {
	d := NewDatabase("db", map[int]int{1: 1, 2: 2}, common.DefaultTimeouts())
	ctx := newFakeContext("db")
	deliver(ctx, d, common.NoRef, common.NewSetChildren(children))
	return d, ctx
}

func TestDatabaseReads(t *testing.T) {
	d, ctx := newTestDatabase("l1")
	path := []common.NodeRef{"c1", "l2", "l1"}

	tests := []struct {
		name  string
		req   *common.Message
		want  common.MessageType
		value int
		found bool
	}{
		{"read", common.NewReadRequest(1, common.NewRequestID(), path), common.MsgTReadResp, 1, true},
		{"crit read", common.NewCritReadRequest(2, common.NewRequestID(), path), common.MsgTCritReadResp, 2, true},
		{"refresh", common.NewRefreshItemRequest(1, common.NewRequestID(), path), common.MsgTRefreshItemResp, 1, true},
		{"missing key", common.NewReadRequest(9, common.NewRequestID(), path), common.MsgTReadResp, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deliver(ctx, d, "l1", tt.req)
			got := ctx.take()
			expectSends(t, got, to("l1", tt.want))
			resp := got[0].msg
			if resp.Value != tt.value || resp.Ok != tt.found || resp.ID != tt.req.ID {
				t.Errorf("response = value %d found %v, want %d %v", resp.Value, resp.Ok, tt.value, tt.found)
			}
			if want := []common.NodeRef{"c1", "l2"}; !slices.Equal(resp.Path, want) {
				t.Errorf("response path = %v, want %v", resp.Path, want)
			}
		})
	}
}

func TestDatabaseWrite(t *testing.T) {
	d, ctx := newTestDatabase("l1a", "l1b")
	deliver(ctx, d, "l1a", common.NewWriteRequest(1, 5, "c1", common.NewRequestID()))
	got := ctx.take()
	expectSends(t, got, to("l1a", common.MsgTRefill), to("l1b", common.MsgTRefill))
	if got[0].msg.Originator != "c1" || got[0].msg.Value != 5 {
		t.Errorf("refill = %+v, want value 5 from c1", got[0].msg)
	}
	if v, _ := d.Value(1); v != 5 {
		t.Errorf("value = %d, want 5", v)
	}
}

func TestDatabaseCriticalWriteCommit(t *testing.T) {
	d, ctx := newTestDatabase("l1a", "l1b")
	id := common.NewRequestID()

	deliver(ctx, d, "l1a", common.NewCritWriteRequest(2, 20, "c1", id))
	expectSends(t, ctx.take(), to("l1a", common.MsgTInvalidateItem), to("l1b", common.MsgTInvalidateItem))
	if v, _ := d.Value(2); v != 2 {
		t.Fatalf("value changed to %d before confirmation", v)
	}

	deliver(ctx, d, "l1a", common.NewInvalidationConfirm(2, id))
	deliver(ctx, d, "l1a", common.NewInvalidationConfirm(2, id))
	expectSends(t, ctx.take())

	deliver(ctx, d, "l1b", common.NewInvalidationConfirm(2, id))
	expectSends(t, ctx.take(), to("l1a", common.MsgTCriticalRefill), to("l1b", common.MsgTCriticalRefill))
	if v, _ := d.Value(2); v != 20 {
		t.Errorf("value = %d after commit, want 20", v)
	}
	if len(ctx.timers) != 0 || len(d.State().CritWrites) != 0 {
		t.Errorf("critical write not finished: timers %v, state %s", ctx.timers, d.State())
	}
}

func TestDatabaseCriticalWriteConflict(t *testing.T) {
	d, ctx := newTestDatabase("l1")
	first := common.NewRequestID()
	deliver(ctx, d, "l1", common.NewCritWriteRequest(2, 20, "c1", first))
	ctx.take()

	second := common.NewRequestID()
	deliver(ctx, d, "l1", common.NewCritWriteRequest(2, 30, "c2", second))
	got := ctx.take()
	expectSends(t, got, to("l1", common.MsgTCritWriteError))
	if got[0].msg.Reason != common.ErrKCriticalWriteConflict || got[0].msg.ID != second {
		t.Errorf("error = %s for %s, want conflict for the second write", got[0].msg.Reason, common.ShortID(got[0].msg.ID))
	}

	// writes on other keys are independent
	deliver(ctx, d, "l1", common.NewCritWriteRequest(1, 10, "c2", common.NewRequestID()))
	expectSends(t, ctx.take(), to("l1", common.MsgTInvalidateItem))
	if !slices.Equal(d.State().CritWrites, []int{1, 2}) {
		t.Errorf("critical writes in progress = %v, want [1 2]", d.State().CritWrites)
	}
}

func TestDatabaseCriticalWriteAbort(t *testing.T) {
	d, ctx := newTestDatabase("l1a", "l1b")
	id := common.NewRequestID()
	deliver(ctx, d, "l1a", common.NewCritWriteRequest(2, 20, "c1", id))
	deliver(ctx, d, "l1a", common.NewInvalidationConfirm(2, id))
	ctx.take()

	deliver(ctx, d, d.ref, ctx.fire(ctx.timer(t, common.MsgTInvalidationTimeout)))
	got := ctx.take()
	expectSends(t, got, to("l1a", common.MsgTCritWriteError), to("l1b", common.MsgTCritWriteError))
	if got[0].msg.Reason != common.ErrKCriticalWriteAborted || got[0].msg.Originator != "c1" {
		t.Errorf("error = %s to %s, want aborted to c1", got[0].msg.Reason, got[0].msg.Originator)
	}
	if v, _ := d.Value(2); v != 2 {
		t.Errorf("value = %d after abort, want 2", v)
	}

	// late confirmations are dropped and the key is free again
	deliver(ctx, d, "l1b", common.NewInvalidationConfirm(2, id))
	expectSends(t, ctx.take())
	deliver(ctx, d, "l1a", common.NewCritWriteRequest(2, 30, "c2", common.NewRequestID()))
	expectSends(t, ctx.take(), to("l1a", common.MsgTInvalidateItem), to("l1b", common.MsgTInvalidateItem))
}

func TestDatabaseCriticalWriteTargetsSnapshot(t *testing.T) {
	d, ctx := newTestDatabase("l1")
	id := common.NewRequestID()
	deliver(ctx, d, "l1", common.NewCritWriteRequest(2, 20, "c1", id))
	ctx.take()

	// a child adopted during the write is not waited for
	deliver(ctx, d, "l2", common.NewAddChild("l2"))
	deliver(ctx, d, "l1", common.NewInvalidationConfirm(2, id))
	expectSends(t, ctx.take(), to("l1", common.MsgTCriticalRefill), to("l2", common.MsgTCriticalRefill))
}

func TestDatabaseCriticalWriteWithoutChildren(t *testing.T) {
	d, ctx := newTestDatabase()
	deliver(ctx, d, common.NoRef, common.NewCritWriteRequest(1, 10, "c1", common.NewRequestID()))
	expectSends(t, ctx.take())
	if v, _ := d.Value(1); v != 10 {
		t.Errorf("value = %d, want 10", v)
	}
	if len(ctx.timers) != 0 {
		t.Errorf("timers armed: %v", ctx.timers)
	}
}
