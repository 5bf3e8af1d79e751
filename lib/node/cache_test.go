package node

import (
	"fmt"
	"slices"
	"testing"

	"github.com/ValentinKolb/dCache/lib/fault"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/google/uuid"
)

func newTestCache(tier Tier, parent common.NodeRef, children ...common.NodeRef) (*Cache, *fakeContext) {
	ref := common.NodeRef("l2")
	if tier == TierInner {
		ref = "l1"
	}
	c := NewCache(ref, tier, "db", common.DefaultTimeouts())
	ctx := newFakeContext(ref)
	deliver(ctx, c, common.NoRef, common.NewSetParent(parent))
	deliver(ctx, c, common.NoRef, common.NewSetChildren(children))
	return c, ctx
}

// holdItem makes the outer cache hold key with value by completing a read
func holdItem(t *testing.T, c *Cache, ctx *fakeContext, key, value int) {
	t.Helper()
	id := common.NewRequestID()
	deliver(ctx, c, "c1", common.NewReadRequest(key, id, []common.NodeRef{"c1"}))
	deliver(ctx, c, c.parent, common.NewReadResponse(key, value, true, []common.NodeRef{"c1"}, id))
	ctx.take()
	if got := c.State().Items[key]; got != value {
		t.Fatalf("cache holds %d for key %d, want %d", got, key, value)
	}
}

func TestCacheReadMissThenHit(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1", "c2")
	id := common.NewRequestID()

	deliver(ctx, c, "c1", common.NewReadRequest(1, id, []common.NodeRef{"c1"}))
	got := ctx.take()
	expectSends(t, got, to("l1", common.MsgTReadReq))
	if want := []common.NodeRef{"c1", "l2"}; !slices.Equal(got[0].msg.Path, want) {
		t.Errorf("forwarded path = %v, want %v", got[0].msg.Path, want)
	}
	ctx.timer(t, common.MsgTTimeoutFired)

	deliver(ctx, c, "l1", common.NewReadResponse(1, 7, true, []common.NodeRef{"c1"}, id))
	got = ctx.take()
	expectSends(t, got, to("c1", common.MsgTReadResp))
	if len(got[0].msg.Path) != 0 || got[0].msg.Value != 7 {
		t.Errorf("response = %+v, want value 7 with empty path", got[0].msg)
	}
	if len(ctx.timers) != 0 {
		t.Errorf("timers left after response: %v", ctx.timers)
	}

	deliver(ctx, c, "c2", common.NewReadRequest(1, common.NewRequestID(), []common.NodeRef{"c2"}))
	got = ctx.take()
	expectSends(t, got, to("c2", common.MsgTReadResp))
	if got[0].msg.Value != 7 || !got[0].msg.Ok {
		t.Errorf("cache hit answered %d (found %v), want 7", got[0].msg.Value, got[0].msg.Ok)
	}
}

func TestCacheCriticalReadAlwaysForwards(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	holdItem(t, c, ctx, 1, 7)

	deliver(ctx, c, "c1", common.NewCritReadRequest(1, common.NewRequestID(), []common.NodeRef{"c1"}))
	expectSends(t, ctx.take(), to("l1", common.MsgTCritReadReq))
}

func TestCacheInnerDoesNotTrackRequests(t *testing.T) {
	c, ctx := newTestCache(TierInner, "db", "o1")

	deliver(ctx, c, "o1", common.NewReadRequest(3, common.NewRequestID(), []common.NodeRef{"c1", "o1"}))
	got := ctx.take()
	expectSends(t, got, to("db", common.MsgTReadReq))
	if want := []common.NodeRef{"c1", "o1", "l1"}; !slices.Equal(got[0].msg.Path, want) {
		t.Errorf("forwarded path = %v, want %v", got[0].msg.Path, want)
	}
	if len(ctx.timers) != 0 {
		t.Errorf("inner cache armed timers: %v", ctx.timers)
	}
}

func TestCacheWriteThrough(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	holdItem(t, c, ctx, 1, 1)
	id := common.NewRequestID()

	deliver(ctx, c, "c1", common.NewWriteRequest(1, 5, "c1", id))
	expectSends(t, ctx.take(), to("l1", common.MsgTWriteReq))

	deliver(ctx, c, "l1", common.NewRefill(1, 5, "c1", id))
	expectSends(t, ctx.take(), to("c1", common.MsgTWriteConfirm))
	if len(ctx.timers) != 0 {
		t.Errorf("timers left after refill: %v", ctx.timers)
	}
	if got := c.State().Items[1]; got != 5 {
		t.Errorf("item 1 = %d after refill, want 5", got)
	}

	// refills of writes from other branches only update the items
	deliver(ctx, c, "l1", common.NewRefill(1, 6, "c9", common.NewRequestID()))
	expectSends(t, ctx.take())
	if got := c.State().Items[1]; got != 6 {
		t.Errorf("item 1 = %d after foreign refill, want 6", got)
	}
}

func TestCacheRefillDoesNotAddItems(t *testing.T) {
	c, ctx := newTestCache(TierInner, "db", "o1", "o2")

	deliver(ctx, c, "db", common.NewRefill(4, 40, "c1", common.NewRequestID()))
	expectSends(t, ctx.take(), to("o1", common.MsgTRefill), to("o2", common.MsgTRefill))
	if _, ok := c.State().Items[4]; ok {
		t.Error("refill added an item the cache did not hold")
	}
}

func TestCacheInvalidWindow(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1", "c2")
	holdItem(t, c, ctx, 1, 1)
	wid := common.NewRequestID()

	deliver(ctx, c, "l1", common.NewInvalidateItem(1, wid))
	expectSends(t, ctx.take(), to("l1", common.MsgTInvalidationConfirm))
	ctx.timer(t, common.MsgTUpdateTimeout)

	requests := map[string]func() *common.Message{
		"read": func() *common.Message {
			return common.NewReadRequest(1, common.NewRequestID(), []common.NodeRef{"c2"})
		},
		"crit read": func() *common.Message {
			return common.NewCritReadRequest(1, common.NewRequestID(), []common.NodeRef{"c2"})
		},
		"write": func() *common.Message {
			return common.NewWriteRequest(1, 3, "c2", common.NewRequestID())
		},
		"crit write": func() *common.Message {
			return common.NewCritWriteRequest(1, 3, "c2", common.NewRequestID())
		},
	}
	for name, build := range requests {
		t.Run(name, func(t *testing.T) {
			deliver(ctx, c, "c2", build())
			got := ctx.take()
			expectSends(t, got, to("c2", common.MsgTReqError))
			if got[0].msg.Reason != common.ErrKStaleBlocked {
				t.Errorf("reason = %s, want %s", got[0].msg.Reason, common.ErrKStaleBlocked)
			}
		})
	}

	// other keys are not affected
	deliver(ctx, c, "c2", common.NewReadRequest(2, common.NewRequestID(), []common.NodeRef{"c2"}))
	expectSends(t, ctx.take(), to("l1", common.MsgTReadReq))

	deliver(ctx, c, "l1", common.NewCriticalRefill(1, 9, "c1", wid))
	expectSends(t, ctx.take(), to("c1", common.MsgTCritWriteConfirm))
	st := c.State()
	if len(st.Invalid) != 0 {
		t.Errorf("invalid keys after critical refill: %v", st.Invalid)
	}
	if st.Items[1] != 9 {
		t.Errorf("item 1 = %d after critical refill, want 9", st.Items[1])
	}
	for _, msg := range ctx.timers {
		if msg.MsgType == common.MsgTUpdateTimeout {
			t.Error("update timeout still armed after critical refill")
		}
	}
}

func TestCacheCritWriteErrorClearsMatchingID(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	wid := common.NewRequestID()
	deliver(ctx, c, "l1", common.NewInvalidateItem(1, wid))
	ctx.take()

	deliver(ctx, c, "l1", common.NewCritWriteError(1, "c9", common.NewRequestID(), common.ErrKCriticalWriteConflict))
	expectSends(t, ctx.take())
	if !slices.Equal(c.State().Invalid, []int{1}) {
		t.Fatalf("error of another write cleared the invalid mark: %v", c.State().Invalid)
	}

	deliver(ctx, c, "l1", common.NewCritWriteError(1, "c1", wid, common.ErrKCriticalWriteAborted))
	got := ctx.take()
	expectSends(t, got, to("c1", common.MsgTCritWriteError))
	if got[0].msg.Reason != common.ErrKCriticalWriteAborted {
		t.Errorf("reason = %s, want %s", got[0].msg.Reason, common.ErrKCriticalWriteAborted)
	}
	if len(c.State().Invalid) != 0 {
		t.Errorf("invalid keys after error: %v", c.State().Invalid)
	}
}

func TestCacheUpdateTimeoutEvicts(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	holdItem(t, c, ctx, 1, 1)
	deliver(ctx, c, "l1", common.NewInvalidateItem(1, common.NewRequestID()))
	ctx.take()

	deliver(ctx, c, c.ref, ctx.fire(ctx.timer(t, common.MsgTUpdateTimeout)))
	st := c.State()
	if _, ok := st.Items[1]; ok {
		t.Error("item 1 still held after update timeout")
	}
	if len(st.Invalid) != 0 {
		t.Errorf("invalid keys after update timeout: %v", st.Invalid)
	}
}

func TestCacheRepeatedInvalidationRestartsTimer(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	holdItem(t, c, ctx, 1, 1)
	ctx.cancelled = nil
	id := common.NewRequestID()
	deliver(ctx, c, "l1", common.NewInvalidateItem(1, id))
	deliver(ctx, c, "db", common.NewInvalidateItem(1, id))
	expectSends(t, ctx.take(), to("l1", common.MsgTInvalidationConfirm), to("db", common.MsgTInvalidationConfirm))

	pending := 0
	for _, msg := range ctx.timers {
		if msg.MsgType == common.MsgTUpdateTimeout {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("%d update timers pending, want 1", pending)
	}
	if len(ctx.cancelled) != 1 {
		t.Errorf("%d timers cancelled, want 1", len(ctx.cancelled))
	}
}

func TestCacheInvalidationAggregation(t *testing.T) {
	for n := 0; n <= 4; n++ {
		t.Run(fmt.Sprintf("%d children", n), func(t *testing.T) {
			children := make([]common.NodeRef, n)
			for i := range children {
				children[i] = common.NodeRef(fmt.Sprintf("o%d", i))
			}
			c, ctx := newTestCache(TierInner, "db", children...)
			id := common.NewRequestID()
			need := max(n-MaxConcurrentCrash, 0)

			deliver(ctx, c, "db", common.NewInvalidateItem(1, id))
			upward := 0
			for _, s := range ctx.take() {
				if s.msg.MsgType == common.MsgTInvalidationConfirm && s.to == "db" {
					upward++
				}
			}
			if need == 0 && upward != 1 {
				t.Fatalf("cache with %d children sent %d immediate confirms, want 1", n, upward)
			}

			for i, child := range children {
				deliver(ctx, c, child, common.NewInvalidationConfirm(1, id))
				for _, s := range ctx.take() {
					if s.msg.MsgType == common.MsgTInvalidationConfirm {
						upward++
						if i+1 < need {
							t.Errorf("confirmed upward after %d of %d children", i+1, need)
						}
					}
				}
			}
			// duplicates of the last child change nothing
			if n > 0 {
				deliver(ctx, c, children[n-1], common.NewInvalidationConfirm(1, id))
				upward += len(ctx.take())
			}
			if upward != 1 {
				t.Errorf("sent %d upward confirmations, want exactly 1", upward)
			}
		})
	}
}

func TestCacheOuterFailover(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1", "c2")
	holdItem(t, c, ctx, 1, 1)
	id := common.NewRequestID()

	deliver(ctx, c, "c1", common.NewReadRequest(2, id, []common.NodeRef{"c1"}))
	ctx.take()
	deliver(ctx, c, c.ref, ctx.fire(ctx.timer(t, common.MsgTTimeoutFired)))

	got := ctx.take()
	expectSends(t, got,
		to("c1", common.MsgTReqError),
		to("db", common.MsgTAddChild),
		to("db", common.MsgTRefreshItemReq),
	)
	if got[0].msg.Reason != common.ErrKParentUnresponsive || got[0].msg.ID != id {
		t.Errorf("error = %s for %s, want %s for the stalled read", got[0].msg.Reason, common.ShortID(got[0].msg.ID), common.ErrKParentUnresponsive)
	}
	if got[2].msg.Key != 1 || !slices.Equal(got[2].msg.Path, []common.NodeRef{"l2"}) {
		t.Errorf("refresh = key %d path %v, want key 1 path [l2]", got[2].msg.Key, got[2].msg.Path)
	}
	if c.State().Parent != "db" {
		t.Errorf("parent = %s after failover, want db", c.State().Parent)
	}

	// a second timeout does not fail over again
	wid := common.NewRequestID()
	deliver(ctx, c, "db", common.NewRefreshItemResponse(1, 1, true, nil, got[2].msg.ID))
	deliver(ctx, c, "c2", common.NewWriteRequest(3, 3, "c2", wid))
	ctx.take()
	deliver(ctx, c, c.ref, ctx.fire(ctx.timer(t, common.MsgTTimeoutFired)))
	expectSends(t, ctx.take(), to("c2", common.MsgTReqError))
}

func TestCacheLateTimeoutIsIgnored(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	id := common.NewRequestID()
	deliver(ctx, c, "c1", common.NewReadRequest(2, id, []common.NodeRef{"c1"}))
	timeout := ctx.timer(t, common.MsgTTimeoutFired)
	deliver(ctx, c, "l1", common.NewReadResponse(2, 2, true, []common.NodeRef{"c1"}, id))
	ctx.take()

	// the timer raced with the response
	deliver(ctx, c, c.ref, timeout)
	expectSends(t, ctx.take())
	if c.State().Parent != "l1" {
		t.Errorf("parent changed to %s on a stale timeout", c.State().Parent)
	}
}

func TestCacheCrashAtCheckpoint(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1", "c2")
	holdItem(t, c, ctx, 1, 1)

	deliver(ctx, c, common.NoRef, common.NewCrash(fault.CPBeforeReadReqForward, 0))
	if c.State().Crashed {
		t.Fatal("cache crashed before reaching the checkpoint")
	}
	deliver(ctx, c, "c1", common.NewReadRequest(2, common.NewRequestID(), []common.NodeRef{"c1"}))
	expectSends(t, ctx.take())
	st := c.State()
	if !st.Crashed || len(st.Items) != 0 {
		t.Fatalf("state after crash = %s, want crashed without items", st)
	}

	deliver(ctx, c, "c1", common.NewReadRequest(2, common.NewRequestID(), []common.NodeRef{"c1"}))
	expectSends(t, ctx.take())

	deliver(ctx, c, c.ref, ctx.fire(ctx.timer(t, common.MsgTRecovery)))
	expectSends(t, ctx.take(), to("c1", common.MsgTIsStillParentReq), to("c2", common.MsgTIsStillParentReq))

	// the plan is used up
	deliver(ctx, c, "c1", common.NewReadRequest(2, common.NewRequestID(), []common.NodeRef{"c1"}))
	expectSends(t, ctx.take(), to("l1", common.MsgTReadReq))
}

func TestCacheCrashNow(t *testing.T) {
	c, ctx := newTestCache(TierInner, "db", "o1")
	deliver(ctx, c, common.NoRef, common.NewCrash(fault.CPNow, 0))
	if !c.State().Crashed {
		t.Fatal("cache did not crash immediately")
	}
	ctx.timer(t, common.MsgTRecovery)
}

func TestCacheCrashDuringMulticast(t *testing.T) {
	tests := []struct {
		afterSends int
		want       []sent
	}{
		{0, nil},
		{1, []sent{to("o1", common.MsgTRefill)}},
		{2, []sent{to("o1", common.MsgTRefill), to("o2", common.MsgTRefill)}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("after %d", tt.afterSends), func(t *testing.T) {
			c, ctx := newTestCache(TierInner, "db", "o1", "o2", "o3")
			deliver(ctx, c, common.NoRef, common.NewCrashDuringMulticast(fault.CPDuringRefillMulticast, tt.afterSends, 0))
			deliver(ctx, c, "db", common.NewRefill(1, 1, "c1", common.NewRequestID()))
			expectSends(t, ctx.take(), tt.want...)
			if !c.State().Crashed {
				t.Error("cache did not crash during the multicast")
			}
		})
	}
}

func TestCacheRecoveryProbe(t *testing.T) {
	c, ctx := newTestCache(TierInner, "db", "o1", "o2", "o3")

	deliver(ctx, c, "o1", common.NewIsStillParentResponse(true, common.NewRequestID()))
	expectSends(t, ctx.take(), to("o1", common.MsgTStartRefresh))

	deliver(ctx, c, "o2", common.NewIsStillParentResponse(false, common.NewRequestID()))
	expectSends(t, ctx.take())
	if want := []common.NodeRef{"o1", "o3"}; !slices.Equal(c.State().Children, want) {
		t.Errorf("children = %v, want %v", c.State().Children, want)
	}

	// outer caches only drop children
	o, octx := newTestCache(TierOuter, "l1", "c1")
	deliver(octx, o, "c1", common.NewIsStillParentResponse(true, common.NewRequestID()))
	expectSends(t, octx.take())
}

func TestCacheIsStillParent(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1")
	for _, tt := range []struct {
		from common.NodeRef
		want bool
	}{{"l1", true}, {"l9", false}} {
		deliver(ctx, c, tt.from, common.NewIsStillParentRequest())
		got := ctx.take()
		expectSends(t, got, to(tt.from, common.MsgTIsStillParentResp))
		if got[0].msg.Ok != tt.want {
			t.Errorf("answer to %s = %v, want %v", tt.from, got[0].msg.Ok, tt.want)
		}
	}
}

func TestCacheStartRefresh(t *testing.T) {
	c, ctx := newTestCache(TierOuter, "l1", "c1", "c2")
	holdItem(t, c, ctx, 5, 5)
	id := common.NewRequestID()
	deliver(ctx, c, "c1", common.NewReadRequest(2, id, []common.NodeRef{"c1"}))
	ctx.take()

	deliver(ctx, c, "l1", common.NewStartRefresh())
	got := ctx.take()
	expectSends(t, got,
		to("c1", common.MsgTCancelTimeout),
		to("c2", common.MsgTCancelTimeout),
		to("l1", common.MsgTRefreshItemReq),
	)
	if !slices.Equal(got[0].msg.IDs, []uuid.UUID{id}) {
		t.Errorf("cancel timeout ids = %v, want %s", got[0].msg.IDs, id)
	}
	if st := c.State(); st.Pending != 1 {
		t.Errorf("pending = %d after refresh, want only the refresh", st.Pending)
	}

	// the refresh response updates the item without being forwarded
	deliver(ctx, c, "l1", common.NewRefreshItemResponse(5, 50, true, nil, got[2].msg.ID))
	expectSends(t, ctx.take())
	st := c.State()
	if st.Items[5] != 50 || st.Pending != 0 {
		t.Errorf("after refresh: item 5 = %d, pending %d, want 50 and 0", st.Items[5], st.Pending)
	}
}
