package node

import (
	"slices"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var clientLog = logger.GetLogger("client")

// operation is a triggered client operation
type operation struct {
	op    OpKind
	id    uuid.UUID
	key   int
	value int
}

// inflight is the operation currently awaiting its answer
type inflight struct {
	operation
	req     *common.Message
	timer   transport.TimerID
	started time.Time
}

// Client issues operations against its outer cache, one at a time
type Client struct {
	ref        common.NodeRef
	timeouts   common.Timeouts
	parent     common.NodeRef
	alternates []common.NodeRef

	current *inflight
	queue   []operation

	onOutcome OutcomeFunc
}

// NewClient creates a client. onOutcome may be nil.
func NewClient(ref common.NodeRef, timeouts common.Timeouts, onOutcome OutcomeFunc) *Client {
	return &Client{
		ref:       ref,
		timeouts:  timeouts,
		onOutcome: onOutcome,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.INode)
// --------------------------------------------------------------------------

func (c *Client) Ref() common.NodeRef { return c.ref }

func (c *Client) Handle(ctx transport.IContext, env transport.Envelope) {
	msg := env.Msg
	switch msg.MsgType {
	case common.MsgTSetParent:
		c.parent = msg.Ref
	case common.MsgTSetAlternateCaches:
		c.alternates = slices.Clone(msg.Refs)

	case common.MsgTDoRead, common.MsgTDoWrite, common.MsgTDoCritRead, common.MsgTDoCritWrite:
		op, _ := opOfTrigger(msg.MsgType)
		id := msg.ID
		if id == uuid.Nil {
			id = common.NewRequestID()
		}
		c.queue = append(c.queue, operation{op: op, id: id, key: msg.Key, value: msg.Value})
		if c.current == nil {
			c.startNext(ctx)
		}

	case common.MsgTReadResp, common.MsgTCritReadResp:
		if c.owns(msg.ID) {
			c.finish(ctx, msg.Value, msg.Ok, nil)
		}
	case common.MsgTWriteConfirm, common.MsgTCritWriteConfirm:
		if c.owns(msg.ID) {
			c.finish(ctx, c.current.value, true, nil)
		}
	case common.MsgTReqError, common.MsgTCritWriteError:
		if c.owns(msg.ID) {
			c.finish(ctx, 0, false, NewError(msg.Reason, c.current.op, c.current.key, msg.ID))
		}
	case common.MsgTTimeoutFired:
		if c.owns(msg.ID) {
			c.onTimeout(ctx)
		}
	case common.MsgTCancelTimeout:
		if c.current != nil && slices.Contains(msg.IDs, c.current.id) {
			ctx.Cancel(c.current.timer)
			c.finish(ctx, 0, false, NewError(common.ErrKCancelled, c.current.op, c.current.key, c.current.id))
		}

	case common.MsgTIsStillParentReq:
		ctx.Send(env.From, common.NewIsStillParentResponse(env.From == c.parent, msg.ID))

	case common.MsgTCrash, common.MsgTCrashDuringMulticast, common.MsgTRecovery:
		clientLog.Debugf("%s: clients do not crash, ignoring %s", c.ref, msg.MsgType)
	case common.MsgTDumpState:
		clientLog.Infof("%s: parent %s, in flight %v, queued %d", c.ref, c.parent, c.current != nil, len(c.queue))

	default:
		clientLog.Warningf("%s: unexpected %s from %s", c.ref, msg, env.From)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// owns reports whether id belongs to the in-flight operation
func (c *Client) owns(id uuid.UUID) bool {
	return c.current != nil && c.current.id == id
}

// startNext sends the oldest queued operation to the parent
func (c *Client) startNext(ctx transport.IContext) {
	if len(c.queue) == 0 {
		return
	}
	op := c.queue[0]
	c.queue = c.queue[1:]

	var req *common.Message
	timeout := c.timeouts.Client
	switch op.op {
	case OpRead:
		req = common.NewReadRequest(op.key, op.id, []common.NodeRef{c.ref})
	case OpCritRead:
		req = common.NewCritReadRequest(op.key, op.id, []common.NodeRef{c.ref})
	case OpWrite:
		req = common.NewWriteRequest(op.key, op.value, c.ref, op.id)
	case OpCritWrite:
		req = common.NewCritWriteRequest(op.key, op.value, c.ref, op.id)
		timeout = c.timeouts.ClientCritWrite
	}

	c.current = &inflight{
		operation: op,
		req:       req,
		timer:     ctx.Schedule(timeout, common.NewTimeout(req)),
		started:   ctx.Now(),
	}
	clientLog.Debugf("%s: %s sent to %s", c.ref, req, c.parent)
	ctx.Send(c.parent, req)
}

// finish surfaces the outcome of the in-flight operation and starts the next one
func (c *Client) finish(ctx transport.IContext, value int, found bool, fail *Error) {
	cur := c.current
	c.current = nil
	ctx.Cancel(cur.timer)

	out := Outcome{
		Client:  c.ref,
		Op:      cur.op,
		ID:      cur.id,
		Key:     cur.key,
		Value:   value,
		Found:   found,
		Latency: ctx.Now().Sub(cur.started),
	}
	if fail != nil {
		out.Err = fail
		countOutcome(cur.op, fail.Kind.String())
		clientLog.Infof("%s: %s", c.ref, fail)
	} else {
		countOutcome(cur.op, "ok")
		clientLog.Debugf("%s: %s on key %d done: %d (found %v)", c.ref, cur.op, cur.key, value, found)
	}
	if c.onOutcome != nil {
		c.onOutcome(out)
	}

	c.startNext(ctx)
}

// onTimeout fails over to a random alternate outer cache
func (c *Client) onTimeout(ctx transport.IContext) {
	old := c.parent
	candidates := slices.DeleteFunc(slices.Clone(c.alternates), func(r common.NodeRef) bool { return r == old })
	if len(candidates) > 0 {
		c.parent = candidates[ctx.Rand().Intn(len(candidates))]
		clientFailovers.Inc()
		clientLog.Warningf("%s: parent %s unresponsive, failing over to %s", c.ref, old, c.parent)
		ctx.Send(c.parent, common.NewAddChild(c.ref))
	} else {
		clientLog.Warningf("%s: parent %s unresponsive, no alternate known", c.ref, old)
	}

	c.current.timer = transport.NoTimer
	c.finish(ctx, 0, false, NewError(common.ErrKParentUnresponsive, c.current.op, c.current.key, c.current.id))
}

// Parent returns the current parent. It must be called from the client's
// execution context (see transport.INetwork.Inspect).
func (c *Client) Parent() common.NodeRef { return c.parent }

// Idle reports whether the client has neither an in-flight nor a queued operation
func (c *Client) Idle() bool { return c.current == nil && len(c.queue) == 0 }
