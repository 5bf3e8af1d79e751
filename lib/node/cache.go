package node

import (
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/dCache/lib/fault"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/lstore"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var cacheLog = logger.GetLogger("cache")

// pendingReq is a request forwarded to the parent and still awaiting its answer
type pendingReq struct {
	req   *common.Message // as received, before pushing self onto the path
	timer transport.TimerID
}

// pendingUpdate is an outer cache's wait for the critical refill of an invalidated key
type pendingUpdate struct {
	key   int
	timer transport.TimerID
}

// aggregation collects the invalidation confirmations of an inner cache's children
type aggregation struct {
	key      int
	upstream common.NodeRef // where the confirmation goes
	need     int
	from     map[common.NodeRef]struct{}
	acked    bool
}

// Cache is a cache node of either tier. Inner caches sit between the database
// and the outer caches, outer caches between inner caches and clients.
type Cache struct {
	ref      common.NodeRef
	tier     Tier
	db       common.NodeRef
	timeouts common.Timeouts

	parent   common.NodeRef
	children []common.NodeRef
	items    store.IStore

	invalid  map[int]uuid.UUID // key -> critical write that invalidated it
	pending  map[uuid.UUID]*pendingReq
	updates  map[uuid.UUID]*pendingUpdate
	confirms map[uuid.UUID]*aggregation

	crashed bool
	fault   fault.Injector
}

// NewCache creates a cache of the given tier. db is the parent an outer cache
// fails over to.
func NewCache(ref common.NodeRef, tier Tier, db common.NodeRef, timeouts common.Timeouts) *Cache {
	return &Cache{
		ref:      ref,
		tier:     tier,
		db:       db,
		timeouts: timeouts,
		items:    lstore.NewLocalStore(),
		invalid:  make(map[int]uuid.UUID),
		pending:  make(map[uuid.UUID]*pendingReq),
		updates:  make(map[uuid.UUID]*pendingUpdate),
		confirms: make(map[uuid.UUID]*aggregation),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.INode)
// --------------------------------------------------------------------------

func (c *Cache) Ref() common.NodeRef { return c.ref }

func (c *Cache) Handle(ctx transport.IContext, env transport.Envelope) {
	msg := env.Msg
	if c.crashed {
		if msg.MsgType == common.MsgTRecovery {
			c.onRecovery(ctx)
		}
		return
	}

	switch msg.MsgType {
	// Bootstrap
	case common.MsgTSetParent:
		c.parent = msg.Ref
	case common.MsgTSetChildren:
		c.children = slices.Clone(msg.Refs)
	case common.MsgTAddChild:
		c.children = addRef(c.children, msg.Ref)
		cacheLog.Infof("%s: adopted %s, children %v", c.ref, msg.Ref, c.children)
	case common.MsgTSetAlternateCaches:
		// only clients fail over to a sibling

	// Reads
	case common.MsgTReadReq:
		c.onReadReq(ctx, msg)
	case common.MsgTCritReadReq:
		c.onCritReadReq(ctx, msg)
	case common.MsgTReadResp, common.MsgTCritReadResp:
		c.onReadResp(ctx, msg)

	// Writes
	case common.MsgTWriteReq:
		c.onWriteReq(ctx, env.From, msg)
	case common.MsgTRefill:
		c.onRefill(ctx, msg)
	case common.MsgTCritWriteReq:
		c.onCritWriteReq(ctx, env.From, msg)
	case common.MsgTInvalidateItem:
		c.onInvalidateItem(ctx, env.From, msg)
	case common.MsgTInvalidationConfirm:
		c.onInvalidationConfirm(ctx, env.From, msg)
	case common.MsgTCriticalRefill:
		c.onCriticalRefill(ctx, msg)
	case common.MsgTCritWriteError:
		c.onCritWriteError(ctx, msg)

	// Failure handling
	case common.MsgTReqError:
		c.onReqError(ctx, msg)
	case common.MsgTTimeoutFired:
		c.onTimeout(ctx, msg)
	case common.MsgTUpdateTimeout:
		c.onUpdateTimeout(msg)
	case common.MsgTRefreshItemReq:
		c.onRefreshItemReq(ctx, msg)
	case common.MsgTRefreshItemResp:
		c.onRefreshItemResp(ctx, msg)
	case common.MsgTIsStillParentReq:
		ctx.Send(env.From, common.NewIsStillParentResponse(env.From == c.parent, msg.ID))
	case common.MsgTIsStillParentResp:
		c.onIsStillParentResp(ctx, env.From, msg)
	case common.MsgTStartRefresh:
		c.onStartRefresh(ctx)

	// Lifecycle
	case common.MsgTCrash, common.MsgTCrashDuringMulticast:
		c.onCrashPlan(ctx, msg)
	case common.MsgTRecovery:
		cacheLog.Warningf("%s: recovery while not crashed", c.ref)
	case common.MsgTDumpState:
		cacheLog.Infof("%s", c.State())

	default:
		cacheLog.Warningf("%s: unexpected %s from %s", c.ref, msg, env.From)
	}
}

// --------------------------------------------------------------------------
// Read Handlers
// --------------------------------------------------------------------------

func (c *Cache) onReadReq(ctx transport.IContext, msg *common.Message) {
	if c.rejectStale(ctx, common.NoRef, msg) {
		return
	}

	if value, ok := c.items.Get(msg.Key); ok {
		cacheHits.Inc()
		if c.crashAt(ctx, fault.CPBeforeReadResp) {
			return
		}
		next, _ := msg.PopPath()
		cacheLog.Debugf("%s: %s served from cache: %d", c.ref, msg, value)
		ctx.Send(next, common.NewReadResponse(msg.Key, value, true, msg.Path, msg.ID))
		return
	}

	cacheMisses.Inc()
	if c.crashAt(ctx, fault.CPBeforeReadReqForward) {
		return
	}
	c.forward(ctx, msg, c.timeouts.Cache)
	c.crashAt(ctx, fault.CPAfterReadReqForward)
}

func (c *Cache) onCritReadReq(ctx transport.IContext, msg *common.Message) {
	if c.rejectStale(ctx, common.NoRef, msg) {
		return
	}
	if c.crashAt(ctx, fault.CPBeforeCritReadReqForward) {
		return
	}
	c.forward(ctx, msg, c.timeouts.Cache)
	c.crashAt(ctx, fault.CPAfterCritReadReqForward)
}

// onReadResp caches the value of a (critical) read response and passes it on
func (c *Cache) onReadResp(ctx transport.IContext, msg *common.Message) {
	cp := fault.CPBeforeReadRespForward
	if msg.MsgType == common.MsgTCritReadResp {
		cp = fault.CPBeforeCritReadRespForward
	}
	if c.crashAt(ctx, cp) {
		return
	}

	if msg.Ok {
		c.items.Set(msg.Key, msg.Value)
	}
	c.resolve(ctx, msg.ID)

	next, ok := msg.PopPath()
	if !ok {
		cacheLog.Warningf("%s: %s without response path", c.ref, msg)
		return
	}
	ctx.Send(next, msg)
}

// --------------------------------------------------------------------------
// Write Handlers
// --------------------------------------------------------------------------

func (c *Cache) onWriteReq(ctx transport.IContext, from common.NodeRef, msg *common.Message) {
	if c.rejectStale(ctx, from, msg) {
		return
	}
	if c.crashAt(ctx, fault.CPBeforeWriteReqForward) {
		return
	}
	c.forward(ctx, msg, c.timeouts.Cache)
	c.crashAt(ctx, fault.CPAfterWriteReqForward)
}

func (c *Cache) onRefill(ctx transport.IContext, msg *common.Message) {
	if c.crashAt(ctx, fault.CPBeforeRefill) {
		return
	}
	if c.items.Has(msg.Key) {
		c.items.Set(msg.Key, msg.Value)
	}

	if c.tier == TierInner {
		c.multicast(ctx, msg, fault.CPDuringRefillMulticast)
		return
	}

	c.resolve(ctx, msg.ID)
	if slices.Contains(c.children, msg.Originator) {
		if c.crashAt(ctx, fault.CPBeforeWriteConfirm) {
			return
		}
		ctx.Send(msg.Originator, common.NewWriteConfirm(msg.Key, msg.ID))
	}
}

func (c *Cache) onCritWriteReq(ctx transport.IContext, from common.NodeRef, msg *common.Message) {
	if c.rejectStale(ctx, from, msg) {
		return
	}
	if c.crashAt(ctx, fault.CPBeforeCritWriteReqForward) {
		return
	}
	c.forward(ctx, msg, c.timeouts.CacheCritWrite)
	c.crashAt(ctx, fault.CPAfterCritWriteReqForward)
}

func (c *Cache) onInvalidateItem(ctx transport.IContext, from common.NodeRef, msg *common.Message) {
	if c.crashAt(ctx, fault.CPBeforeInvalidation) {
		return
	}
	c.invalid[msg.Key] = msg.ID

	if c.tier == TierOuter {
		if c.crashAt(ctx, fault.CPBeforeInvalidationConfirm) {
			return
		}
		// the same invalidation may arrive from the old parent and the database
		c.cancelUpdate(ctx, msg.ID)
		timer := ctx.Schedule(c.timeouts.CacheInvalidation, common.NewUpdateTimeout(msg.Key, msg.ID))
		c.updates[msg.ID] = &pendingUpdate{key: msg.Key, timer: timer}
		ctx.Send(from, common.NewInvalidationConfirm(msg.Key, msg.ID))
		return
	}

	agg := &aggregation{
		key:      msg.Key,
		upstream: from,
		need:     max(len(c.children)-MaxConcurrentCrash, 0),
		from:     make(map[common.NodeRef]struct{}),
	}
	c.confirms[msg.ID] = agg
	cacheLog.Debugf("%s: %s invalidated, waiting for %d of %d children", c.ref, msg, agg.need, len(c.children))

	// with at most one child there is nothing to wait for
	if agg.need == 0 {
		if c.confirmInvalidation(ctx, msg.ID, agg) {
			return
		}
	}
	c.multicast(ctx, msg, fault.CPDuringInvalidationMulticast)
}

func (c *Cache) onInvalidationConfirm(ctx transport.IContext, from common.NodeRef, msg *common.Message) {
	if c.crashAt(ctx, fault.CPBeforeInvalidationConfirmRx) {
		return
	}
	agg, ok := c.confirms[msg.ID]
	if !ok {
		cacheLog.Debugf("%s: dropping confirm %s from %s", c.ref, msg, from)
		return
	}
	agg.from[from] = struct{}{}
	if len(agg.from) >= agg.need {
		c.confirmInvalidation(ctx, msg.ID, agg)
	}
}

func (c *Cache) onCriticalRefill(ctx transport.IContext, msg *common.Message) {
	if c.crashAt(ctx, fault.CPBeforeCritRefill) {
		return
	}
	if c.items.Has(msg.Key) {
		c.items.Set(msg.Key, msg.Value)
	}
	c.clearInvalid(msg.Key, msg.ID)

	if c.tier == TierInner {
		delete(c.confirms, msg.ID)
		c.multicast(ctx, msg, fault.CPDuringCritRefillMulticast)
		return
	}

	c.cancelUpdate(ctx, msg.ID)
	c.resolve(ctx, msg.ID)
	if slices.Contains(c.children, msg.Originator) {
		if c.crashAt(ctx, fault.CPBeforeCritWriteConfirm) {
			return
		}
		ctx.Send(msg.Originator, common.NewCritWriteConfirm(msg.Key, msg.ID))
	}
}

func (c *Cache) onCritWriteError(ctx transport.IContext, msg *common.Message) {
	c.clearInvalid(msg.Key, msg.ID)
	cacheLog.Debugf("%s: %s (%s)", c.ref, msg, msg.Reason)

	if c.tier == TierInner {
		delete(c.confirms, msg.ID)
		c.multicast(ctx, msg, fault.CPDuringCritWriteErrorMulticast)
		return
	}

	c.cancelUpdate(ctx, msg.ID)
	c.resolve(ctx, msg.ID)
	if slices.Contains(c.children, msg.Originator) {
		ctx.Send(msg.Originator, msg)
	}
}

// --------------------------------------------------------------------------
// Failure Handlers
// --------------------------------------------------------------------------

// onReqError passes an error from the parent on to the requester
func (c *Cache) onReqError(ctx transport.IContext, msg *common.Message) {
	c.resolve(ctx, msg.ID)

	if msg.Awaited != nil && msg.Awaited.MsgType.IsReadFamily() {
		next, ok := msg.PopPath()
		if !ok {
			return
		}
		ctx.Send(next, msg)
		return
	}
	if slices.Contains(c.children, msg.Originator) {
		ctx.Send(msg.Originator, msg)
	}
}

// onTimeout handles the expiry of a forwarded request. If the request is still
// pending the parent is assumed to have crashed.
func (c *Cache) onTimeout(ctx transport.IContext, msg *common.Message) {
	p, ok := c.pending[msg.ID]
	if !ok {
		return
	}
	delete(c.pending, msg.ID)
	cacheTimeouts.Inc()
	req := p.req
	cacheLog.Warningf("%s: timeout waiting for %s from %s", c.ref, req, c.parent)

	switch {
	case req.MsgType == common.MsgTRefreshItemReq && len(req.Path) == 0:
		// own refresh, nobody to notify
	case req.MsgType.IsReadFamily():
		path := slices.Clone(req.Path)
		if n := len(path); n > 0 {
			ctx.Send(path[n-1], common.NewReqError(req, path[:n-1], common.ErrKParentUnresponsive))
		}
	default:
		ctx.Send(req.Originator, common.NewReqError(req, nil, common.ErrKParentUnresponsive))
	}

	if c.parent == c.db {
		return
	}
	cacheFailovers.Inc()
	cacheLog.Warningf("%s: parent %s unresponsive, failing over to %s", c.ref, c.parent, c.db)
	c.parent = c.db
	ctx.Send(c.db, common.NewAddChild(c.ref))
	c.refreshItems(ctx)
}

// onUpdateTimeout evicts a key whose critical refill never arrived
func (c *Cache) onUpdateTimeout(msg *common.Message) {
	u, ok := c.updates[msg.ID]
	if !ok {
		return
	}
	delete(c.updates, msg.ID)
	cacheEvictions.Inc()
	cacheLog.Warningf("%s: no critical refill for key %d (id %s), evicting", c.ref, u.key, common.ShortID(msg.ID))
	c.clearInvalid(u.key, msg.ID)
	c.items.Delete(u.key)
}

func (c *Cache) onRefreshItemReq(ctx transport.IContext, msg *common.Message) {
	if c.crashAt(ctx, fault.CPDuringRefresh) {
		return
	}
	c.forward(ctx, msg, c.timeouts.Cache)
}

func (c *Cache) onRefreshItemResp(ctx transport.IContext, msg *common.Message) {
	c.resolve(ctx, msg.ID)
	if msg.Ok {
		c.items.Set(msg.Key, msg.Value)
	}
	if next, ok := msg.PopPath(); ok {
		ctx.Send(next, msg)
	}
}

func (c *Cache) onIsStillParentResp(ctx transport.IContext, from common.NodeRef, msg *common.Message) {
	if !msg.Ok {
		c.children = removeRef(c.children, from)
		cacheLog.Infof("%s: %s moved away, children %v", c.ref, from, c.children)
		return
	}
	if c.tier == TierInner {
		ctx.Send(from, common.NewStartRefresh())
	}
}

// onStartRefresh drops all pending requests, tells the children to stop
// waiting for them and refreshes every held item
func (c *Cache) onStartRefresh(ctx transport.IContext) {
	ids := sortedIDs(c.pending)
	for _, id := range ids {
		ctx.Cancel(c.pending[id].timer)
	}
	if c.multicast(ctx, common.NewCancelTimeout(ids), fault.CPDuringCancelTimeoutMulticast) {
		return
	}
	clear(c.pending)
	c.refreshItems(ctx)
}

// --------------------------------------------------------------------------
// Crash and Recovery
// --------------------------------------------------------------------------

func (c *Cache) onCrashPlan(ctx transport.IContext, msg *common.Message) {
	plan := fault.Plan{Checkpoint: msg.Checkpoint, RecoveryDelay: msg.RecoveryDelay}
	if msg.MsgType == common.MsgTCrashDuringMulticast {
		plan.AfterSends = msg.AfterSends
	}
	if !c.fault.Arm(plan) {
		cacheLog.Debugf("%s: crash plan %s ignored", c.ref, msg.Checkpoint)
		return
	}
	cacheLog.Debugf("%s: crash armed at %s", c.ref, msg.Checkpoint)
	c.crashAt(ctx, fault.CPNow)
}

// crashAt crashes the cache if a crash is armed at cp and reports whether it did
func (c *Cache) crashAt(ctx transport.IContext, cp fault.Checkpoint) bool {
	if !c.fault.Reached(cp) {
		return false
	}
	c.crash(ctx, cp)
	return true
}

// crash drops all volatile state and schedules the recovery
func (c *Cache) crash(ctx transport.IContext, cp fault.Checkpoint) {
	for _, p := range c.pending {
		ctx.Cancel(p.timer)
	}
	for _, u := range c.updates {
		ctx.Cancel(u.timer)
	}
	clear(c.pending)
	clear(c.updates)
	clear(c.confirms)
	clear(c.invalid)
	c.items.Clear()
	c.crashed = true

	delay := c.fault.RecoveryDelay(c.timeouts.Recovery)
	ctx.Schedule(delay, common.NewRecovery())
	cacheCrashes.Inc()
	cacheLog.Warningf("%s: crashed at %s, recovering in %s", c.ref, cp, delay)
}

func (c *Cache) onRecovery(ctx transport.IContext) {
	c.crashed = false
	c.fault.Reset()
	cacheRecoveries.Inc()
	cacheLog.Infof("%s: recovered, probing children %v", c.ref, c.children)
	probe := common.NewIsStillParentRequest()
	for _, child := range c.children {
		ctx.Send(child, probe)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// rejectStale answers a request on an invalid key with a StaleBlocked error.
// Read-family errors follow the response path, others go to from.
func (c *Cache) rejectStale(ctx transport.IContext, from common.NodeRef, msg *common.Message) bool {
	if _, invalid := c.invalid[msg.Key]; !invalid {
		return false
	}
	cacheRejects.Inc()
	cacheLog.Debugf("%s: %s rejected, key %d is invalid", c.ref, msg, msg.Key)

	if msg.MsgType.IsReadFamily() {
		path := slices.Clone(msg.Path)
		if n := len(path); n > 0 {
			ctx.Send(path[n-1], common.NewReqError(msg, path[:n-1], common.ErrKStaleBlocked))
		}
		return true
	}
	ctx.Send(from, common.NewReqError(msg, nil, common.ErrKStaleBlocked))
	return true
}

// forward sends msg to the parent. Outer caches remember the request and arm
// a timeout, inner caches trust the database.
func (c *Cache) forward(ctx transport.IContext, msg *common.Message, timeout time.Duration) {
	if c.tier == TierOuter {
		c.pending[msg.ID] = &pendingReq{
			req:   msg.Clone(),
			timer: ctx.Schedule(timeout, common.NewTimeout(msg)),
		}
	}
	if msg.MsgType.IsReadFamily() {
		msg.PushPath(c.ref)
	}
	cacheLog.Debugf("%s: %s forwarded to %s", c.ref, msg, c.parent)
	ctx.Send(c.parent, msg)
}

// resolve forgets the pending request id and cancels its timer
func (c *Cache) resolve(ctx transport.IContext, id uuid.UUID) {
	if p, ok := c.pending[id]; ok {
		ctx.Cancel(p.timer)
		delete(c.pending, id)
	}
}

// cancelUpdate stops waiting for the critical refill of id
func (c *Cache) cancelUpdate(ctx transport.IContext, id uuid.UUID) {
	if u, ok := c.updates[id]; ok {
		ctx.Cancel(u.timer)
		delete(c.updates, id)
	}
}

// clearInvalid clears the invalid mark of key if it was set by the critical write id
func (c *Cache) clearInvalid(key int, id uuid.UUID) {
	if c.invalid[key] == id {
		delete(c.invalid, key)
	}
}

// confirmInvalidation sends the aggregated confirmation upward exactly once.
// It reports whether the cache crashed instead.
func (c *Cache) confirmInvalidation(ctx transport.IContext, id uuid.UUID, agg *aggregation) bool {
	if agg.acked {
		return false
	}
	if c.crashAt(ctx, fault.CPBeforeInvalidationConfirm) {
		return true
	}
	agg.acked = true
	cacheLog.Debugf("%s: invalidation of key %d (id %s) confirmed to %s", c.ref, agg.key, common.ShortID(id), agg.upstream)
	ctx.Send(agg.upstream, common.NewInvalidationConfirm(agg.key, id))
	return false
}

// refreshItems asks the parent for the current value of every held key
func (c *Cache) refreshItems(ctx transport.IContext) {
	for _, key := range c.items.Keys() {
		req := common.NewRefreshItemRequest(key, common.NewRequestID(), nil)
		c.forward(ctx, req, c.timeouts.Cache)
	}
}

// multicast sends msg to all children. If a crash is armed at cp the cache
// crashes after the allowed number of sends, the return value reports it.
func (c *Cache) multicast(ctx transport.IContext, msg *common.Message, cp fault.Checkpoint) bool {
	budget, armed := c.fault.SendBudget(cp)
	for i, child := range c.children {
		if armed && i >= budget {
			c.crash(ctx, cp)
			return true
		}
		ctx.Send(child, msg)
	}
	return false
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// CacheState is a snapshot of a cache
type CacheState struct {
	Ref      common.NodeRef
	Tier     Tier
	Parent   common.NodeRef
	Children []common.NodeRef
	Items    map[int]int
	Invalid  []int
	Pending  int
	Crashed  bool
}

// String returns a one-line representation used by DumpState
func (s CacheState) String() string {
	return fmt.Sprintf("%s (%s): items %v invalid %v children %v parent %s pending %d crashed %v",
		s.Ref, s.Tier, s.Items, s.Invalid, s.Children, s.Parent, s.Pending, s.Crashed)
}

// State returns a snapshot of the cache. It must be called from the cache's
// execution context (see transport.INetwork.Inspect).
func (c *Cache) State() CacheState {
	invalid := make([]int, 0, len(c.invalid))
	for k := range c.invalid {
		invalid = append(invalid, k)
	}
	slices.Sort(invalid)
	return CacheState{
		Ref:      c.ref,
		Tier:     c.tier,
		Parent:   c.parent,
		Children: slices.Clone(c.children),
		Items:    c.items.Snapshot(),
		Invalid:  invalid,
		Pending:  len(c.pending),
		Crashed:  c.crashed,
	}
}
