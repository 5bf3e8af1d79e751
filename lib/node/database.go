package node

import (
	"fmt"
	"slices"
	"time"

	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/lstore"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var dbLog = logger.GetLogger("db")

// critWrite is the state of one critical write at the database
type critWrite struct {
	req       *common.Message
	targets   []common.NodeRef // children the invalidation was sent to
	confirmed map[common.NodeRef]struct{}
	timer     transport.TimerID
}

// complete reports whether every target confirmed the invalidation
func (cw *critWrite) complete() bool {
	for _, t := range cw.targets {
		if _, ok := cw.confirmed[t]; !ok {
			return false
		}
	}
	return true
}

// Database is the root of the hierarchy and the only node holding the
// authoritative items. It never crashes.
type Database struct {
	ref      common.NodeRef
	timeout  time.Duration // waiting for invalidation confirmations
	children []common.NodeRef
	items    store.IStore

	critWrites map[uuid.UUID]*critWrite
	critKeys   map[int]uuid.UUID // key -> id of the critical write in progress
}

// NewDatabase creates the database seeded with items
func NewDatabase(ref common.NodeRef, items map[int]int, timeouts common.Timeouts) *Database {
	return &Database{
		ref:        ref,
		timeout:    timeouts.DBInvalidation,
		items:      lstore.NewLocalStoreFrom(items),
		critWrites: make(map[uuid.UUID]*critWrite),
		critKeys:   make(map[int]uuid.UUID),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.INode)
// --------------------------------------------------------------------------

func (d *Database) Ref() common.NodeRef { return d.ref }

func (d *Database) Handle(ctx transport.IContext, env transport.Envelope) {
	msg := env.Msg
	switch msg.MsgType {
	case common.MsgTSetChildren:
		d.children = slices.Clone(msg.Refs)
		dbLog.Debugf("%s: children set to %v", d.ref, d.children)
	case common.MsgTAddChild:
		d.children = addRef(d.children, msg.Ref)
		dbLog.Infof("%s: adopted %s, children %v", d.ref, msg.Ref, d.children)

	case common.MsgTReadReq, common.MsgTCritReadReq, common.MsgTRefreshItemReq:
		d.onRead(ctx, msg)
	case common.MsgTWriteReq:
		d.onWrite(ctx, msg)
	case common.MsgTCritWriteReq:
		d.onCritWrite(ctx, msg)
	case common.MsgTInvalidationConfirm:
		d.onInvalidationConfirm(ctx, env.From, msg)
	case common.MsgTInvalidationTimeout:
		d.onInvalidationTimeout(ctx, msg)

	case common.MsgTDumpState:
		dbLog.Infof("%s", d.State())
	case common.MsgTCrash, common.MsgTCrashDuringMulticast:
		dbLog.Warningf("%s: ignoring %s, the database does not crash", d.ref, msg.MsgType)
	default:
		dbLog.Warningf("%s: unexpected %s from %s", d.ref, msg, env.From)
	}
}

// --------------------------------------------------------------------------
// Message Handlers
// --------------------------------------------------------------------------

// onRead answers read, critical read and refresh requests along their path
func (d *Database) onRead(ctx transport.IContext, msg *common.Message) {
	dbReads.Inc()
	next, ok := msg.PopPath()
	if !ok {
		dbLog.Warningf("%s: %s without response path", d.ref, msg)
		return
	}
	value, found := d.items.Get(msg.Key)

	var resp *common.Message
	switch msg.MsgType {
	case common.MsgTReadReq:
		resp = common.NewReadResponse(msg.Key, value, found, msg.Path, msg.ID)
	case common.MsgTCritReadReq:
		resp = common.NewCritReadResponse(msg.Key, value, found, msg.Path, msg.ID)
	default:
		resp = common.NewRefreshItemResponse(msg.Key, value, found, msg.Path, msg.ID)
	}
	dbLog.Debugf("%s: %s -> %d (found %v), reply to %s", d.ref, msg, value, found, next)
	ctx.Send(next, resp)
}

func (d *Database) onWrite(ctx transport.IContext, msg *common.Message) {
	dbWrites.Inc()
	d.items.Set(msg.Key, msg.Value)
	dbLog.Debugf("%s: %s applied value %d", d.ref, msg, msg.Value)
	d.multicast(ctx, common.NewRefill(msg.Key, msg.Value, msg.Originator, msg.ID))
}

func (d *Database) onCritWrite(ctx transport.IContext, msg *common.Message) {
	if other, busy := d.critKeys[msg.Key]; busy {
		dbCritConflicts.Inc()
		dbLog.Infof("%s: %s rejected, critical write %s in progress", d.ref, msg, common.ShortID(other))
		d.multicast(ctx, common.NewCritWriteError(msg.Key, msg.Originator, msg.ID, common.ErrKCriticalWriteConflict))
		return
	}

	cw := &critWrite{
		req:       msg.Clone(),
		targets:   slices.Clone(d.children),
		confirmed: make(map[common.NodeRef]struct{}),
	}
	d.critWrites[msg.ID] = cw
	d.critKeys[msg.Key] = msg.ID

	if len(cw.targets) == 0 {
		d.commit(ctx, cw)
		return
	}

	cw.timer = ctx.Schedule(d.timeout, common.NewInvalidationTimeout(msg.Key, msg.ID))
	dbLog.Debugf("%s: %s invalidating at %v", d.ref, msg, cw.targets)
	d.multicast(ctx, common.NewInvalidateItem(msg.Key, msg.ID))
}

func (d *Database) onInvalidationConfirm(ctx transport.IContext, from common.NodeRef, msg *common.Message) {
	cw, ok := d.critWrites[msg.ID]
	if !ok {
		dbLog.Debugf("%s: late invalidation confirm %s from %s", d.ref, msg, from)
		return
	}
	cw.confirmed[from] = struct{}{}
	if cw.complete() {
		ctx.Cancel(cw.timer)
		d.commit(ctx, cw)
	}
}

func (d *Database) onInvalidationTimeout(ctx transport.IContext, msg *common.Message) {
	cw, ok := d.critWrites[msg.ID]
	if !ok {
		return
	}
	// all confirmations may have arrived together with the timer
	if cw.complete() {
		d.commit(ctx, cw)
		return
	}

	var missing []common.NodeRef
	for _, t := range cw.targets {
		if _, ok := cw.confirmed[t]; !ok {
			missing = append(missing, t)
		}
	}
	dbCritAborted.Inc()
	dbLog.Warningf("%s: %s aborted, no confirmation from %v", d.ref, cw.req, missing)
	d.finish(cw)
	d.multicast(ctx, common.NewCritWriteError(cw.req.Key, cw.req.Originator, cw.req.ID, common.ErrKCriticalWriteAborted))
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// commit applies a confirmed critical write and refills the caches
func (d *Database) commit(ctx transport.IContext, cw *critWrite) {
	req := cw.req
	d.items.Set(req.Key, req.Value)
	d.finish(cw)
	dbCritCommitted.Inc()
	dbLog.Debugf("%s: %s committed value %d", d.ref, req, req.Value)
	d.multicast(ctx, common.NewCriticalRefill(req.Key, req.Value, req.Originator, req.ID))
}

// finish drops the state of a critical write
func (d *Database) finish(cw *critWrite) {
	delete(d.critWrites, cw.req.ID)
	if d.critKeys[cw.req.Key] == cw.req.ID {
		delete(d.critKeys, cw.req.Key)
	}
}

func (d *Database) multicast(ctx transport.IContext, msg *common.Message) {
	for _, child := range d.children {
		ctx.Send(child, msg)
	}
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// DatabaseState is a snapshot of the database
type DatabaseState struct {
	Ref        common.NodeRef
	Children   []common.NodeRef
	Items      map[int]int
	CritWrites []int // keys with a critical write in progress
}

// String returns a one-line representation used by DumpState
func (s DatabaseState) String() string {
	return fmt.Sprintf("%s: items %v children %v critical writes on %v", s.Ref, s.Items, s.Children, s.CritWrites)
}

// State returns a snapshot of the database. It must be called from the
// database's execution context (see transport.INetwork.Inspect).
func (d *Database) State() DatabaseState {
	keys := make([]int, 0, len(d.critKeys))
	for k := range d.critKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return DatabaseState{
		Ref:        d.ref,
		Children:   slices.Clone(d.children),
		Items:      d.items.Snapshot(),
		CritWrites: keys,
	}
}

// Value returns the authoritative value of key
func (d *Database) Value(key int) (int, bool) {
	return d.items.Get(key)
}
