package livenet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("livenet")

var (
	sentTotal      = metrics.GetOrCreateCounter(`dcache_network_messages_sent_total{network="live"}`)
	deliveredTotal = metrics.GetOrCreateCounter(`dcache_network_messages_delivered_total{network="live"}`)
	droppedTotal   = metrics.GetOrCreateCounter(`dcache_network_messages_dropped_total{network="live"}`)
	timersTotal    = metrics.GetOrCreateCounter(`dcache_network_timers_fired_total{network="live"}`)
)

// ErrNotRunning is returned by operations that need the node goroutines
var ErrNotRunning = errors.New("network is not running")

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config configures a live network
type Config struct {
	// MinDelay and MaxDelay bound the uniformly distributed message delay
	MinDelay time.Duration
	MaxDelay time.Duration
	// Seed seeds the delay source and the per-node random sources
	Seed int64
	// Serializer encodes every message on send and decodes it on delivery.
	// Defaults to the binary serializer.
	Serializer serializer.IMessageSerializer
}

// --------------------------------------------------------------------------
// Network
// --------------------------------------------------------------------------

// delivery is one item of a node's mailbox
type delivery struct {
	from    common.NodeRef
	data    []byte          // encoded message (sends)
	msg     *common.Message // own copy (timers, injections)
	inspect func()          // runs on the node goroutine
}

// Network runs every node on its own goroutine. Nodes receive messages through
// a lock-free mailbox, delays and timers are real time.
type Network struct {
	cfg   Config
	nodes *xsync.MapOf[common.NodeRef, *liveNode]

	timerMu   sync.Mutex
	timers    map[transport.TimerID]*time.Timer
	nextTimer transport.TimerID

	// inflight counts messages not yet handled, armed counts pending timers
	inflight atomic.Int64
	armed    atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool

	start time.Time
}

// New creates a live network. Nodes must be registered before or after
// Start, messages are only handled while the network runs.
func New(cfg Config) *Network {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Serializer == nil {
		cfg.Serializer = serializer.NewBinarySerializer()
	}
	return &Network{
		cfg:    cfg,
		nodes:  xsync.NewMapOf[common.NodeRef, *liveNode](),
		timers: make(map[transport.TimerID]*time.Timer),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}
}

// Start launches one goroutine per registered node. The network stops when
// ctx is cancelled or Stop is called.
func (n *Network) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.group, n.ctx = errgroup.WithContext(n.ctx)
	n.running = true

	n.nodes.Range(func(_ common.NodeRef, ln *liveNode) bool {
		n.launch(ln)
		return true
	})
	log.Infof("live network started with %d nodes", n.nodes.Size())
}

// Stop cancels all pending timers, stops the node goroutines and waits for them
func (n *Network) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.cancel()
	group := n.group
	n.mu.Unlock()

	n.timerMu.Lock()
	for id, t := range n.timers {
		t.Stop()
		n.armed.Add(-1)
		delete(n.timers, id)
	}
	n.timerMu.Unlock()

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Infof("live network stopped")
	return err
}

// WaitIdle blocks until no message is in flight and no timer is armed, or
// ctx is done
func (n *Network) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n.inflight.Load() == 0 && n.armed.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.INetwork)
// --------------------------------------------------------------------------

func (n *Network) Register(node transport.INode) error {
	ref := node.Ref()
	if ref == common.NoRef {
		return fmt.Errorf("node without ref")
	}
	ln := &liveNode{
		node: node,
		net:  n,
		box:  util.NewMailbox[delivery](),
		rng:  rand.New(rand.NewSource(int64(util.HashString(string(ref), uint64(n.cfg.Seed))))),
	}
	if _, loaded := n.nodes.LoadOrStore(ref, ln); loaded {
		return fmt.Errorf("node %s already registered", ref)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		n.launch(ln)
	}
	return nil
}

func (n *Network) Inject(to common.NodeRef, msg *common.Message) {
	n.enqueue(to, delivery{from: common.NoRef, msg: msg.Clone()})
}

func (n *Network) InjectAfter(delay time.Duration, to common.NodeRef, msg *common.Message) {
	c := msg.Clone()
	n.inflight.Add(1)
	time.AfterFunc(delay, func() {
		n.enqueue(to, delivery{from: common.NoRef, msg: c})
		n.inflight.Add(-1)
	})
}

func (n *Network) Inspect(ref common.NodeRef, fn func(node transport.INode)) error {
	ln, ok := n.nodes.Load(ref)
	if !ok {
		return fmt.Errorf("unknown node %s", ref)
	}

	n.mu.Lock()
	running, ctx := n.running, n.ctx
	n.mu.Unlock()
	if !running {
		fn(ln.node)
		return nil
	}

	done := make(chan struct{})
	if !ln.box.Push(delivery{inspect: func() {
		fn(ln.node)
		close(done)
	}}) {
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

func (n *Network) Now() time.Time {
	return time.Now()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// launch starts the goroutine of ln, n.mu must be held
func (n *Network) launch(ln *liveNode) {
	ctx := n.ctx
	n.group.Go(func() error {
		return ln.box.Drain(ctx, ln.process)
	})
}

// enqueue puts d into the mailbox of to and counts it as in flight
func (n *Network) enqueue(to common.NodeRef, d delivery) {
	ln, ok := n.nodes.Load(to)
	if !ok {
		droppedTotal.Inc()
		log.Warningf("dropping message from %s: unknown node %s", d.from, to)
		return
	}
	n.inflight.Add(1)
	if !ln.box.Push(d) {
		n.inflight.Add(-1)
		droppedTotal.Inc()
	}
}

func (n *Network) delay() time.Duration {
	spread := int64(n.cfg.MaxDelay - n.cfg.MinDelay)
	if spread <= 0 {
		return n.cfg.MinDelay
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.cfg.MinDelay + time.Duration(n.rng.Int63n(spread+1))
}

// --------------------------------------------------------------------------
// Node context (docu see transport.IContext)
// --------------------------------------------------------------------------

// liveNode is the IContext of a registered node. All methods except the
// mailbox are only used from the node goroutine.
type liveNode struct {
	node transport.INode
	net  *Network
	box  *util.Mailbox[delivery]
	rng  *rand.Rand
}

// process handles one mailbox item
func (l *liveNode) process(d delivery) {
	if d.inspect != nil {
		d.inspect()
		return
	}
	defer l.net.inflight.Add(-1)

	msg := d.msg
	if msg == nil {
		msg = &common.Message{}
		if err := l.net.cfg.Serializer.Deserialize(d.data, msg); err != nil {
			droppedTotal.Inc()
			log.Errorf("%s failed to decode message from %s: %v", l.Self(), d.from, err)
			return
		}
	}
	deliveredTotal.Inc()
	l.node.Handle(l, transport.Envelope{From: d.from, To: l.Self(), Msg: msg})
}

func (l *liveNode) Self() common.NodeRef { return l.node.Ref() }

func (l *liveNode) Now() time.Time { return time.Now() }

func (l *liveNode) Rand() *rand.Rand { return l.rng }

func (l *liveNode) Send(to common.NodeRef, msg *common.Message) {
	sentTotal.Inc()
	data, err := l.net.cfg.Serializer.Serialize(*msg)
	if err != nil {
		droppedTotal.Inc()
		log.Errorf("%s failed to encode %s: %v", l.Self(), msg, err)
		return
	}
	from := l.Self()
	l.net.inflight.Add(1)
	time.AfterFunc(l.net.delay(), func() {
		l.net.enqueue(to, delivery{from: from, data: data})
		l.net.inflight.Add(-1)
	})
}

func (l *liveNode) Schedule(delay time.Duration, msg *common.Message) transport.TimerID {
	c := msg.Clone()
	self := l.Self()
	n := l.net

	// the callback takes timerMu, so it cannot run before the timer is stored
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	n.nextTimer++
	id := n.nextTimer
	n.armed.Add(1)
	n.timers[id] = time.AfterFunc(delay, func() {
		n.timerMu.Lock()
		_, ok := n.timers[id]
		delete(n.timers, id)
		n.timerMu.Unlock()
		if !ok {
			return
		}
		timersTotal.Inc()
		n.enqueue(self, delivery{from: self, msg: c})
		n.armed.Add(-1)
	})
	return id
}

func (l *liveNode) Cancel(id transport.TimerID) bool {
	n := l.net
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	t, ok := n.timers[id]
	if !ok {
		return false
	}
	delete(n.timers, id)
	t.Stop()
	n.armed.Add(-1)
	return true
}
