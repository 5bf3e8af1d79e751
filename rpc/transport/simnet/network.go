package simnet

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("simnet")

var (
	sentTotal      = metrics.GetOrCreateCounter(`dcache_network_messages_sent_total{network="sim"}`)
	deliveredTotal = metrics.GetOrCreateCounter(`dcache_network_messages_delivered_total{network="sim"}`)
	droppedTotal   = metrics.GetOrCreateCounter(`dcache_network_messages_dropped_total{network="sim"}`)
	timersTotal    = metrics.GetOrCreateCounter(`dcache_network_timers_fired_total{network="sim"}`)
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config configures a simulated network
type Config struct {
	// MinDelay and MaxDelay bound the uniformly distributed message delay
	MinDelay time.Duration
	MaxDelay time.Duration
	// Seed makes runs reproducible
	Seed int64
	// Serializer, if set, is used to copy every message through its wire form.
	// Without it messages are deep copied.
	Serializer serializer.IMessageSerializer
	// Start is the virtual time at which the simulation begins
	Start time.Time
	// Trace, if set, is called for every delivered envelope before the
	// receiving node handles it
	Trace func(at time.Time, env transport.Envelope)
}

// --------------------------------------------------------------------------
// Network
// --------------------------------------------------------------------------

// event is a scheduled delivery. Timer events are keyed by their TimerID.
type event struct {
	env   transport.Envelope
	timer bool
}

// Network is a deterministic discrete event simulator. Events are kept in a
// MapHeap ordered by virtual delivery time, ties are broken by the order in
// which they were scheduled. The network is not safe for concurrent use.
type Network struct {
	cfg   Config
	nodes map[common.NodeRef]*simNode
	queue *util.MapHeap[event]
	rng   *rand.Rand

	seq     uint64        // last event key
	elapsed time.Duration // virtual time since cfg.Start

	delivered uint64
	dropped   uint64
}

// New creates an empty simulated network
func New(cfg Config) *Network {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Unix(0, 0).UTC()
	}
	return &Network{
		cfg:   cfg,
		nodes: make(map[common.NodeRef]*simNode),
		queue: util.NewMapHeap[event](),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
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
	if _, ok := n.nodes[ref]; ok {
		return fmt.Errorf("node %s already registered", ref)
	}
	seed := int64(util.HashString(string(ref), uint64(n.cfg.Seed)))
	n.nodes[ref] = &simNode{
		node: node,
		net:  n,
		rng:  rand.New(rand.NewSource(seed)),
	}
	return nil
}

func (n *Network) Inject(to common.NodeRef, msg *common.Message) {
	n.InjectAfter(0, to, msg)
}

func (n *Network) InjectAfter(delay time.Duration, to common.NodeRef, msg *common.Message) {
	n.push(delay, transport.Envelope{From: common.NoRef, To: to, Msg: msg.Clone()}, false)
}

func (n *Network) Inspect(ref common.NodeRef, fn func(node transport.INode)) error {
	sn, ok := n.nodes[ref]
	if !ok {
		return fmt.Errorf("unknown node %s", ref)
	}
	fn(sn.node)
	return nil
}

func (n *Network) Now() time.Time {
	return n.cfg.Start.Add(n.elapsed)
}

// --------------------------------------------------------------------------
// Simulation control
// --------------------------------------------------------------------------

// Step delivers the next event and advances the clock to its time. It
// returns false if no event is pending.
func (n *Network) Step() bool {
	item, ok := n.queue.PopMin()
	if !ok {
		return false
	}
	n.elapsed = time.Duration(item.Priority)
	n.deliver(item.Value)
	return true
}

// Run delivers events until none is left or maxEvents were delivered
// (0 means no limit). It returns the number of delivered events.
func (n *Network) Run(maxEvents int) int {
	count := 0
	for maxEvents <= 0 || count < maxEvents {
		if !n.Step() {
			break
		}
		count++
	}
	return count
}

// RunFor delivers all events due within d and then advances the clock by d.
// It returns the number of delivered events.
func (n *Network) RunFor(d time.Duration) int {
	deadline := n.elapsed + d
	count := 0
	for {
		item, ok := n.queue.Peek()
		if !ok || time.Duration(item.Priority) > deadline {
			break
		}
		n.Step()
		count++
	}
	n.elapsed = deadline
	return count
}

// Pending returns the number of scheduled events (messages and timers)
func (n *Network) Pending() int {
	return n.queue.Len()
}

// Delivered returns the number of events handled by a node so far
func (n *Network) Delivered() uint64 {
	return n.delivered
}

// Dropped returns the number of messages addressed to unknown nodes or
// lost in serialization
func (n *Network) Dropped() uint64 {
	return n.dropped
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// push schedules env after delay and returns the event key
func (n *Network) push(delay time.Duration, env transport.Envelope, timer bool) uint64 {
	if delay < 0 {
		delay = 0
	}
	n.seq++
	n.queue.AddItem(n.seq, uint64(n.elapsed+delay), event{env: env, timer: timer})
	return n.seq
}

// delay draws a uniformly distributed network delay
func (n *Network) delay() time.Duration {
	spread := int64(n.cfg.MaxDelay - n.cfg.MinDelay)
	if spread <= 0 {
		return n.cfg.MinDelay
	}
	return n.cfg.MinDelay + time.Duration(n.rng.Int63n(spread+1))
}

// copyMessage returns the copy of msg the receiver gets
func (n *Network) copyMessage(msg *common.Message) (*common.Message, error) {
	if n.cfg.Serializer == nil {
		return msg.Clone(), nil
	}
	data, err := n.cfg.Serializer.Serialize(*msg)
	if err != nil {
		return nil, err
	}
	out := &common.Message{}
	if err := n.cfg.Serializer.Deserialize(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Network) deliver(ev event) {
	sn, ok := n.nodes[ev.env.To]
	if !ok {
		n.dropped++
		droppedTotal.Inc()
		log.Warningf("dropping %s from %s: unknown node %s", ev.env.Msg, ev.env.From, ev.env.To)
		return
	}

	n.delivered++
	if ev.timer {
		timersTotal.Inc()
	} else {
		deliveredTotal.Inc()
	}
	if n.cfg.Trace != nil {
		n.cfg.Trace(n.Now(), ev.env)
	}
	sn.node.Handle(sn, ev.env)
}

// --------------------------------------------------------------------------
// Node context (docu see transport.IContext)
// --------------------------------------------------------------------------

// simNode is the IContext of a registered node
type simNode struct {
	node transport.INode
	net  *Network
	rng  *rand.Rand
}

func (s *simNode) Self() common.NodeRef { return s.node.Ref() }

func (s *simNode) Now() time.Time { return s.net.Now() }

func (s *simNode) Rand() *rand.Rand { return s.rng }

func (s *simNode) Send(to common.NodeRef, msg *common.Message) {
	sentTotal.Inc()
	c, err := s.net.copyMessage(msg)
	if err != nil {
		s.net.dropped++
		droppedTotal.Inc()
		log.Errorf("dropping %s from %s to %s: %v", msg, s.Self(), to, err)
		return
	}
	s.net.push(s.net.delay(), transport.Envelope{From: s.Self(), To: to, Msg: c}, false)
}

func (s *simNode) Schedule(delay time.Duration, msg *common.Message) transport.TimerID {
	key := s.net.push(delay, transport.Envelope{From: s.Self(), To: s.Self(), Msg: msg.Clone()}, true)
	return transport.TimerID(key)
}

func (s *simNode) Cancel(id transport.TimerID) bool {
	item, ok := s.net.queue.GetByKey(uint64(id))
	if !ok || !item.Value.timer || item.Value.env.To != s.Self() {
		return false
	}
	s.net.queue.RemoveByKey(uint64(id))
	return true
}
