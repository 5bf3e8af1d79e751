package workload

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ValentinKolb/dCache/lib/topology"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/ValentinKolb/dCache/rpc/transport/livenet"
	"github.com/ValentinKolb/dCache/rpc/transport/simnet"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("workload")

// maxQuiesceEvents bounds the events delivered after the workload when the
// simulation drains its queue
const maxQuiesceEvents = 1_000_000

// Result is the outcome of a complete workload run
type Result struct {
	Operations int // triggered client operations
	Summary    Summary
	Report     Report
	State      topology.State
	Elapsed    time.Duration // simulated or wall clock time
}

// Complete reports whether every triggered operation produced an outcome
func (r *Result) Complete() bool {
	return r.Summary.Total == r.Operations
}

// String returns a formatted representation of the result
func (r *Result) String() string {
	var sb strings.Builder
	sb.WriteString(r.Summary.String())
	sb.WriteString(fmt.Sprintf("  %-22s: %d of %d\n", "Completed", r.Summary.Total, r.Operations))
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Elapsed", r.Elapsed.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Consistency", r.Report))
	return sb.String()
}

// setup creates the topology and registers it with net
func setup(cfg common.Config, net transport.INetwork, rec *Recorder) (*topology.Topology, error) {
	topo, err := topology.New(topology.FromConfig(cfg), rec.Record)
	if err != nil {
		return nil, err
	}
	if err := topo.Register(net); err != nil {
		return nil, err
	}
	return topo, nil
}

// finish snapshots the topology and checks it
func finish(net transport.INetwork, topo *topology.Topology, rec *Recorder, ops int, elapsed time.Duration) (*Result, error) {
	st, err := topo.Snapshot(net)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot topology: %w", err)
	}
	res := &Result{
		Operations: ops,
		Summary:    rec.Summary(topo.ClientRefs()),
		Report:     Check(st),
		State:      st,
		Elapsed:    elapsed,
	}
	if !res.Report.OK() {
		log.Warningf("consistency check: %s", res.Report)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Simulated network
// --------------------------------------------------------------------------

// RunSim runs the workload of cfg on the deterministic simulator. rec may be
// nil.
func RunSim(cfg common.Config, rec *Recorder) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = NewRecorder()
	}

	simCfg := simnet.Config{MinDelay: cfg.MinDelay, MaxDelay: cfg.MaxDelay, Seed: cfg.Seed}
	if cfg.Serializer != "" {
		s, err := serializer.New(cfg.Serializer)
		if err != nil {
			return nil, err
		}
		simCfg.Serializer = s
	}
	net := simnet.New(simCfg)
	topo, err := setup(cfg, net, rec)
	if err != nil {
		return nil, err
	}

	topo.Bootstrap(net)
	steps := Generate(cfg, topo, rand.New(rand.NewSource(cfg.Seed)))
	Schedule(net, steps)
	log.Infof("simulating %d operations", Triggers(steps))

	start := net.Now()
	net.RunFor(time.Duration(cfg.Operations)*cfg.OpInterval + cfg.Settle)
	if n := net.Run(maxQuiesceEvents); n == maxQuiesceEvents {
		return nil, fmt.Errorf("network did not quiesce after %d events", n)
	}
	topo.DumpState(net)
	net.Run(0)

	log.Infof("simulation finished: %d events delivered, %d dropped", net.Delivered(), net.Dropped())
	return finish(net, topo, rec, Triggers(steps), net.Now().Sub(start))
}

// --------------------------------------------------------------------------
// Live network
// --------------------------------------------------------------------------

// RunLive runs the workload of cfg with one goroutine per node in real time.
// rec may be nil.
func RunLive(ctx context.Context, cfg common.Config, rec *Recorder) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = NewRecorder()
	}

	s, err := serializer.New(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	net := livenet.New(livenet.Config{MinDelay: cfg.MinDelay, MaxDelay: cfg.MaxDelay, Seed: cfg.Seed, Serializer: s})
	topo, err := setup(cfg, net, rec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	net.Start(ctx)
	defer func() {
		if err := net.Stop(); err != nil {
			log.Errorf("failed to stop network: %v", err)
		}
	}()

	topo.Bootstrap(net)
	steps := Generate(cfg, topo, rand.New(rand.NewSource(cfg.Seed)))
	Schedule(net, steps)
	log.Infof("running %d operations", Triggers(steps))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(cfg.Operations)*cfg.OpInterval + cfg.Settle):
	}
	if err := net.WaitIdle(ctx); err != nil {
		return nil, err
	}
	topo.DumpState(net)

	return finish(net, topo, rec, Triggers(steps), time.Since(start))
}
