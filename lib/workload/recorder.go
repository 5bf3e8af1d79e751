package workload

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

// Recorder collects the outcomes of all clients. Record may be called from
// many goroutines at once.
type Recorder struct {
	outcomes *xsync.MapOf[uuid.UUID, node.Outcome]
	registry gometrics.Registry
}

// NewRecorder creates a recorder with its own metrics registry
func NewRecorder() *Recorder {
	return &Recorder{
		outcomes: xsync.NewMapOf[uuid.UUID, node.Outcome](),
		registry: gometrics.NewRegistry(),
	}
}

// Record stores o and updates the latency timer and outcome counter of its
// operation. It has the signature of node.OutcomeFunc.
func (r *Recorder) Record(o node.Outcome) {
	r.outcomes.Store(o.ID, o)
	gometrics.GetOrRegisterTimer("latency."+o.Op.String(), r.registry).Update(o.Latency)
	gometrics.GetOrRegisterCounter("outcome."+o.Op.String()+"."+resultOf(o), r.registry).Inc(1)
}

// Get returns the outcome of the operation id
func (r *Recorder) Get(id uuid.UUID) (node.Outcome, bool) {
	return r.outcomes.Load(id)
}

// Len returns the number of recorded outcomes
func (r *Recorder) Len() int {
	return r.outcomes.Size()
}

// Outcomes returns all outcomes ordered by client and id
func (r *Recorder) Outcomes() []node.Outcome {
	out := make([]node.Outcome, 0, r.outcomes.Size())
	r.outcomes.Range(func(_ uuid.UUID, o node.Outcome) bool {
		out = append(out, o)
		return true
	})
	slices.SortFunc(out, func(a, b node.Outcome) int {
		if c := strings.Compare(string(a.Client), string(b.Client)); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out
}

// Registry returns the metrics registry of the recorder, e.g. to expose it
// with exp.ExpHandler
func (r *Recorder) Registry() gometrics.Registry {
	return r.registry
}

// resultOf returns "ok" or the error kind of o
func resultOf(o node.Outcome) string {
	if o.Err == nil {
		return "ok"
	}
	var e *node.Error
	if errors.As(o.Err, &e) {
		return e.Kind.String()
	}
	return "error"
}

// --------------------------------------------------------------------------
// Summary
// --------------------------------------------------------------------------

// OpSummary aggregates the outcomes of one operation kind
type OpSummary struct {
	Op      node.OpKind
	Count   int64
	Results map[string]int64 // "ok" or error kind -> count
	Mean    time.Duration
	P99     time.Duration
}

// Summary aggregates all recorded outcomes
type Summary struct {
	Ops        []OpSummary
	Total      int
	ClientLoad util.DistributionStats // operations per client
}

// Summary computes the summary of all outcomes. clients lists every client,
// including those without outcomes.
func (r *Recorder) Summary(clients []common.NodeRef) Summary {
	perClient := make(map[common.NodeRef]float64, len(clients))
	for _, c := range clients {
		perClient[c] = 0
	}
	r.outcomes.Range(func(_ uuid.UUID, o node.Outcome) bool {
		perClient[o.Client]++
		return true
	})
	load := make([]float64, 0, len(perClient))
	for _, c := range clients {
		load = append(load, perClient[c])
	}

	s := Summary{Total: r.Len(), ClientLoad: util.NewDistributionStats(load)}
	for _, op := range node.AllOps() {
		timer := gometrics.GetOrRegisterTimer("latency."+op.String(), r.registry).Snapshot()
		sum := OpSummary{
			Op:      op,
			Count:   timer.Count(),
			Results: make(map[string]int64),
			Mean:    time.Duration(timer.Mean()),
			P99:     time.Duration(timer.Percentile(0.99)),
		}
		prefix := "outcome." + op.String() + "."
		r.registry.Each(func(name string, m interface{}) {
			if c, ok := m.(gometrics.Counter); ok && strings.HasPrefix(name, prefix) {
				sum.Results[strings.TrimPrefix(name, prefix)] = c.Count()
			}
		})
		s.Ops = append(s.Ops, sum)
	}
	return s
}

// String returns a formatted table of the summary
func (s Summary) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n%-12s %6s %10s %10s  %s\n", "OPERATION", "COUNT", "MEAN", "P99", "RESULTS"))
	for _, op := range s.Ops {
		results := make([]string, 0, len(op.Results))
		for name, n := range op.Results {
			results = append(results, fmt.Sprintf("%s=%d", name, n))
		}
		slices.Sort(results)
		sb.WriteString(fmt.Sprintf("%-12s %6d %10s %10s  %s\n",
			op.Op, op.Count, op.Mean.Round(time.Microsecond), op.P99.Round(time.Microsecond), strings.Join(results, " ")))
	}
	sb.WriteString(fmt.Sprintf("\n  %-22s: %d\n", "Total Outcomes", s.Total))
	sb.WriteString(fmt.Sprintf("  %-22s: %.2f (min %.0f, max %.0f per client)\n",
		"Client Load Quality", s.ClientLoad.DistributionQuality, s.ClientLoad.Min, s.ClientLoad.Max))
	return sb.String()
}
