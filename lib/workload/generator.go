package workload

import (
	"math/rand"
	"time"

	"github.com/ValentinKolb/dCache/lib/fault"
	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/topology"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
)

// Step is a message injected into the network at a fixed offset from the
// start of the workload
type Step struct {
	At  time.Duration
	To  common.NodeRef
	Msg *common.Message
}

// recoveryCheckpoints can be reached by every operation, they are part of
// every family
var recoveryCheckpoints = []fault.Checkpoint{
	fault.CPDuringCancelTimeoutMulticast,
	fault.CPDuringRefresh,
}

// families maps an operation to the checkpoints its messages pass
var families = map[node.OpKind][]fault.Checkpoint{
	node.OpRead: {
		fault.CPBeforeReadReqForward,
		fault.CPAfterReadReqForward,
		fault.CPBeforeReadRespForward,
		fault.CPBeforeReadResp,
	},
	node.OpWrite: {
		fault.CPBeforeWriteReqForward,
		fault.CPAfterWriteReqForward,
		fault.CPBeforeRefill,
		fault.CPBeforeWriteConfirm,
		fault.CPDuringRefillMulticast,
	},
	node.OpCritRead: {
		fault.CPBeforeCritReadReqForward,
		fault.CPAfterCritReadReqForward,
		fault.CPBeforeCritReadRespForward,
	},
	node.OpCritWrite: {
		fault.CPBeforeCritWriteReqForward,
		fault.CPAfterCritWriteReqForward,
		fault.CPBeforeInvalidation,
		fault.CPBeforeInvalidationConfirm,
		fault.CPBeforeInvalidationConfirmRx,
		fault.CPBeforeCritRefill,
		fault.CPBeforeCritWriteConfirm,
		fault.CPDuringInvalidationMulticast,
		fault.CPDuringCritRefillMulticast,
		fault.CPDuringCritWriteErrorMulticast,
	},
}

// Checkpoints returns the checkpoints a crash for op is chosen from
func Checkpoints(op node.OpKind) []fault.Checkpoint {
	cps := append([]fault.Checkpoint(nil), families[op]...)
	return append(cps, recoveryCheckpoints...)
}

// Generate creates cfg.Operations random client operations spaced by
// cfg.OpInterval. Before each operation a crash plan is sent to a random
// cache with probability cfg.CrashProbability, its checkpoint is taken from
// the operation's family.
func Generate(cfg common.Config, topo *topology.Topology, rng *rand.Rand) []Step {
	clients := topo.ClientRefs()
	caches := topo.CacheRefs()
	ops := node.AllOps()

	steps := make([]Step, 0, cfg.Operations)
	for i := 0; i < cfg.Operations; i++ {
		at := time.Duration(i+1) * cfg.OpInterval
		op := ops[rng.Intn(len(ops))]
		client := clients[rng.Intn(len(clients))]
		key := rng.Intn(cfg.Items)
		value := rng.Intn(cfg.MaxValue + 1)

		if rng.Float64() < cfg.CrashProbability {
			cps := Checkpoints(op)
			cp := cps[rng.Intn(len(cps))]
			var plan *common.Message
			if cp.IsMulticast() {
				plan = common.NewCrashDuringMulticast(cp, rng.Intn(3), 0)
			} else {
				plan = common.NewCrash(cp, 0)
			}
			steps = append(steps, Step{At: at, To: caches[rng.Intn(len(caches))], Msg: plan})
		}

		id := common.NewRequestID()
		var trigger *common.Message
		switch op {
		case node.OpRead:
			trigger = common.NewDoRead(key, id)
		case node.OpWrite:
			trigger = common.NewDoWrite(key, value, id)
		case node.OpCritRead:
			trigger = common.NewDoCritRead(key, id)
		case node.OpCritWrite:
			trigger = common.NewDoCritWrite(key, value, id)
		}
		steps = append(steps, Step{At: at, To: client, Msg: trigger})
	}
	return steps
}

// Schedule injects every step into the network
func Schedule(net transport.INetwork, steps []Step) {
	for _, s := range steps {
		net.InjectAfter(s.At, s.To, s.Msg)
	}
}

// Triggers returns the number of client operations among steps
func Triggers(steps []Step) int {
	n := 0
	for _, s := range steps {
		switch s.Msg.MsgType {
		case common.MsgTDoRead, common.MsgTDoWrite, common.MsgTDoCritRead, common.MsgTDoCritWrite:
			n++
		}
	}
	return n
}
