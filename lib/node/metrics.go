package node

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Protocol counters, exported in Prometheus format by the run command
var (
	cacheCrashes    = metrics.GetOrCreateCounter("dcache_cache_crashes_total")
	cacheRecoveries = metrics.GetOrCreateCounter("dcache_cache_recoveries_total")
	cacheFailovers  = metrics.GetOrCreateCounter("dcache_cache_failovers_total")
	cacheTimeouts   = metrics.GetOrCreateCounter("dcache_cache_timeouts_total")
	cacheEvictions  = metrics.GetOrCreateCounter("dcache_cache_evictions_total")
	cacheHits       = metrics.GetOrCreateCounter("dcache_cache_read_hits_total")
	cacheMisses     = metrics.GetOrCreateCounter("dcache_cache_read_misses_total")
	cacheRejects    = metrics.GetOrCreateCounter("dcache_cache_stale_rejects_total")

	dbCritCommitted = metrics.GetOrCreateCounter(`dcache_db_crit_writes_total{result="committed"}`)
	dbCritAborted   = metrics.GetOrCreateCounter(`dcache_db_crit_writes_total{result="aborted"}`)
	dbCritConflicts = metrics.GetOrCreateCounter(`dcache_db_crit_writes_total{result="conflict"}`)
	dbWrites        = metrics.GetOrCreateCounter("dcache_db_writes_total")
	dbReads         = metrics.GetOrCreateCounter("dcache_db_reads_total")

	clientFailovers = metrics.GetOrCreateCounter("dcache_client_failovers_total")
)

// countOutcome increments the outcome counter of op with the given result
func countOutcome(op OpKind, result string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_client_outcomes_total{op=%q,result=%q}`, op.String(), result)).Inc()
}
