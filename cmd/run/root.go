package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/lib/topology"
	"github.com/ValentinKolb/dCache/lib/workload"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics/exp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("cli")

var (
	runCmdConfig = common.Config{}
	RunCmd       = &cobra.Command{
		Use:   "run",
		Short: "Run a randomized workload against the cache hierarchy",
		Long: `Run a randomized workload of reads, writes, critical reads and critical writes against the cache hierarchy. Before each operation a random cache may receive a crash plan. After the workload has settled, the final state of every cache is compared with the database.

The configuration can be set via command line flags or environment variables. The format of the environment variables is DCACHE_<flag> (e.g. DCACHE_CRASH_PROBABILITY=0.5)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupConfigFlags(RunCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := cmdUtil.InitLogging(); err != nil {
		return err
	}
	runCmdConfig = cmdUtil.GetConfig()
	return runCmdConfig.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	fmt.Print(runCmdConfig.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := workload.NewRecorder()
	var state atomic.Pointer[topology.State]

	var srv *http.Server
	g, gctx := errgroup.WithContext(ctx)
	if runCmdConfig.MetricsEndpoint != "" {
		srv = newMetricsServer(runCmdConfig.MetricsEndpoint, rec, &state)
		g.Go(func() error {
			log.Infof("serving metrics on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var result *workload.Result
	g.Go(func() error {
		var err error
		if runCmdConfig.Network == common.NetworkLive {
			result, err = workload.RunLive(gctx, runCmdConfig, rec)
		} else {
			result, err = workload.RunSim(runCmdConfig, rec)
		}
		if err != nil {
			return err
		}
		state.Store(&result.State)
		fmt.Print(result.String())

		// keep the endpoint up for inspection until interrupted
		if srv != nil {
			log.Infof("run finished, metrics stay available on %s until interrupted", srv.Addr)
			<-gctx.Done()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if result == nil {
		return nil
	}
	if !result.Complete() {
		return fmt.Errorf("%d of %d operations did not complete", result.Operations-result.Summary.Total, result.Operations)
	}
	if !result.Report.OK() {
		return fmt.Errorf("final state is inconsistent: %s", result.Report)
	}
	return nil
}

// newMetricsServer serves the protocol counters (prometheus format), the
// per run latency registry and the final state of every node
func newMetricsServer(addr string, rec *workload.Recorder, state *atomic.Pointer[topology.State]) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.Handle("/debug/metrics", exp.ExpHandler(rec.Registry()))
	mux.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		st := state.Load()
		if st == nil {
			http.Error(w, "run in progress", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Errorf("failed to encode state: %v", err)
		}
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
