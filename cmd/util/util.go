package util

import (
	"strings"

	"github.com/ValentinKolb/dCache/lib/util"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig initializes configuration from env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// InitLogging sets the level of every project logger from the log-level flag
func InitLogging() error {
	return common.InitLoggers(viper.GetString("log-level"))
}

// --------------------------------------------------------------------------
// Simulation configuration
// --------------------------------------------------------------------------

// SetupConfigFlags adds the topology, network, timing and workload flags to a command.
// Defaults are taken from common.DefaultConfig.
func SetupConfigFlags(cmd *cobra.Command) {
	def := common.DefaultConfig()
	flags := cmd.PersistentFlags()

	key := "inner-caches"
	flags.Int(key, def.InnerCaches, WrapString("Number of inner (L1) caches below the database"))

	key = "outer-caches"
	flags.Int(key, def.OuterCaches, WrapString("Number of outer (L2) caches, split evenly among the inner caches"))

	key = "clients"
	flags.Int(key, def.Clients, WrapString("Number of clients, split evenly among the outer caches"))

	key = "items"
	flags.Int(key, def.Items, WrapString("Number of keys the database is seeded with (key i starts with value i)"))

	key = "network"
	flags.String(key, string(def.Network), WrapString("Message substrate: sim (deterministic discrete event simulation) or live (one goroutine per node, real time)"))

	key = "min-delay"
	flags.Duration(key, def.MinDelay, WrapString("Minimum one way network delay"))

	key = "max-delay"
	flags.Duration(key, def.MaxDelay, WrapString("Maximum one way network delay"))

	key = "seed"
	flags.Int64(key, def.Seed, WrapString("Seed of the network delays and the workload generator. 0 picks a random seed"))

	key = "serializer"
	flags.String(key, def.Serializer, WrapString("Serializer applied to every message (json, gob, binary). The live network always serializes, the simulator only if set"))

	key = "timeout-cache"
	flags.Duration(key, def.Timeouts.Cache, WrapString("How long an outer cache waits for a forwarded request"))

	key = "timeout-cache-crit-write"
	flags.Duration(key, def.Timeouts.CacheCritWrite, WrapString("How long an outer cache waits for a forwarded critical write"))

	key = "timeout-cache-invalidation"
	flags.Duration(key, def.Timeouts.CacheInvalidation, WrapString("How long an outer cache keeps an invalidated key before evicting it"))

	key = "timeout-db-invalidation"
	flags.Duration(key, def.Timeouts.DBInvalidation, WrapString("How long the database waits for invalidation confirmations"))

	key = "timeout-client"
	flags.Duration(key, def.Timeouts.Client, WrapString("How long a client waits for an answer"))

	key = "timeout-client-crit-write"
	flags.Duration(key, def.Timeouts.ClientCritWrite, WrapString("How long a client waits for the answer to a critical write"))

	key = "recovery"
	flags.Duration(key, def.Timeouts.Recovery, WrapString("Default time a crashed cache stays down"))

	key = "operations"
	flags.Int(key, def.Operations, WrapString("Number of client operations to generate"))

	key = "op-interval"
	flags.Duration(key, def.OpInterval, WrapString("Time between two generated operations"))

	key = "crash-probability"
	flags.Float64(key, def.CrashProbability, WrapString("Probability that an operation is preceded by a crash plan for a random cache"))

	key = "max-value"
	flags.Int(key, def.MaxValue, WrapString("Written values are drawn from [0, max-value]"))

	key = "settle"
	flags.Duration(key, def.Settle, WrapString("Time after the last operation until the final state is checked"))

	key = "metrics-endpoint"
	flags.String(key, "", WrapString("Address on which /metrics, /debug/metrics and /state are served (e.g. localhost:9090). Empty disables the endpoint"))
}

// GetConfig reads the simulation configuration from viper
func GetConfig() common.Config {
	var cfg common.Config

	cfg.InnerCaches = viper.GetInt("inner-caches")
	cfg.OuterCaches = viper.GetInt("outer-caches")
	cfg.Clients = viper.GetInt("clients")
	cfg.Items = viper.GetInt("items")

	cfg.Network = common.NetworkKind(viper.GetString("network"))
	cfg.MinDelay = viper.GetDuration("min-delay")
	cfg.MaxDelay = viper.GetDuration("max-delay")
	cfg.Seed = viper.GetInt64("seed")
	if cfg.Seed == 0 {
		cfg.Seed = int64(util.GenerateSeed())
	}
	cfg.Serializer = viper.GetString("serializer")

	cfg.Timeouts = common.Timeouts{
		Cache:             viper.GetDuration("timeout-cache"),
		CacheCritWrite:    viper.GetDuration("timeout-cache-crit-write"),
		CacheInvalidation: viper.GetDuration("timeout-cache-invalidation"),
		DBInvalidation:    viper.GetDuration("timeout-db-invalidation"),
		Client:            viper.GetDuration("timeout-client"),
		ClientCritWrite:   viper.GetDuration("timeout-client-crit-write"),
		Recovery:          viper.GetDuration("recovery"),
	}

	cfg.Operations = viper.GetInt("operations")
	cfg.OpInterval = viper.GetDuration("op-interval")
	cfg.CrashProbability = viper.GetFloat64("crash-probability")
	cfg.MaxValue = viper.GetInt("max-value")
	cfg.Settle = viper.GetDuration("settle")
	cfg.MetricsEndpoint = viper.GetString("metrics-endpoint")
	cfg.LogLevel = viper.GetString("log-level")

	return cfg
}
