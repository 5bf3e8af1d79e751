package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dCache/cmd/run"
	"github.com/ValentinKolb/dCache/cmd/scenario"
	"github.com/ValentinKolb/dCache/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dcache",
		Short: "hierarchical cache consistency simulator",
		Long: fmt.Sprintf(`dCache (v%s)

A two tier cache hierarchy in front of a single database, kept consistent
by write-through refills and a two phase critical write, and exercised
under injected cache crashes.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dCache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dCache v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(run.RunCmd)
	RootCmd.AddCommand(scenario.ScenarioCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
