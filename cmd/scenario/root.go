package scenario

import (
	"fmt"
	"strings"

	cmdUtil "github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/lib/scenario"
	"github.com/spf13/cobra"
)

var (
	ScenarioCmd = &cobra.Command{
		Use:   "scenario [name|all]",
		Short: "Run the scripted fault scenarios",
		Long: fmt.Sprintf(`Run one or all scripted fault scenarios on the simulated network. Each scenario drives a small topology (2 inner caches, 4 outer caches, 4 clients) through a fixed sequence of operations and crashes and checks the outcome of every step.

Available scenarios: %s`, strings.Join(scenario.Names(), ", ")),
		Args:              cobra.MaximumNArgs(1),
		PersistentPreRunE: processConfig,
		RunE:              runScenarios,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List all scenarios",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range scenario.All() {
				fmt.Printf("%-28s %s\n", s.Name, s.Description)
			}
		},
	}
)

func init() {
	ScenarioCmd.AddCommand(listCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	return cmdUtil.InitLogging()
}

func runScenarios(_ *cobra.Command, args []string) error {
	var results []scenario.Result
	if len(args) == 0 || args[0] == "all" {
		results = scenario.RunAll()
	} else {
		r, err := scenario.RunByName(args[0])
		if err != nil {
			return err
		}
		results = append(results, r)
	}

	failed := 0
	for _, r := range results {
		fmt.Print(r.String())
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	fmt.Printf("all %d scenarios passed\n", len(results))
	return nil
}
