package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("scenario")

// Scenario is a scripted sequence of operations and crash plans with
// expectations about their outcomes
type Scenario struct {
	Name        string
	Description string
	// Items seeds the database
	Items map[int]int
	// Run drives the harness and returns an error if an expectation fails
	Run func(h *Harness) error
}

// Result is the outcome of a scenario run
type Result struct {
	Name    string
	Passed  bool
	Err     error
	Notes   []string      // narrative of the run
	Elapsed time.Duration // simulated time
}

// String returns a multi-line representation of the result
func (r Result) String() string {
	var sb strings.Builder
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	sb.WriteString(fmt.Sprintf("%-4s %-28s (%s simulated)\n", status, r.Name, r.Elapsed))
	for _, n := range r.Notes {
		sb.WriteString("       " + n + "\n")
	}
	if r.Err != nil {
		sb.WriteString(fmt.Sprintf("       error: %v\n", r.Err))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// All returns every scenario in a fixed order
func All() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// Names returns the names of all scenarios
func Names() []string {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.Name
	}
	return names
}

// Get returns the scenario called name
func Get(name string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

// Run executes s on a fresh harness
func Run(s Scenario) Result {
	res := Result{Name: s.Name}
	h, err := NewHarness(s.Items)
	if err != nil {
		res.Err = fmt.Errorf("failed to set up harness: %w", err)
		return res
	}

	log.Infof("running scenario %s: %s", s.Name, s.Description)
	start := h.Net.Now()
	res.Err = s.Run(h)
	res.Passed = res.Err == nil
	res.Notes = h.notes
	res.Elapsed = h.Net.Now().Sub(start)

	if res.Passed {
		log.Infof("scenario %s passed", s.Name)
	} else {
		log.Warningf("scenario %s failed: %v", s.Name, res.Err)
	}
	return res
}

// RunByName executes the scenario called name
func RunByName(name string) (Result, error) {
	s, ok := Get(name)
	if !ok {
		return Result{}, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return Run(s), nil
}

// RunAll executes every scenario
func RunAll() []Result {
	results := make([]Result, 0, len(scenarios))
	for _, s := range scenarios {
		results = append(results, Run(s))
	}
	return results
}
