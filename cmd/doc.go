// Package cmd implements the command-line interface of dCache. It provides
// commands to run randomized workloads against a simulated or live cache
// hierarchy and to replay the scripted fault scenarios.
//
// The package is organized into several subpackages:
//
//   - run: Runs a randomized workload with crash injection and checks the final state
//   - scenario: Lists and runs the scripted fault scenarios
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set via an environment variable DCACHE_<FLAG>
// (e.g. DCACHE_CRASH_PROBABILITY=0.5). Variables are read from .env and
// .env.local as well.
//
// See dcache -help for a list of all commands.
package cmd
