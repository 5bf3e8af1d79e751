package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Protocol timing
// --------------------------------------------------------------------------

// Timeouts holds every timer duration used by the protocol nodes.
type Timeouts struct {
	// Cache is how long an outer cache waits for the answer to a forwarded request
	Cache time.Duration
	// CacheCritWrite is how long an outer cache waits for a forwarded critical write
	CacheCritWrite time.Duration
	// CacheInvalidation is how long an outer cache waits for the critical refill of an invalidated key
	CacheInvalidation time.Duration
	// DBInvalidation is how long the database waits for invalidation confirmations
	DBInvalidation time.Duration
	// Client is how long a client waits for the answer to a request
	Client time.Duration
	// ClientCritWrite is how long a client waits for the answer to a critical write
	ClientCritWrite time.Duration
	// Recovery is the default time a crashed cache stays down
	Recovery time.Duration
}

// DefaultTimeouts returns timeouts tuned for a maximum network delay of 40ms.
// Each layer waits longer than the layer above it needs to answer.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Cache:             400 * time.Millisecond,
		CacheCritWrite:    700 * time.Millisecond,
		CacheInvalidation: 700 * time.Millisecond,
		DBInvalidation:    400 * time.Millisecond,
		Client:            800 * time.Millisecond,
		ClientCritWrite:   1000 * time.Millisecond,
		Recovery:          1500 * time.Millisecond,
	}
}

// --------------------------------------------------------------------------
// Simulation configuration struct
// --------------------------------------------------------------------------

// NetworkKind selects the message substrate.
type NetworkKind string

const (
	NetworkSim  NetworkKind = "sim"  // deterministic discrete event simulator
	NetworkLive NetworkKind = "live" // one goroutine per node, real time
)

// Config holds all configuration parameters of a simulation run.
type Config struct {
	// Topology
	InnerCaches int
	OuterCaches int
	Clients     int
	Items       int

	// Network
	Network    NetworkKind
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Seed       int64
	Serializer string

	// Protocol timing
	Timeouts Timeouts

	// Workload
	Operations       int
	OpInterval       time.Duration
	CrashProbability float64
	MaxValue         int
	Settle           time.Duration

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// DefaultConfig returns the configuration of the reference topology:
// 2 inner caches, 4 outer caches, 8 clients and 20 items.
func DefaultConfig() Config {
	return Config{
		InnerCaches:      2,
		OuterCaches:      4,
		Clients:          8,
		Items:            20,
		Network:          NetworkSim,
		MinDelay:         time.Millisecond,
		MaxDelay:         40 * time.Millisecond,
		Seed:             1,
		Serializer:       "binary",
		Timeouts:         DefaultTimeouts(),
		Operations:       51,
		OpInterval:       250 * time.Millisecond,
		CrashProbability: 0.25,
		MaxValue:         10,
		Settle:           5 * time.Second,
		LogLevel:         "info",
	}
}

// Validate checks the configuration for values the protocol cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.InnerCaches < 1:
		return fmt.Errorf("at least one inner cache is required, got %d", c.InnerCaches)
	case c.OuterCaches < c.InnerCaches:
		return fmt.Errorf("outer caches (%d) must not be fewer than inner caches (%d)", c.OuterCaches, c.InnerCaches)
	case c.Clients < 1:
		return fmt.Errorf("at least one client is required, got %d", c.Clients)
	case c.Items < 1:
		return fmt.Errorf("at least one item is required, got %d", c.Items)
	case c.MinDelay < 0 || c.MaxDelay < c.MinDelay:
		return fmt.Errorf("invalid delay range [%s, %s]", c.MinDelay, c.MaxDelay)
	case c.CrashProbability < 0 || c.CrashProbability > 1:
		return fmt.Errorf("crash probability must be within [0, 1], got %f", c.CrashProbability)
	case c.Operations < 0 || c.MaxValue < 0:
		return fmt.Errorf("operations (%d) and max value (%d) must not be negative", c.Operations, c.MaxValue)
	case c.Network != NetworkSim && c.Network != NetworkLive:
		return fmt.Errorf("invalid network %q (expected %s or %s)", c.Network, NetworkSim, NetworkLive)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Topology")
	addField("Inner Caches", strconv.Itoa(c.InnerCaches))
	addField("Outer Caches", strconv.Itoa(c.OuterCaches))
	addField("Clients", strconv.Itoa(c.Clients))
	addField("Items", strconv.Itoa(c.Items))

	addSection("Network")
	addField("Kind", string(c.Network))
	addField("Delay", fmt.Sprintf("%s - %s", c.MinDelay, c.MaxDelay))
	addField("Seed", strconv.FormatInt(c.Seed, 10))
	if c.Network == NetworkLive {
		addField("Serializer", c.Serializer)
	}

	addSection("Timeouts")
	addField("Cache", c.Timeouts.Cache.String())
	addField("Cache Crit Write", c.Timeouts.CacheCritWrite.String())
	addField("Cache Invalidation", c.Timeouts.CacheInvalidation.String())
	addField("DB Invalidation", c.Timeouts.DBInvalidation.String())
	addField("Client", c.Timeouts.Client.String())
	addField("Client Crit Write", c.Timeouts.ClientCritWrite.String())
	addField("Recovery", c.Timeouts.Recovery.String())

	addSection("Workload")
	addField("Operations", strconv.Itoa(c.Operations))
	addField("Interval", c.OpInterval.String())
	addField("Crash Probability", strconv.FormatFloat(c.CrashProbability, 'f', 2, 64))
	addField("Max Value", strconv.Itoa(c.MaxValue))
	addField("Settle", c.Settle.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	return sb.String()
}
