package mdht

import (
	"fmt"
	"time"
)

// Protocol constants. These follow the values the deployed
// Mainline network has converged on; changing them changes how
// well lookups converge against real peers, so they are constants
// rather than knobs.
const (
	// K is the bucket width and the number of closest nodes a
	// lookup converges on.
	K = 8

	// Alpha bounds how many new probes one scheduling pass of a
	// task may issue.
	Alpha = 3

	// MaxConcurrentRequests caps useful in-flight calls per task.
	// Stalled calls stop counting against it so a slow node
	// cannot wedge a lookup.
	MaxConcurrentRequests = 10
)

// Config carries the per-node tunables. Zero fields are filled
// in by fillDefaults, so Config{} is a working starting point.
type Config struct {
	// ListenAddr is the UDP host:port to bind. Empty means
	// ":0", an ephemeral port.
	ListenAddr string

	// NodeID to use. Zero means generate a fresh random one
	// (or reuse the persisted one, if a table file loads).
	NodeID Key

	// MaxActiveTasks is how many tasks may run at once; the
	// rest queue FIFO in the task manager.
	MaxActiveTasks int

	// MaxActiveCalls caps in-flight calls across all tasks.
	// When the server is at the cap, rpcCall admission refuses
	// and the task re-arms via onDeclog.
	MaxActiveCalls int

	// StallFloor and StallCeiling clamp the adaptive soft-stall
	// deadline derived from observed RTT quantiles.
	StallFloor   time.Duration
	StallCeiling time.Duration

	// HardTimeout is the fixed hard deadline after which a call
	// without a response is failed.
	HardTimeout time.Duration

	// TargetPeers is when a get-peers lookup may stop early.
	TargetPeers int

	// BootstrapHosts are "host:port" seeds used when the
	// routing table cannot seed a lookup by itself.
	BootstrapHosts []string

	// PersistPath is where the routing table is saved between
	// runs. Empty disables persistence.
	PersistPath string

	// PersistCompression selects the table file compression:
	// "zstd" (default), "lz4", or "none".
	PersistCompression string
}

// defaultBootstrapHosts are the long-lived public routers.
var defaultBootstrapHosts = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

func (c *Config) fillDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.NodeID.IsZero() {
		c.NodeID = RandomKey()
	}
	if c.MaxActiveTasks == 0 {
		c.MaxActiveTasks = 7
	}
	if c.MaxActiveCalls == 0 {
		c.MaxActiveCalls = 256
	}
	if c.StallFloor == 0 {
		c.StallFloor = 1 * time.Second
	}
	if c.StallCeiling == 0 {
		c.StallCeiling = 5 * time.Second
	}
	if c.HardTimeout == 0 {
		c.HardTimeout = 10 * time.Second
	}
	if c.TargetPeers == 0 {
		c.TargetPeers = 50
	}
	if len(c.BootstrapHosts) == 0 {
		c.BootstrapHosts = append([]string{}, defaultBootstrapHosts...)
	}
	if c.PersistCompression == "" {
		c.PersistCompression = "zstd"
	}
}

func (c *Config) validate() error {
	if c.MaxActiveTasks < 1 {
		return fmt.Errorf("Config.MaxActiveTasks must be >= 1, got %v", c.MaxActiveTasks)
	}
	if c.MaxActiveCalls < MaxConcurrentRequests {
		return fmt.Errorf("Config.MaxActiveCalls (%v) must be >= MaxConcurrentRequests (%v)",
			c.MaxActiveCalls, MaxConcurrentRequests)
	}
	if c.StallCeiling < c.StallFloor {
		return fmt.Errorf("Config.StallCeiling (%v) below StallFloor (%v)", c.StallCeiling, c.StallFloor)
	}
	if c.HardTimeout < c.StallCeiling {
		return fmt.Errorf("Config.HardTimeout (%v) below StallCeiling (%v)", c.HardTimeout, c.StallCeiling)
	}
	switch c.PersistCompression {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("Config.PersistCompression '%v' not one of zstd, lz4, none", c.PersistCompression)
	}
	return nil
}
