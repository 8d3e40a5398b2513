package mdht

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// DHT owns one UDP node: socket and server, routing table,
// inbound query handler, task manager. All lookup entry points
// return a *Task (wrapped with a result accessor) that the
// caller can await or listen on.
type DHT struct {
	cfg  *Config
	self Key

	halt  *idem.Halter
	srv   *rpcServer
	table *routingTable
	node  *node
	mgr   *taskManager
	boot  *bootstrapper

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDHT binds the socket but starts no goroutines; call Start.
func NewDHT(cfg *Config) (*DHT, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	// a persisted table also persists our node ID, so buckets
	// stay meaningful across restarts.
	var snap *tableSnapshot
	if cfg.NodeID.IsZero() && cfg.PersistPath != "" {
		if s, err := loadTable(cfg.PersistPath); err == nil {
			snap = s
			cfg.NodeID = s.NodeID
		} else if !os.IsNotExist(err) {
			alwaysPrintf("ignoring unreadable table file '%v': %v", cfg.PersistPath, err)
		}
	}

	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	halt := idem.NewHalter()
	srv, err := newRpcServer(cfg, cfg.NodeID, halt)
	if err != nil {
		return nil, err
	}

	d := &DHT{
		cfg:   cfg,
		self:  cfg.NodeID,
		halt:  halt,
		srv:   srv,
		table: newRoutingTable(cfg.NodeID),
		mgr:   newTaskManager(cfg.MaxActiveTasks, halt),
	}
	d.node = newNode(d.self, d.table)
	d.srv.setQueryHandler(d.node)
	d.boot = newBootstrapper(cfg, d.self, d.srv, d.table, d.mgr)

	if snap != nil {
		n := restoreTable(snap, d.table)
		pp("restored %v table entries from '%v'", n, cfg.PersistPath)
	}
	return d, nil
}

func (d *DHT) Self() Key            { return d.self }
func (d *DHT) Addr() netip.AddrPort { return d.srv.localAddr() }
func (d *DHT) NumTableEntries() int { return d.table.numEntries() }
func (d *DHT) Stats() ServerStats   { return d.srv.stats() }

// Start launches the server loops and the maintenance loop.
func (d *DHT) Start() {
	d.startOnce.Do(func() {
		d.srv.start()
		go d.maintLoop()
	})
}

// Stop kills every task, stops the server, and saves the table.
func (d *DHT) Stop() {
	d.stopOnce.Do(func() {
		d.mgr.killAll()
		d.srv.stop()
		if d.cfg.PersistPath != "" {
			err := saveTable(d.cfg.PersistPath, d.cfg.PersistCompression, d.self, d.table)
			if err != nil {
				alwaysPrintf("could not save table to '%v': %v", d.cfg.PersistPath, err)
			}
		}
	})
}

// Bootstrap runs the self lookup that fills an empty table.
func (d *DHT) Bootstrap() (*Task, error) {
	return d.boot.run()
}

// BootstrapNeeded reports whether the table is still too thin to
// seed lookups on its own.
func (d *DHT) BootstrapNeeded() bool {
	return d.boot.needed()
}

// NodeLookup is a find_node task plus access to its result.
type NodeLookup struct {
	*Task
	w *nodeLookup
}

// Closest returns the K responded nodes nearest the target.
func (n *NodeLookup) Closest() []NodeInfo { return n.w.Closest() }

// FindNode starts an iterative lookup for the K nodes closest to
// target, seeded from the routing table.
func (d *DHT) FindNode(target Key) *NodeLookup {
	t := newNodeLookup(d.srv, d.self, target, d.table)
	d.seed(t, target)
	d.mgr.addTask(t)
	return &NodeLookup{Task: t, w: t.worker.(*nodeLookup)}
}

// PeerLookup is a get_peers task plus access to its results.
type PeerLookup struct {
	*Task
	w *peerLookup
}

// Peers returns the unique peer endpoints collected so far.
func (p *PeerLookup) Peers() []netip.AddrPort { return p.w.Peers() }

// NumPeers is the count of unique peers collected so far.
func (p *PeerLookup) NumPeers() int { return p.w.numPeers() }

// GetPeers starts a get_peers lookup for infohash. The task may
// finish early once the configured target peer count is reached.
func (d *DHT) GetPeers(infohash Key) *PeerLookup {
	t := newPeerLookup(d.srv, d.self, infohash, d.cfg.TargetPeers, d.table)
	d.seed(t, infohash)
	d.mgr.addTask(t)
	return &PeerLookup{Task: t, w: t.worker.(*peerLookup)}
}

// AnnounceTask is an announce_peer task plus its confirmations.
type AnnounceTask struct {
	*Task
	w *announceTask
}

// Confirmed returns how many nodes acknowledged the announce.
func (a *AnnounceTask) Confirmed() int64 { return a.w.Confirmed() }

// Announce follows a finished peer lookup with announce_peer to
// the closest nodes that handed us tokens. port 0 plus implied
// announces the UDP source port.
func (d *DHT) Announce(p *PeerLookup, port int, implied bool) (*AnnounceTask, error) {
	if !p.IsFinished() {
		return nil, fmt.Errorf("Announce: peer lookup still running")
	}
	targets := p.w.announceTargets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("Announce: no nodes returned tokens for %v", p.Target().Short())
	}
	t := newAnnounceTask(d.srv, d.self, p.Target(), targets, port, implied, d.table)
	d.mgr.addTask(t)
	return &AnnounceTask{Task: t, w: t.worker.(*announceTask)}, nil
}

// PingTask probes a fixed node list for liveness.
type PingTask struct {
	*Task
	w *pingRefresh
}

// Alive returns how many probed nodes answered.
func (p *PingTask) Alive() int64 { return p.w.Alive() }

// Ping probes the given nodes.
func (d *DHT) Ping(nodes []NodeInfo) *PingTask {
	t := newPingRefresh(d.srv, d.self, nodes, d.table)
	d.mgr.addTask(t)
	return &PingTask{Task: t, w: t.worker.(*pingRefresh)}
}

func (d *DHT) seed(t *Task, target Key) {
	for _, ni := range d.table.closest(2*K, target) {
		t.AddCandidate(ni)
	}
	if t.candidates.todoLen() > 0 {
		return
	}
	// empty table. fall back to the router seeds directly so a
	// lookup fired before bootstrap still has a chance.
	for _, host := range d.cfg.BootstrapHosts {
		aps, err := resolveHost(host)
		if err != nil {
			continue
		}
		for _, ap := range aps {
			t.AddSeedAddr(ap)
		}
	}
}

const maintEvery = 5 * time.Minute

// maintLoop pings questionable entries, re-bootstraps while the
// table holds fewer than minUsefulTableSize entries, and
// checkpoints the table file.
func (d *DHT) maintLoop() {
	tick := time.NewTicker(maintEvery)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if d.boot.needed() {
				_, err := d.boot.run()
				if err != nil {
					//vv("re-bootstrap: %v", err)
				}
			}
			if q := d.table.questionable(3 * K); len(q) > 0 {
				d.Ping(q)
			}
			if d.cfg.PersistPath != "" {
				err := saveTable(d.cfg.PersistPath, d.cfg.PersistCompression, d.self, d.table)
				if err != nil {
					alwaysPrintf("table checkpoint to '%v' failed: %v", d.cfg.PersistPath, err)
				}
			}
		case <-d.halt.ReqStop.Chan:
			return
		}
	}
}

// Await blocks until the task finishes or ctx ends.
func (t *Task) Await(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	t.AddListener(TaskListenerFunc(func(*Task) {
		once.Do(func() { close(done) })
	}))
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
