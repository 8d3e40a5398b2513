// Package mdht is a lookup-oriented client for the BitTorrent
// Mainline DHT (Kademlia over UDP, bencoded KRPC messages).
//
// The center of the package is the Task engine. A Task owns the
// iterative machinery every DHT operation shares: three
// distance-ordered candidate partitions (todo, in-flight,
// stalled), a visited index keyed by both node ID and IP, slot
// accounting with a soft-stall escape hatch, and a single-shot
// finished transition with listener delivery. The per-operation
// policy (find_node, get_peers, announce_peer, ping) plugs in as
// a taskWorker.
//
// Call accounting is the part worth reading twice. Each task
// tracks two gauges: outstanding, the calls truly in flight, and
// outstandingExcludingStalled, which is what request admission
// checks. When a call exceeds the adaptive stall threshold (p90
// of observed RTTs) the task regains that admission slot while
// the call itself lives on until its hard deadline, so a slow
// node costs a lookup almost nothing and a dead node exactly one
// hard timeout.
//
// The usual flow:
//
//	cfg := &mdht.Config{PersistPath: "table.mdht"}
//	d, err := mdht.NewDHT(cfg)
//	...
//	d.Start()
//	defer d.Stop()
//	boot, err := d.Bootstrap()
//	...
//	boot.Await(ctx)
//	pl := d.GetPeers(infohash)
//	pl.Await(ctx)
//	peers := pl.Peers()
//
// The rpcServer underneath multiplexes every task over one UDP
// socket, correlates replies by transaction id, and answers
// inbound queries so the node is a well-behaved DHT citizen
// (ping, find_node, get_peers with announce tokens, and
// announce_peer into a bounded peer store).
package mdht
