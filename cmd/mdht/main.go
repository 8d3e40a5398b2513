package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/apoorvam/goterminal"
	"github.com/glycerine/base58"
	"github.com/glycerine/ipaddr"
	"github.com/glycerine/mdht"
)

// node IDs get a version byte so a pasted base58 string from some
// other tool cannot be mistaken for one of ours.
const nodeIDVersionByte = 0x6d // 'm'

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var listen = flag.String("listen", ":0", "UDP host:port to bind")
	var tablePath = flag.String("table", "mdht.table", "routing table save file; empty disables persistence")
	var compression = flag.String("compress", "zstd", "table file compression: zstd, lz4, none")
	var findNode = flag.Bool("findnode", false, "treat args as node IDs and find the closest nodes, instead of fetching peers")
	var announce = flag.Bool("announce", false, "after fetching peers, announce ourselves for each infohash")
	var port = flag.Int("port", 0, "port to announce; 0 means announce our UDP source port")
	var wait = flag.Duration("wait", 3*time.Minute, "overall deadline for all lookups")
	var quiet = flag.Bool("quiet", false, "no live progress display")
	flag.Parse()

	// keep only plausible 40 hex character arguments, the way a
	// torrent tool takes a mixed argument list.
	var targets []mdht.Key
	for _, arg := range flag.Args() {
		k, err := mdht.KeyFromHex(arg)
		if err != nil {
			log.Printf("skipping argument '%v': %v", arg, err)
			continue
		}
		targets = append(targets, k)
	}
	if len(targets) == 0 {
		log.Printf("usage: mdht [flags] <40-hex-infohash> [more infohashes]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	hostIP := ipaddr.GetExternalIP() // e.g. 100.x.x.x
	log.Printf("external IP appears to be %v", hostIP)

	cfg := &mdht.Config{
		ListenAddr:         *listen,
		PersistPath:        *tablePath,
		PersistCompression: *compression,
	}
	d, err := mdht.NewDHT(cfg)
	if err != nil {
		log.Printf("bad config: '%v'", err)
		os.Exit(1)
	}
	d.Start()
	defer d.Stop()
	self := d.Self()
	log.Printf("node %v (%v) listening on %v",
		self, base58.CheckEncode(self[:], nodeIDVersionByte), d.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	if d.BootstrapNeeded() {
		boot, err := d.Bootstrap()
		if err != nil {
			log.Printf("bootstrap: %v", err)
			os.Exit(1)
		}
		if err := boot.Await(ctx); err != nil {
			log.Printf("bootstrap did not finish: %v", err)
			os.Exit(1)
		}
		log.Printf("bootstrap done: %v table entries", d.NumTableEntries())
	}

	var writer *goterminal.Writer
	if !*quiet {
		writer = goterminal.New(os.Stdout)
	}

	if *findNode {
		os.Exit(runFindNode(ctx, d, targets, writer))
	}
	os.Exit(runGetPeers(ctx, d, targets, writer, *announce, *port))
}

func runFindNode(ctx context.Context, d *mdht.DHT, targets []mdht.Key, writer *goterminal.Writer) int {
	var lookups []*mdht.NodeLookup
	for _, k := range targets {
		lookups = append(lookups, d.FindNode(k))
	}

	ok := 0
	for i, nl := range lookups {
		if err := awaitWithProgress(ctx, nl.Task, writer); err != nil {
			log.Printf("lookup %v/%v for %v: %v", i+1, len(lookups), nl.Target(), err)
			continue
		}
		closest := nl.Closest()
		fmt.Printf("%v closest to %v:\n", len(closest), nl.Target())
		for _, ni := range closest {
			fmt.Printf("  %v\n", ni)
		}
		if len(closest) > 0 {
			ok++
		}
	}
	fmt.Printf("%v/%v lookups successful\n", ok, len(lookups))
	if ok < len(lookups) {
		return 1
	}
	return 0
}

func runGetPeers(ctx context.Context, d *mdht.DHT, targets []mdht.Key, writer *goterminal.Writer, announce bool, port int) int {
	var lookups []*mdht.PeerLookup
	for _, k := range targets {
		lookups = append(lookups, d.GetPeers(k))
	}

	ok := 0
	for i, pl := range lookups {
		if err := awaitWithProgress(ctx, pl.Task, writer); err != nil {
			log.Printf("lookup %v/%v for %v: %v", i+1, len(lookups), pl.Target(), err)
			continue
		}
		peers := pl.Peers()
		fmt.Printf("%v peers for %v:\n", len(peers), pl.Target())
		for _, ap := range peers {
			fmt.Printf("  %v\n", ap)
		}
		if len(peers) > 0 {
			ok++
		}
		if announce {
			at, err := d.Announce(pl, port, port == 0)
			if err != nil {
				log.Printf("announce for %v: %v", pl.Target(), err)
				continue
			}
			if err := at.Await(ctx); err == nil {
				fmt.Printf("announce confirmed by %v nodes\n", at.Confirmed())
			}
		}
	}
	fmt.Printf("%v/%v lookups successful\n", ok, len(lookups))
	if ok < len(lookups) {
		return 1
	}
	return 0
}

// awaitWithProgress redraws a one-line task status twice a second
// until the task finishes.
func awaitWithProgress(ctx context.Context, t *mdht.Task, writer *goterminal.Writer) error {
	if writer == nil {
		return t.Await(ctx)
	}
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	done := make(chan error, 1)
	go func() { done <- t.Await(ctx) }()
	for {
		select {
		case err := <-done:
			writer.Reset()
			return err
		case <-tick.C:
			fmt.Fprintf(writer, "%v %v: sent %v recv %v failed %v outstanding %v\n",
				t.Kind(), t.Target(), t.Sent(), t.Recv(), t.Failed(), t.Outstanding())
			writer.Print()
			writer.Clear()
		}
	}
}
