package mdht

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

func parseAddrPort(s string) (netip.AddrPort, error) {
	return netip.ParseAddrPort(s)
}

// resolveHost turns a "host:port" string into UDP endpoints,
// resolving DNS names. Only IPv4 results are kept since that is
// what our compact wire encoding speaks.
func resolveHost(hostport string) (r []netip.AddrPort, err error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("resolveHost: bad '%v': %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("resolveHost: bad port in '%v'", hostport)
	}
	if ip, err2 := netip.ParseAddr(host); err2 == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), uint16(port))}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolveHost: lookup '%v': %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			a, ok := netip.AddrFromSlice(v4)
			if ok {
				r = append(r, netip.AddrPortFrom(a, uint16(port)))
			}
		}
	}
	if len(r) == 0 {
		err = fmt.Errorf("resolveHost: no IPv4 address for '%v'", host)
	}
	return
}

// minUsefulTableSize is when we consider the table seeded well
// enough that lookups no longer need router seeds.
const minUsefulTableSize = K

// bootstrapper fills an empty routing table by running a lookup
// for our own ID seeded with the configured router hosts. The
// self lookup is the standard trick: its responses populate the
// buckets nearest us, which is exactly where table density pays.
type bootstrapper struct {
	cfg   *Config
	self  Key
	rpc   rpcBackend
	table *routingTable
	mgr   *taskManager
}

func newBootstrapper(cfg *Config, self Key, rpc rpcBackend, table *routingTable, mgr *taskManager) *bootstrapper {
	return &bootstrapper{
		cfg:   cfg,
		self:  self,
		rpc:   rpc,
		table: table,
		mgr:   mgr,
	}
}

// needed reports whether the table is too thin to seed lookups.
func (b *bootstrapper) needed() bool {
	return b.table.numEntries() < minUsefulTableSize
}

// run launches the self lookup and returns the task. Router
// hosts that fail to resolve are skipped; we only error when no
// seed at all could be found.
func (b *bootstrapper) run() (*Task, error) {
	t := newNodeLookup(b.rpc, b.self, b.self, b.table)

	seeded := 0
	for _, ni := range b.table.closest(2*K, b.self) {
		if t.AddCandidate(ni) {
			seeded++
		}
	}
	if seeded == 0 {
		for _, host := range b.cfg.BootstrapHosts {
			aps, err := resolveHost(host)
			if err != nil {
				//vv("bootstrap host %v: %v", host, err)
				continue
			}
			for _, ap := range aps {
				if t.AddSeedAddr(ap) {
					seeded++
				}
			}
		}
	}
	if seeded == 0 {
		return nil, fmt.Errorf("bootstrap: no seed nodes available")
	}
	b.mgr.addTask(t)
	return t, nil
}
