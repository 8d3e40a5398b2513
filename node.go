package mdht

import (
	"net/netip"
	"sync"
)

// maxStoredPeersPerHash bounds the per-infohash peer store so a
// hostile announcer cannot balloon our memory.
const maxStoredPeersPerHash = 512

// peerStore keeps the peers announced to us, per infohash.
// Re-announcing an endpoint is a no-op even when the infohash
// is at its cap.
type peerStore struct {
	mut    sync.Mutex
	byHash map[Key]map[netip.AddrPort]bool
}

func newPeerStore() *peerStore {
	return &peerStore{byHash: make(map[Key]map[netip.AddrPort]bool)}
}

func (ps *peerStore) addPeer(infohash Key, ap netip.AddrPort) {
	ps.mut.Lock()
	defer ps.mut.Unlock()
	set := ps.byHash[infohash]
	if set == nil {
		set = make(map[netip.AddrPort]bool)
		ps.byHash[infohash] = set
	}
	if !set[ap] && len(set) >= maxStoredPeersPerHash {
		return
	}
	set[ap] = true
}

func (ps *peerStore) peersFor(infohash Key, limit int) (r []netip.AddrPort) {
	ps.mut.Lock()
	defer ps.mut.Unlock()
	for ap := range ps.byHash[infohash] {
		r = append(r, ap)
		if len(r) >= limit {
			break
		}
	}
	return
}

// node is the server half of the protocol: it answers the
// queries other nodes send us, using the routing table for
// find_node, the peer store and token manager for get_peers and
// announce_peer. Every well-formed query also feeds the sender
// into the routing table, the cheapest source of fresh entries
// we have.
type node struct {
	self   Key
	table  *routingTable
	tokens *tokenManager
	peers  *peerStore
}

func newNode(self Key, table *routingTable) *node {
	return &node{
		self:   self,
		table:  table,
		tokens: newTokenManager(),
		peers:  newPeerStore(),
	}
}

func (n *node) handleQuery(from netip.AddrPort, m *krpcMessage) *krpcMessage {
	sender, err := m.senderID()
	if err != nil || sender == n.self {
		return newErrorReply(m.T, errCodeProtocol, "bad sender id")
	}
	n.table.nodeResponded(NodeInfo{ID: sender, Addr: from})

	switch m.Q {
	case qPing:
		return newResponse(m.T, n.self)

	case qFindNode:
		target, err := KeyFromBytes([]byte(m.A.Target))
		if err != nil {
			return newErrorReply(m.T, errCodeProtocol, "bad target")
		}
		r := newResponse(m.T, n.self)
		r.R.Nodes = encodeCompactNodes(n.table.closest(K, target))
		return r

	case qGetPeers:
		infohash, err := KeyFromBytes([]byte(m.A.InfoHash))
		if err != nil {
			return newErrorReply(m.T, errCodeProtocol, "bad info_hash")
		}
		r := newResponse(m.T, n.self)
		r.R.Token = n.tokens.generate(from)
		for _, ap := range n.peers.peersFor(infohash, 50) {
			r.R.Values = append(r.R.Values, encodeCompactPeer(ap))
		}
		if len(r.R.Values) == 0 {
			r.R.Nodes = encodeCompactNodes(n.table.closest(K, infohash))
		}
		return r

	case qAnnouncePeer:
		infohash, err := KeyFromBytes([]byte(m.A.InfoHash))
		if err != nil {
			return newErrorReply(m.T, errCodeProtocol, "bad info_hash")
		}
		if !n.tokens.validate(from, m.A.Token) {
			return newErrorReply(m.T, errCodeProtocol, "bad token")
		}
		port := uint16(m.A.Port)
		if m.A.ImpliedPort != 0 || port == 0 {
			port = from.Port()
		}
		n.peers.addPeer(infohash, netip.AddrPortFrom(from.Addr(), port))
		return newResponse(m.T, n.self)
	}

	return newErrorReply(m.T, errCodeMethodUnknown, "method unknown")
}
