package mdht

import (
	"net/netip"
	"sync"
)

// announceTarget is a node that returned an announce token during
// a get_peers lookup, paired with that token.
type announceTarget struct {
	node  NodeInfo
	token string
}

// peerLookup walks toward an infohash with get_peers, collecting
// peer endpoints from the "values" payloads along the way. Nodes
// that answer with a token are remembered as announce targets.
// The lookup may end early once enough peers are in hand.
type peerLookup struct {
	t       *Task
	self    Key
	obs     tableObserver
	closest *closestSet

	// targetPeers 0 means collect until convergence.
	targetPeers int

	mut    sync.Mutex
	peers  map[netip.AddrPort]bool
	tokens map[Key]announceTarget
}

func newPeerLookup(rpc rpcBackend, self, infohash Key, targetPeers int, obs tableObserver) *Task {
	w := &peerLookup{
		self:        self,
		obs:         obs,
		closest:     newClosestSet(infohash, K),
		targetPeers: targetPeers,
		peers:       make(map[netip.AddrPort]bool),
		tokens:      make(map[Key]announceTarget),
	}
	t := newTask(qGetPeers, infohash, rpc)
	t.worker = w
	w.t = t
	return t
}

// Peers returns the unique peer endpoints collected so far.
func (w *peerLookup) Peers() (r []netip.AddrPort) {
	w.mut.Lock()
	defer w.mut.Unlock()
	for ap := range w.peers {
		r = append(r, ap)
	}
	return
}

func (w *peerLookup) numPeers() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return len(w.peers)
}

// announceTargets returns the closest responders that handed us
// a token, nearest the infohash first, capped at K. These are
// the nodes an announce task should talk to.
func (w *peerLookup) announceTargets() (r []announceTarget) {
	w.mut.Lock()
	defer w.mut.Unlock()
	set := newDistSet(w.t.target)
	for id := range w.tokens {
		set.add(NodeInfo{ID: id})
	}
	for _, ni := range set.head(K) {
		r = append(r, w.tokens[ni.ID])
	}
	return
}

func (w *peerLookup) update() {
	issued := 0
	for issued < Alpha && w.t.canDoRequest() {
		ni, ok := w.t.candidates.peekClosest()
		if !ok {
			return
		}
		if !w.closest.acceptable(ni.ID) && !w.t.isSynthetic(ni.ID) {
			w.t.candidates.dropTodo(ni.ID)
			continue
		}
		ni, ok = w.t.candidates.popClosest()
		if !ok {
			return
		}
		req := newGetPeersQuery("", w.self, w.t.target)
		w.t.sendQuery(ni, qGetPeers, req)
		issued++
	}
}

func (w *peerLookup) callFinished(c *rpcCall, resp *krpcMessage) {
	sender, err := resp.senderID()
	if err != nil {
		return
	}
	responder := NodeInfo{ID: sender, Addr: c.dest.Addr}
	w.closest.insert(responder)
	if w.obs != nil {
		w.obs.nodeResponded(responder)
	}

	if resp.R.Token != "" {
		w.mut.Lock()
		w.tokens[sender] = announceTarget{node: responder, token: resp.R.Token}
		w.mut.Unlock()
	}

	for _, v := range resp.R.Values {
		ap, err := decodeCompactPeer(v)
		if err != nil || !validCandidateAddr(ap) {
			continue
		}
		w.mut.Lock()
		w.peers[ap] = true
		w.mut.Unlock()
	}

	nodes, err := decodeCompactNodes(resp.R.Nodes)
	if err != nil {
		return
	}
	for _, ni := range nodes {
		if ni.ID == w.self || !validCandidateAddr(ni.Addr) {
			continue
		}
		w.t.AddCandidate(ni)
	}
}

func (w *peerLookup) callTimeout(c *rpcCall) {
	if w.obs != nil && !c.dest.ID.IsZero() {
		w.obs.nodeTimedOut(c.dest.ID)
	}
}

// isDone: enough peers collected. Convergence with too few peers
// ends through the base no-work-left rule instead.
func (w *peerLookup) isDone() bool {
	return w.targetPeers > 0 && w.numPeers() >= w.targetPeers
}
