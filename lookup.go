package mdht

import (
	"net/netip"
)

// nodeLookup converges on the K nodes closest to a target by
// iterating find_node: probe the closest unvisited candidates,
// harvest the nodes each response reveals, stop once nothing in
// todo could still improve the closest-responded set.
type nodeLookup struct {
	t       *Task
	self    Key
	obs     tableObserver
	closest *closestSet
}

// newNodeLookup builds a find_node task. obs may be nil when no
// routing table wants the traffic.
func newNodeLookup(rpc rpcBackend, self, target Key, obs tableObserver) *Task {
	w := &nodeLookup{
		self:    self,
		obs:     obs,
		closest: newClosestSet(target, K),
	}
	t := newTask(qFindNode, target, rpc)
	t.worker = w
	w.t = t
	return t
}

// Closest returns the responded nodes nearest the target, best
// first. Meaningful once the task finishes; safe to call any
// time.
func (w *nodeLookup) Closest() []NodeInfo {
	return w.closest.nodes()
}

func (w *nodeLookup) update() {
	issued := 0
	for issued < Alpha && w.t.canDoRequest() {
		ni, ok := w.t.candidates.peekClosest()
		if !ok {
			return
		}
		// a candidate that cannot beat the current K best is
		// noise; burn it so todo drains and the task can end.
		if !w.closest.acceptable(ni.ID) && !w.t.isSynthetic(ni.ID) {
			w.t.candidates.dropTodo(ni.ID)
			continue
		}
		ni, ok = w.t.candidates.popClosest()
		if !ok {
			return
		}
		req := newFindNodeQuery("", w.self, w.t.target)
		w.t.sendQuery(ni, qFindNode, req)
		issued++
	}
}

func (w *nodeLookup) callFinished(c *rpcCall, resp *krpcMessage) {
	sender, err := resp.senderID()
	if err != nil {
		return
	}
	responder := NodeInfo{ID: sender, Addr: c.dest.Addr}
	w.closest.insert(responder)
	if w.obs != nil {
		w.obs.nodeResponded(responder)
	}
	nodes, err := decodeCompactNodes(resp.R.Nodes)
	if err != nil {
		//vv("bad nodes from %v: %v", c.dest.Addr, err)
		return
	}
	for _, ni := range nodes {
		if ni.ID == w.self || !validCandidateAddr(ni.Addr) {
			continue
		}
		w.t.AddCandidate(ni)
	}
}

func (w *nodeLookup) callTimeout(c *rpcCall) {
	if w.obs != nil && !c.dest.ID.IsZero() {
		w.obs.nodeTimedOut(c.dest.ID)
	}
}

func (w *nodeLookup) isDone() bool {
	return false
}

// validCandidateAddr rejects endpoints nobody should be told to
// query: unspecified, multicast, or port zero.
func validCandidateAddr(ap netip.AddrPort) bool {
	if ap.Port() == 0 {
		return false
	}
	a := ap.Addr()
	if !a.IsValid() || a.IsUnspecified() || a.IsMulticast() {
		return false
	}
	return true
}
