package mdht

import (
	"sync/atomic"
)

// pingRefresh probes a fixed list of questionable routing table
// entries with plain pings. Responses and timeouts flow to the
// table observer, which refreshes or ages the entries; the task
// itself only counts.
type pingRefresh struct {
	t    *Task
	self Key
	obs  tableObserver

	alive atomic.Int64
}

// newPingRefresh builds a refresh task over the given nodes. The
// task target is our own ID; it only orders the probe sequence.
func newPingRefresh(rpc rpcBackend, self Key, nodes []NodeInfo, obs tableObserver) *Task {
	w := &pingRefresh{
		self: self,
		obs:  obs,
	}
	t := newTask(qPing, self, rpc)
	t.worker = w
	w.t = t
	for _, ni := range nodes {
		t.AddCandidate(ni)
	}
	return t
}

// Alive returns how many probed nodes answered.
func (w *pingRefresh) Alive() int64 {
	return w.alive.Load()
}

func (w *pingRefresh) update() {
	issued := 0
	for issued < Alpha && w.t.canDoRequest() {
		ni, ok := w.t.candidates.popClosest()
		if !ok {
			return
		}
		req := newPingQuery("", w.self)
		w.t.sendQuery(ni, qPing, req)
		issued++
	}
}

func (w *pingRefresh) callFinished(c *rpcCall, resp *krpcMessage) {
	w.alive.Add(1)
	sender, err := resp.senderID()
	if err != nil {
		return
	}
	if w.obs != nil {
		w.obs.nodeResponded(NodeInfo{ID: sender, Addr: c.dest.Addr})
	}
}

func (w *pingRefresh) callTimeout(c *rpcCall) {
	if w.obs != nil && !c.dest.ID.IsZero() {
		w.obs.nodeTimedOut(c.dest.ID)
	}
}

func (w *pingRefresh) isDone() bool {
	return false
}
