package mdht

import (
	"sync"
	"sync/atomic"
)

// announceTask tells the token-holding nodes found by a peer
// lookup that we are a peer for the infohash. No iteration here:
// the target list is fixed at construction, one announce_peer
// each, done when they have all resolved.
type announceTask struct {
	t    *Task
	self Key
	obs  tableObserver

	port    int
	implied bool

	mut     sync.Mutex
	tokens  map[Key]string
	confirm atomic.Int64
}

// newAnnounceTask builds the follow-up task for a finished peer
// lookup. port is what we advertise; implied asks responders to
// use our observed UDP source port instead.
func newAnnounceTask(rpc rpcBackend, self, infohash Key, targets []announceTarget,
	port int, implied bool, obs tableObserver) *Task {

	w := &announceTask{
		self:    self,
		obs:     obs,
		port:    port,
		implied: implied,
		tokens:  make(map[Key]string),
	}
	t := newTask(qAnnouncePeer, infohash, rpc)
	t.worker = w
	w.t = t
	for _, at := range targets {
		w.tokens[at.node.ID] = at.token
		t.AddCandidate(at.node)
	}
	return t
}

// Confirmed returns how many nodes acknowledged the announce.
func (w *announceTask) Confirmed() int64 {
	return w.confirm.Load()
}

func (w *announceTask) tokenFor(id Key) string {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.tokens[id]
}

func (w *announceTask) update() {
	issued := 0
	for issued < Alpha && w.t.canDoRequest() {
		ni, ok := w.t.candidates.popClosest()
		if !ok {
			return
		}
		tok := w.tokenFor(ni.ID)
		if tok == "" {
			continue
		}
		req := newAnnounceQuery("", w.self, w.t.target, w.port, tok, w.implied)
		w.t.sendQuery(ni, qAnnouncePeer, req)
		issued++
	}
}

func (w *announceTask) callFinished(c *rpcCall, resp *krpcMessage) {
	w.confirm.Add(1)
	sender, err := resp.senderID()
	if err != nil {
		return
	}
	if w.obs != nil {
		w.obs.nodeResponded(NodeInfo{ID: sender, Addr: c.dest.Addr})
	}
}

func (w *announceTask) callTimeout(c *rpcCall) {
	if w.obs != nil && !c.dest.ID.IsZero() {
		w.obs.nodeTimedOut(c.dest.ID)
	}
}

func (w *announceTask) isDone() bool {
	return false
}
