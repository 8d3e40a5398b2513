package mdht

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// TaskListener is notified when a task reaches its terminal
// state. A listener added after the task already finished is
// notified synchronously from AddListener.
type TaskListener interface {
	TaskFinished(t *Task)
}

// TaskListenerFunc adapts a func to the TaskListener interface.
type TaskListenerFunc func(t *Task)

func (f TaskListenerFunc) TaskFinished(t *Task) { f(t) }

// taskWorker is the policy half of a task: the base Task owns
// slots, counters, candidate partitions, and the terminal state;
// the worker decides which nodes to probe and what responses
// mean. Hooks run without the task monitor held, and a panic in
// a hook is logged and contained rather than taking down the
// scheduling loop.
type taskWorker interface {
	// update may issue new probes, bounded by Alpha per pass.
	update()

	// callFinished processes the payload of a response. It runs
	// before the slot gauges are decremented.
	callFinished(c *rpcCall, resp *krpcMessage)

	// callTimeout reacts to a hard timeout. It runs after the
	// slot gauges are decremented.
	callTimeout(c *rpcCall)

	// isDone reports whether the task goal has been met beyond
	// the base no-work-left condition.
	isDone() bool
}

// Task drives one iterative operation against the DHT: it owns
// the candidate partitions, the in-flight slot accounting, the
// listener list, and the queued/running/finished lifecycle. The
// concrete behavior (find_node, get_peers, announce, ping) is
// delegated to a taskWorker.
//
// State only moves forward: queued, then running, then finished.
// finished() is single shot; everything downstream of it may
// assume it happens once. kill() is finished() plus a pinned
// finishTime of -1, recorded before the flag flips so observers
// that see finished==true on a killed task never read a real
// timestamp.
type Task struct {
	id     int64
	kind   string
	target Key

	rpc        rpcBackend
	worker     taskWorker
	candidates *candidateSet

	mgr *taskManager

	mut       sync.Mutex
	running   bool
	finFlag   atomic.Bool
	listeners []TaskListener

	// synthetic candidate IDs assigned to seed nodes whose real
	// ID we do not know yet. guarded by mut.
	synthetic map[Key]bool

	// outstanding counts calls in flight including stalled ones;
	// outstandingExcludingStalled is what admission checks
	// against, so a stalled node frees its slot early without
	// being forgotten.
	outstanding                 atomic.Int64
	outstandingExcludingStalled atomic.Int64

	sentCount atomic.Int64
	recvCount atomic.Int64
	failCount atomic.Int64

	// unix milliseconds. zero means not yet; finishTime -1 means
	// the task was killed.
	startTime       atomic.Int64
	firstResultTime atomic.Int64
	finishTime      atomic.Int64
}

func newTask(kind string, target Key, rpc rpcBackend) *Task {
	return &Task{
		kind:       kind,
		target:     target,
		rpc:        rpc,
		candidates: newCandidateSet(target),
		synthetic:  make(map[Key]bool),
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("task %v (%v -> %v) sent:%v recv:%v failed:%v out:%v",
		t.id, t.kind, t.target.Short(), t.sentCount.Load(), t.recvCount.Load(),
		t.failCount.Load(), t.outstanding.Load())
}

func (t *Task) ID() int64   { return t.id }
func (t *Task) Kind() string { return t.kind }
func (t *Task) Target() Key { return t.target }

func (t *Task) Sent() int64   { return t.sentCount.Load() }
func (t *Task) Recv() int64   { return t.recvCount.Load() }
func (t *Task) Failed() int64 { return t.failCount.Load() }

func (t *Task) Outstanding() int64 { return t.outstanding.Load() }
func (t *Task) OutstandingExcludingStalled() int64 {
	return t.outstandingExcludingStalled.Load()
}

func (t *Task) StartTime() int64       { return t.startTime.Load() }
func (t *Task) FirstResultTime() int64 { return t.firstResultTime.Load() }
func (t *Task) FinishTime() int64      { return t.finishTime.Load() }

// IsFinished reports whether the task reached its terminal state,
// by completion or by kill.
func (t *Task) IsFinished() bool { return t.finFlag.Load() }

// Killed reports whether the terminal state was forced by kill.
func (t *Task) Killed() bool { return t.finishTime.Load() == -1 }

func (t *Task) isQueued() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return !t.running && !t.finFlag.Load()
}

// AddListener registers l for the finish notification. If the
// task has already finished, l fires synchronously, right here.
func (t *Task) AddListener(l TaskListener) {
	t.mut.Lock()
	t.listeners = append(t.listeners, l)
	fin := t.finFlag.Load()
	t.mut.Unlock()
	if fin {
		l.TaskFinished(t)
	}
}

// RemoveListener drops a previously added listener.
func (t *Task) RemoveListener(l TaskListener) {
	t.mut.Lock()
	defer t.mut.Unlock()
	for i, have := range t.listeners {
		if have == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// AddCandidate offers a discovered node to the todo partition.
func (t *Task) AddCandidate(ni NodeInfo) bool {
	return t.candidates.addCandidate(ni)
}

// AddSeedAddr offers a node known only by address, like a
// bootstrap router. It is filed under a random placeholder key
// and queried without a responder expectation; the real ID is
// learned from whatever answers.
func (t *Task) AddSeedAddr(ap netip.AddrPort) bool {
	ni := NodeInfo{ID: RandomKey(), Addr: ap}
	if !t.candidates.addCandidate(ni) {
		return false
	}
	t.mut.Lock()
	t.synthetic[ni.ID] = true
	t.mut.Unlock()
	return true
}

func (t *Task) isSynthetic(id Key) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.synthetic[id]
}

// start moves a queued task to running. Called by the manager;
// a task that was killed while still queued stays finished.
func (t *Task) start() {
	t.mut.Lock()
	if t.running || t.finFlag.Load() {
		t.mut.Unlock()
		return
	}
	t.running = true
	t.mut.Unlock()
	t.startTime.Store(time.Now().UnixMilli())
	t.runTick()
}

// Kill forces the terminal state. The finishTime pin to -1
// happens before finished() flips the flag, so a killed task is
// never observed with a real finish timestamp. Calls still in
// flight resolve through the server as usual and drain the
// gauges to zero, but the worker hooks stop firing.
func (t *Task) Kill() {
	t.mut.Lock()
	if t.finFlag.Load() {
		// already finished; the terminal state absorbs the kill.
		t.mut.Unlock()
		return
	}
	t.finishTime.Store(-1)
	t.mut.Unlock()
	t.finished()
}

// finished is the single-shot terminal transition. Listeners are
// notified after the flag flips, outside the monitor.
func (t *Task) finished() {
	t.mut.Lock()
	if t.finFlag.Load() {
		t.mut.Unlock()
		return
	}
	t.finFlag.Store(true)
	if t.finishTime.Load() != -1 {
		t.finishTime.Store(time.Now().UnixMilli())
	}
	listeners := append([]TaskListener{}, t.listeners...)
	t.mut.Unlock()

	for _, l := range listeners {
		l.TaskFinished(t)
	}
	if t.mgr != nil {
		t.mgr.taskFinished(t)
	}
}

// canDoRequest is the per-task admission check: stalled calls do
// not count, so one slow node cannot wedge the pipeline.
func (t *Task) canDoRequest() bool {
	return t.outstandingExcludingStalled.Load() < MaxConcurrentRequests
}

// sendQuery takes a node already moved to inFlight by popClosest
// and submits the query for it. Gauges and the sent counter are
// bumped before submission; if the server refuses at its global
// cap, everything is rolled back, the node returns to todo, and
// a declog wakeup re-arms the task.
func (t *Task) sendQuery(ni NodeInfo, method string, req *krpcMessage) {
	dest := ni
	if t.isSynthetic(ni.ID) {
		dest.ID = zeroKey
	}
	c := newRpcCall("", method, req, dest, t)
	c.candidateID = ni.ID

	t.outstanding.Add(1)
	t.outstandingExcludingStalled.Add(1)
	t.sentCount.Add(1)

	t.rpc.scheduler().execute(func() {
		if t.rpc.doCall(c) {
			return
		}
		// refused at the global cap. roll back and retry when a
		// slot frees.
		t.sentCount.Add(-1)
		t.outstandingExcludingStalled.Add(-1)
		t.outstanding.Add(-1)
		t.candidates.requeue(ni)
		t.rpc.onDeclog(t.runTick)
	})
}

// onCallResponse: worker hook first, then release the candidate,
// then the gauges. The hook running while the gauges still count
// the call means a concurrent update() pass cannot overfill the
// pipeline on the strength of a response that is still being
// digested.
func (t *Task) onCallResponse(c *rpcCall, resp *krpcMessage) {
	if !t.finFlag.Load() {
		t.guardedHook("callFinished", func() { t.worker.callFinished(c, resp) })
	}
	t.candidates.release(c.candidateID)
	t.outstanding.Add(-1)
	if !c.wasStalled() {
		t.outstandingExcludingStalled.Add(-1)
	}
	t.recvCount.Add(1)
	t.firstResultTime.CompareAndSwap(0, time.Now().UnixMilli())
	t.runTick()
}

// onCallStall: the node moves to the stalled partition and only
// the excluding-stalled gauge drops; the call itself stays alive
// until its hard deadline.
func (t *Task) onCallStall(c *rpcCall) {
	t.candidates.demote(c.candidateID)
	t.outstandingExcludingStalled.Add(-1)
	t.runTick()
}

// onCallTimeout: release and decrement like a response, then the
// worker hook, after the counters, so the hook observes the call
// as already failed.
func (t *Task) onCallTimeout(c *rpcCall) {
	t.candidates.release(c.candidateID)
	t.outstanding.Add(-1)
	if !c.wasStalled() {
		t.outstandingExcludingStalled.Add(-1)
	}
	t.failCount.Add(1)
	if !t.finFlag.Load() {
		t.guardedHook("callTimeout", func() { t.worker.callTimeout(c) })
	}
	t.runTick()
}

// runTick is the scheduling pass: finish if due, otherwise let
// the worker issue probes, then check again because the worker
// may have just met its goal or drained the last candidate.
func (t *Task) runTick() {
	if t.finFlag.Load() || !t.isRunning() {
		return
	}
	if t.dueToFinish() {
		t.finished()
		return
	}
	if t.canDoRequest() {
		t.guardedHook("update", t.worker.update)
	}
	if t.dueToFinish() {
		t.finished()
	}
}

func (t *Task) isRunning() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.running
}

// dueToFinish: the worker says so, or there is nothing left to
// try and nothing in the air.
func (t *Task) dueToFinish() bool {
	if t.guardedIsDone() {
		return true
	}
	return t.outstanding.Load() == 0 && t.candidates.todoLen() == 0
}

func (t *Task) guardedIsDone() (done bool) {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("%v: isDone panic: %v\n%v", t.String(), r, stack())
			done = false
		}
	}()
	return t.worker.isDone()
}

func (t *Task) guardedHook(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("%v: %v hook panic: %v\n%v", t.String(), name, r, stack())
		}
	}()
	f()
}
