package mdht

import (
	"testing"

	"github.com/glycerine/idem"
)

// blockedTask builds a ping task over one candidate so it starts,
// issues a probe, and then sits waiting on the reply.
func blockedTask(t *testing.T, rpc *fakeRPC, b byte) *Task {
	tk := newPingRefresh(rpc, RandomKey(), []NodeInfo{testNode(t, b)}, nil)
	return tk
}

func TestManagerCapAndPromotion(t *testing.T) {
	halt := idem.NewHalter()
	defer halt.ReqStop.Close()
	rpc := &fakeRPC{}
	m := newTaskManager(2, halt)

	t1 := blockedTask(t, rpc, 1)
	t2 := blockedTask(t, rpc, 2)
	t3 := blockedTask(t, rpc, 3)
	m.addTask(t1)
	m.addTask(t2)
	m.addTask(t3)

	if t1.ID() != 1 || t2.ID() != 2 || t3.ID() != 3 {
		t.Fatalf("IDs must be assigned in admission order: %v %v %v",
			t1.ID(), t2.ID(), t3.ID())
	}
	if m.numActive() != 2 || m.numQueued() != 1 {
		t.Fatalf("cap of 2: active=%v queued=%v", m.numActive(), m.numQueued())
	}
	if t3.StartTime() != 0 {
		t.Fatalf("the queued task must not have started")
	}
	if !t3.isQueued() {
		t.Fatalf("t3 should report queued")
	}

	// finishing t1 promotes t3.
	c := rpc.call(0)
	c.resolveResponse(newResponse(c.tid, c.dest.ID), 0)
	if !t1.IsFinished() {
		t.Fatalf("t1 should be done")
	}
	if m.numActive() != 2 || m.numQueued() != 0 {
		t.Fatalf("promotion failed: active=%v queued=%v", m.numActive(), m.numQueued())
	}
	if t3.StartTime() == 0 {
		t.Fatalf("t3 must have started after the slot freed")
	}
}

func TestManagerSkipsTaskKilledWhileQueued(t *testing.T) {
	halt := idem.NewHalter()
	defer halt.ReqStop.Close()
	rpc := &fakeRPC{}
	m := newTaskManager(1, halt)

	t1 := blockedTask(t, rpc, 1)
	t2 := blockedTask(t, rpc, 2)
	t3 := blockedTask(t, rpc, 3)
	m.addTask(t1)
	m.addTask(t2)
	m.addTask(t3)

	t2.Kill()
	if m.numQueued() != 2 {
		t.Fatalf("kill while queued does not eagerly dequeue: %v", m.numQueued())
	}

	c := rpc.call(0)
	c.resolveResponse(newResponse(c.tid, c.dest.ID), 0)

	// the killed waiter is skipped; t3 runs instead.
	if m.numActive() != 1 || m.numQueued() != 0 {
		t.Fatalf("active=%v queued=%v", m.numActive(), m.numQueued())
	}
	if t2.StartTime() != 0 || !t2.Killed() {
		t.Fatalf("the killed task must never start")
	}
	if t3.StartTime() == 0 {
		t.Fatalf("t3 must have been promoted")
	}
}

func TestManagerKillAll(t *testing.T) {
	halt := idem.NewHalter()
	defer halt.ReqStop.Close()
	rpc := &fakeRPC{}
	m := newTaskManager(1, halt)

	t1 := blockedTask(t, rpc, 1)
	t2 := blockedTask(t, rpc, 2)
	m.addTask(t1)
	m.addTask(t2)

	m.killAll()
	if !t1.Killed() || !t2.Killed() {
		t.Fatalf("killAll must reach active and queued tasks alike")
	}
	if m.numActive() != 0 || m.numQueued() != 0 {
		t.Fatalf("killAll must leave the manager empty: active=%v queued=%v",
			m.numActive(), m.numQueued())
	}
}

func TestManagerRejectsAfterHalt(t *testing.T) {
	halt := idem.NewHalter()
	rpc := &fakeRPC{}
	m := newTaskManager(1, halt)
	halt.ReqStop.Close()

	tk := blockedTask(t, rpc, 1)
	m.addTask(tk)
	if !tk.Killed() {
		t.Fatalf("a task admitted after shutdown must be killed immediately")
	}
	if rpc.numCalls() != 0 {
		t.Fatalf("no probes after shutdown")
	}
}
