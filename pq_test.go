package mdht

import (
	"context"
	"testing"
	"time"
)

func testDeadline(tid string, when time.Time, kind int) *callDeadline {
	return &callDeadline{
		when: when,
		kind: kind,
		call: &rpcCall{tid: tid},
	}
}

func TestPqPopsEarliestFirst(t *testing.T) {
	p := newDeadlinePq()
	now := time.Now()

	p.add(testDeadline("c", now.Add(3*time.Second), deadlineHard))
	p.add(testDeadline("a", now.Add(1*time.Second), deadlineStall))
	p.add(testDeadline("b", now.Add(2*time.Second), deadlineStall))

	if p.size() != 3 {
		t.Fatalf("size %v, want 3", p.size())
	}
	if d := p.peek(); d.call.tid != "a" {
		t.Fatalf("peek must see the earliest, got %v", d.call.tid)
	}

	// nothing is due yet.
	if d := p.popIfDue(now); d != nil {
		t.Fatalf("nothing due at now, popped %v", d)
	}
	if p.size() != 3 {
		t.Fatalf("a failed pop must not shrink the queue")
	}

	// advance past the first two.
	cut := now.Add(2500 * time.Millisecond)
	if d := p.popIfDue(cut); d == nil || d.call.tid != "a" {
		t.Fatalf("first due must be a, got %v", d)
	}
	if d := p.popIfDue(cut); d == nil || d.call.tid != "b" {
		t.Fatalf("second due must be b, got %v", d)
	}
	if d := p.popIfDue(cut); d != nil {
		t.Fatalf("c is not due yet, got %v", d)
	}
	if p.size() != 1 {
		t.Fatalf("one deadline left, size %v", p.size())
	}
}

func TestPqDel(t *testing.T) {
	p := newDeadlinePq()
	now := time.Now()

	dA := p.add(testDeadline("a", now.Add(1*time.Second), deadlineStall))
	p.add(testDeadline("b", now.Add(2*time.Second), deadlineHard))

	if !p.del(dA) {
		t.Fatalf("deleting a queued deadline must report found")
	}
	if p.size() != 1 {
		t.Fatalf("delete must shrink the queue, size %v", p.size())
	}
	if d := p.peek(); d.call.tid != "b" {
		t.Fatalf("the survivor must be b, got %v", d.call.tid)
	}

	// deleting again, or deleting an already-popped item, is safe.
	if p.del(dA) {
		t.Fatalf("a second delete must be a no-op")
	}
	d := p.popIfDue(now.Add(3 * time.Second))
	if d == nil || d.call.tid != "b" {
		t.Fatalf("pop after delete broken: %v", d)
	}
	if p.size() != 0 {
		t.Fatalf("queue must be empty")
	}
	if p.del(d) {
		t.Fatalf("deleting a popped deadline must be a no-op")
	}
}

func TestPqBreaksTimestampTies(t *testing.T) {
	p := newDeadlinePq()
	when := time.Now().Add(time.Second)

	// equal timestamps pop in insertion order via the sequence
	// number, and none of the collisions is silently dropped.
	p.add(testDeadline("a", when, deadlineStall))
	p.add(testDeadline("b", when, deadlineHard))
	p.add(testDeadline("c", when, deadlineStall))
	if p.size() != 3 {
		t.Fatalf("equal deadlines must all queue, size %v", p.size())
	}
	cut := when.Add(time.Millisecond)
	for _, want := range []string{"a", "b", "c"} {
		d := p.popIfDue(cut)
		if d == nil || d.call.tid != want {
			t.Fatalf("tie-break order wrong, want %v got %v", want, d)
		}
	}
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	c := &Config{}
	c.fillDefaults()
	if err := c.validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if c.ListenAddr != ":0" || c.NodeID.IsZero() {
		t.Fatalf("defaults incomplete: %+v", c)
	}
	if c.MaxActiveTasks != 7 || c.MaxActiveCalls != 256 {
		t.Fatalf("task and call caps wrong: %+v", c)
	}
	if len(c.BootstrapHosts) == 0 {
		t.Fatalf("default bootstrap hosts must be filled")
	}

	bad := &Config{}
	bad.fillDefaults()
	bad.PersistCompression = "brotli"
	if bad.validate() == nil {
		t.Fatalf("unknown compression must fail validation")
	}

	bad2 := &Config{StallFloor: 5 * time.Second, StallCeiling: time.Second}
	bad2.fillDefaults()
	if bad2.validate() == nil {
		t.Fatalf("ceiling below floor must fail validation")
	}

	bad3 := &Config{MaxActiveCalls: 2}
	bad3.fillDefaults()
	if bad3.validate() == nil {
		t.Fatalf("a call cap below the per-task cap must fail validation")
	}
}

func TestResolveHostLiterals(t *testing.T) {
	aps, err := resolveHost("67.215.246.10:6881")
	if err != nil || len(aps) != 1 {
		t.Fatalf("literal v4: %v %v", aps, err)
	}
	if aps[0].Port() != 6881 || aps[0].Addr().String() != "67.215.246.10" {
		t.Fatalf("wrong endpoint %v", aps[0])
	}

	if _, err := resolveHost("no-port-here"); err == nil {
		t.Fatalf("missing port must be rejected")
	}
	if _, err := resolveHost("1.2.3.4:notaport"); err == nil {
		t.Fatalf("non-numeric port must be rejected")
	}
	if _, err := resolveHost("1.2.3.4:0"); err == nil {
		t.Fatalf("port zero must be rejected")
	}
	if _, err := resolveHost("1.2.3.4:70000"); err == nil {
		t.Fatalf("out of range port must be rejected")
	}
}

func TestTaskAwaitHonorsContext(t *testing.T) {
	rpc := &fakeRPC{}
	tk, _ := newProbeTask(t, rpc, 1)
	tk.start()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tk.Await(ctx); err == nil {
		t.Fatalf("awaiting an unfinished task past the deadline must error")
	}

	c := rpc.call(0)
	c.resolveResponse(newResponse(c.tid, c.dest.ID), 0)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := tk.Await(ctx2); err != nil {
		t.Fatalf("awaiting a finished task must return nil, got %v", err)
	}
}
