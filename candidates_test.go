package mdht

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

// testNode makes a NodeInfo whose ID starts with the given hex
// byte and whose address is unique to that byte.
func testNode(t *testing.T, firstByte byte) NodeInfo {
	id := mustKey(t, fmt.Sprintf("%02x", firstByte)+strings.Repeat("00", 19))
	ap := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, firstByte}), 6881)
	return NodeInfo{ID: id, Addr: ap}
}

func TestDistSetOrdering(t *testing.T) {
	target := mustKey(t, strings.Repeat("00", 20))
	s := newDistSet(target)

	far := testNode(t, 0xf0)
	mid := testNode(t, 0x10)
	near := testNode(t, 0x01)
	s.add(far)
	s.add(mid)
	s.add(near)

	if s.Len() != 3 {
		t.Fatalf("want 3 members, got %v", s.Len())
	}
	got := s.all()
	if got[0].ID != near.ID || got[1].ID != mid.ID || got[2].ID != far.ID {
		t.Fatalf("all() not in distance order: %v", got)
	}
	if m, ok := s.min(); !ok || m.ID != near.ID {
		t.Fatalf("min should be the nearest node")
	}
	if m, ok := s.max(); !ok || m.ID != far.ID {
		t.Fatalf("max should be the farthest node")
	}
	if h := s.head(2); len(h) != 2 || h[1].ID != mid.ID {
		t.Fatalf("head(2) wrong: %v", h)
	}

	// duplicate IDs are rejected, existing address untouched.
	dup := near
	dup.Addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{9, 9, 9, 9}), 1)
	if s.add(dup) {
		t.Fatalf("duplicate ID must be rejected")
	}
	if m, _ := s.min(); m.Addr != near.Addr {
		t.Fatalf("duplicate add must not replace the address")
	}

	if ni, ok := s.popMin(); !ok || ni.ID != near.ID {
		t.Fatalf("popMin should return the nearest node")
	}
	if s.has(near.ID) {
		t.Fatalf("popMin should have removed the node")
	}
	if _, found := s.remove(mid.ID); !found {
		t.Fatalf("remove of a present node must succeed")
	}
	s.clear()
	if s.Len() != 0 {
		t.Fatalf("clear must empty the set")
	}
}

func TestVisitedSetMatchesByIDOrIP(t *testing.T) {
	v := newVisitedSet()
	a := testNode(t, 0x11)
	v.mark(a)

	sameIPNewID := testNode(t, 0x22)
	sameIPNewID.Addr = a.Addr
	if !v.has(sameIPNewID) {
		t.Fatalf("same IP under a fresh ID must count as visited")
	}
	sameIDNewIP := a
	sameIDNewIP.Addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 9, 9, 9}), 6881)
	if !v.has(sameIDNewIP) {
		t.Fatalf("same ID from a fresh IP must count as visited")
	}
	if v.has(testNode(t, 0x33)) {
		t.Fatalf("unrelated node must not be visited")
	}
}

func TestCandidateSetPartitions(t *testing.T) {
	cv.Convey("a candidate moves todo -> inFlight -> stalled and is released exactly once", t, func() {
		target := mustKey(t, strings.Repeat("00", 20))
		c := newCandidateSet(target)

		near := testNode(t, 0x01)
		far := testNode(t, 0xf0)
		cv.So(c.addCandidate(far), cv.ShouldBeTrue)
		cv.So(c.addCandidate(near), cv.ShouldBeTrue)
		cv.So(c.addCandidate(near), cv.ShouldBeFalse)
		cv.So(c.todoLen(), cv.ShouldEqual, 2)

		ni, ok := c.popClosest()
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(ni.ID, cv.ShouldResemble, near.ID)
		cv.So(c.todoLen(), cv.ShouldEqual, 1)
		cv.So(c.inFlightLen(), cv.ShouldEqual, 1)

		// popped means visited: it cannot be re-added.
		cv.So(c.addCandidate(near), cv.ShouldBeFalse)

		// the same host on a fresh ID cannot re-enter either.
		alias := testNode(t, 0x44)
		alias.Addr = near.Addr
		cv.So(c.addCandidate(alias), cv.ShouldBeFalse)

		cv.So(c.demote(near.ID), cv.ShouldBeTrue)
		cv.So(c.inFlightLen(), cv.ShouldEqual, 0)
		cv.So(c.stalledLen(), cv.ShouldEqual, 1)

		// demoting again is a no-op: the node left inFlight.
		cv.So(c.demote(near.ID), cv.ShouldBeFalse)

		c.release(near.ID)
		cv.So(c.stalledLen(), cv.ShouldEqual, 0)
		cv.So(c.wasVisited(near), cv.ShouldBeTrue)
	})
}

func TestCandidateSetDropAndRequeue(t *testing.T) {
	target := mustKey(t, strings.Repeat("00", 20))
	c := newCandidateSet(target)

	a := testNode(t, 0x01)
	b := testNode(t, 0x02)
	c.addCandidate(a)
	c.addCandidate(b)

	// dropTodo discards without contact, but still poisons re-add.
	c.dropTodo(a.ID)
	if c.todoLen() != 1 {
		t.Fatalf("dropTodo should have removed one node")
	}
	if c.addCandidate(a) {
		t.Fatalf("dropped node must not re-enter todo")
	}

	// requeue is the refused-submission rollback: inFlight back to
	// todo despite being marked visited by popClosest.
	ni, _ := c.popClosest()
	if ni.ID != b.ID {
		t.Fatalf("expected to pop %v, got %v", b.ID.Short(), ni.ID.Short())
	}
	c.requeue(ni)
	if c.inFlightLen() != 0 || c.todoLen() != 1 {
		t.Fatalf("requeue must move the node back to todo")
	}
	ni2, ok := c.popClosest()
	if !ok || ni2.ID != b.ID {
		t.Fatalf("requeued node must be poppable again")
	}
}

func TestClosestSetEviction(t *testing.T) {
	target := mustKey(t, strings.Repeat("00", 20))
	cs := newClosestSet(target, 2)

	far := testNode(t, 0xf0)
	mid := testNode(t, 0x10)
	near := testNode(t, 0x01)

	if !cs.insert(far) || !cs.insert(mid) {
		t.Fatalf("inserts below capacity must be admitted")
	}
	if !cs.full() {
		t.Fatalf("set of 2 with k=2 should be full")
	}
	if cs.insert(far) {
		t.Fatalf("duplicate insert must be rejected")
	}
	if !cs.acceptable(near.ID) {
		t.Fatalf("a closer ID must stay acceptable when full")
	}
	if cs.acceptable(testNode(t, 0xff).ID) {
		t.Fatalf("a farther ID must not be acceptable when full")
	}
	if !cs.insert(near) {
		t.Fatalf("a closer node must evict the farthest")
	}
	got := cs.nodes()
	if len(got) != 2 || got[0].ID != near.ID || got[1].ID != mid.ID {
		t.Fatalf("eviction kept the wrong members: %v", got)
	}
}
