package mdht

import (
	"net/netip"
	"sync"
)

// visitedSet remembers every node a task has ever contacted,
// by node ID and, separately, by IP address. A node matches if
// either its ID or its IP has been seen before, which keeps a
// single host from re-entering the candidate pool under a fresh
// ID. Entries are never removed for the life of the task.
type visitedSet struct {
	ids map[Key]bool
	ips map[netip.Addr]bool
}

func newVisitedSet() *visitedSet {
	return &visitedSet{
		ids: make(map[Key]bool),
		ips: make(map[netip.Addr]bool),
	}
}

func (v *visitedSet) mark(ni NodeInfo) {
	v.ids[ni.ID] = true
	v.ips[ni.Addr.Addr()] = true
}

func (v *visitedSet) has(ni NodeInfo) bool {
	return v.ids[ni.ID] || v.ips[ni.Addr.Addr()]
}

// candidateSet tracks the nodes a lookup task knows about but has
// not finished with, in three pairwise-disjoint partitions ordered
// by distance to the task target:
//
//	todo     - discovered, not yet contacted
//	inFlight - contacted, awaiting a reply
//	stalled  - contacted, reply overdue but not yet timed out
//
// A node is in at most one partition at a time. Once a call to a
// node resolves (response or hard timeout) the node is released
// from the partitions entirely; the visited index is what prevents
// it from being re-added. One mutex covers all three partitions
// and the visited index, so the response and timeout callbacks
// arriving from socket goroutines see a consistent whole.
type candidateSet struct {
	mut sync.Mutex

	target   Key
	todo     *distSet
	inFlight *distSet
	stalled  *distSet
	visited  *visitedSet
}

func newCandidateSet(target Key) *candidateSet {
	return &candidateSet{
		target:   target,
		todo:     newDistSet(target),
		inFlight: newDistSet(target),
		stalled:  newDistSet(target),
		visited:  newVisitedSet(),
	}
}

// addCandidate offers a newly discovered node. It is dropped if we
// have already visited its ID or IP, or if it is present in any
// partition. Returns true if the node entered todo.
func (c *candidateSet) addCandidate(ni NodeInfo) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.visited.has(ni) {
		return false
	}
	if c.inFlight.has(ni.ID) || c.stalled.has(ni.ID) {
		return false
	}
	return c.todo.add(ni)
}

// popClosest removes and returns the todo node closest to target,
// marking it visited and moving it to inFlight.
func (c *candidateSet) popClosest() (ni NodeInfo, ok bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	ni, ok = c.todo.popMin()
	if !ok {
		return
	}
	c.visited.mark(ni)
	c.inFlight.add(ni)
	return
}

// peekClosest returns the closest todo node without removing it.
func (c *candidateSet) peekClosest() (ni NodeInfo, ok bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.todo.min()
}

// demote moves an in-flight node to stalled. No-op if the node is
// not in-flight (a hard timeout may have released it already).
func (c *candidateSet) demote(id Key) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	ni, found := c.inFlight.remove(id)
	if !found {
		return false
	}
	c.stalled.add(ni)
	return true
}

// dropTodo discards a todo candidate without contacting it,
// marking it visited so it cannot come back.
func (c *candidateSet) dropTodo(id Key) {
	c.mut.Lock()
	defer c.mut.Unlock()
	ni, found := c.todo.remove(id)
	if found {
		c.visited.mark(ni)
	}
}

// requeue moves a node from inFlight back to todo, bypassing the
// visited filter. This is the rollback path for a submission the
// server refused at its global cap; the node was never actually
// queried, so it is fair game for a later pass.
func (c *candidateSet) requeue(ni NodeInfo) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.inFlight.remove(ni.ID)
	c.todo.add(ni)
}

// release drops the node from both inFlight and stalled. This is
// the terminal move for a call that got a response or a hard
// timeout. The node stays in the visited index.
func (c *candidateSet) release(id Key) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.inFlight.remove(id)
	c.stalled.remove(id)
}

// markVisited records a node in the visited index without it ever
// passing through todo. Used for seed nodes contacted directly.
func (c *candidateSet) markVisited(ni NodeInfo) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.visited.mark(ni)
}

func (c *candidateSet) wasVisited(ni NodeInfo) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.visited.has(ni)
}

func (c *candidateSet) todoLen() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.todo.Len()
}

func (c *candidateSet) inFlightLen() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.inFlight.Len()
}

func (c *candidateSet) stalledLen() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.stalled.Len()
}
