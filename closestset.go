package mdht

import (
	"sync"
)

// closestSet accumulates the K closest nodes that have actually
// responded during a lookup. Once full, a new node only enters if
// it is strictly closer than the current farthest member, which
// then falls out. The set never shrinks below the best K seen.
type closestSet struct {
	mut    sync.Mutex
	target Key
	k      int
	set    *distSet
}

func newClosestSet(target Key, k int) *closestSet {
	return &closestSet{
		target: target,
		k:      k,
		set:    newDistSet(target),
	}
}

// insert offers a responded node. Returns true if it was admitted.
func (c *closestSet) insert(ni NodeInfo) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.set.has(ni.ID) {
		return false
	}
	if c.set.Len() < c.k {
		c.set.add(ni)
		return true
	}
	far, _ := c.set.max()
	if !c.target.Closer(ni.ID, far.ID) {
		return false
	}
	c.set.add(ni)
	c.set.remove(far.ID)
	return true
}

// acceptable reports whether a candidate with this ID could still
// improve the set, i.e. whether the set is not yet full or the ID
// is closer than the farthest member. Lookup convergence hangs on
// this test: when no remaining candidate is acceptable, the task
// is done.
func (c *closestSet) acceptable(id Key) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.set.Len() < c.k {
		return true
	}
	far, _ := c.set.max()
	return c.target.Closer(id, far.ID)
}

func (c *closestSet) full() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.set.Len() >= c.k
}

// nodes returns the members, closest first.
func (c *closestSet) nodes() []NodeInfo {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.set.all()
}

func (c *closestSet) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.set.Len()
}
