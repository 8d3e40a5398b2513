package mdht

import (
	"sync"
	"time"
)

// tableObserver is how tasks feed liveness back into the routing
// table without knowing its shape.
type tableObserver interface {
	nodeResponded(ni NodeInfo)
	nodeTimedOut(id Key)
}

const replacementCacheLen = 8

// bucket holds up to K main entries plus a small replacement
// cache of recently seen nodes waiting for a main slot.
type bucket struct {
	entries      []*kbucketEntry
	replacements []*kbucketEntry
}

func (b *bucket) find(id Key) *kbucketEntry {
	for _, e := range b.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) findReplacement(id Key) *kbucketEntry {
	for _, e := range b.replacements {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (b *bucket) removeEntry(id Key) {
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// routingTable is a fixed array of 160 buckets indexed by the
// length of the common bit prefix between our own ID and the
// entry's ID. Simpler than a splitting tree and plenty for a
// lookup-oriented client: the table only has to be good enough
// to seed tasks with useful starting nodes.
type routingTable struct {
	mut  sync.Mutex
	self Key

	buckets [8 * KeyLen]bucket
}

func newRoutingTable(self Key) *routingTable {
	return &routingTable{self: self}
}

func (rt *routingTable) bucketFor(id Key) *bucket {
	cpl := rt.self.CommonPrefixLen(id)
	if cpl >= 8*KeyLen {
		// our own key. park it in the last bucket; insert paths
		// filter self out before we get here.
		cpl = 8*KeyLen - 1
	}
	return &rt.buckets[cpl]
}

// nodeResponded records a verified response from ni: refresh an
// existing entry, fill a free main slot, take over a bad entry's
// slot, or wait in the replacement cache.
func (rt *routingTable) nodeResponded(ni NodeInfo) {
	if ni.ID == rt.self || ni.ID.IsZero() {
		return
	}
	now := time.Now()
	rt.mut.Lock()
	defer rt.mut.Unlock()
	b := rt.bucketFor(ni.ID)

	if e := b.find(ni.ID); e != nil {
		e.Addr = ni.Addr
		e.markResponded(now)
		return
	}
	if e := b.findReplacement(ni.ID); e != nil {
		e.Addr = ni.Addr
		e.markResponded(now)
		if len(b.entries) < K {
			for i, have := range b.replacements {
				if have == e {
					b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
					break
				}
			}
			b.entries = append(b.entries, e)
		}
		return
	}
	if len(b.entries) < K {
		e := newKBucketEntry(ni, now)
		e.markResponded(now)
		b.entries = append(b.entries, e)
		return
	}
	// evict one bad entry if we have one.
	for _, old := range b.entries {
		if old.bad() {
			b.removeEntry(old.ID)
			e := newKBucketEntry(ni, now)
			e.markResponded(now)
			b.entries = append(b.entries, e)
			return
		}
	}
	// bucket full of live nodes. remember ni as a replacement.
	if b.findReplacement(ni.ID) == nil {
		e := newKBucketEntry(ni, now)
		e.markResponded(now)
		b.replacements = append(b.replacements, e)
		if len(b.replacements) > replacementCacheLen {
			b.replacements = b.replacements[1:]
		}
	}
}

// nodeTimedOut bumps the failure count; once an entry goes bad a
// cached replacement takes its slot immediately.
func (rt *routingTable) nodeTimedOut(id Key) {
	rt.mut.Lock()
	defer rt.mut.Unlock()
	b := rt.bucketFor(id)
	e := b.find(id)
	if e == nil {
		return
	}
	e.markFailed()
	if !e.bad() || len(b.replacements) == 0 {
		return
	}
	b.removeEntry(id)
	last := len(b.replacements) - 1
	b.entries = append(b.entries, b.replacements[last])
	b.replacements = b.replacements[:last]
}

// closest returns up to n entries nearest to target, for seeding
// a task.
func (rt *routingTable) closest(n int, target Key) []NodeInfo {
	rt.mut.Lock()
	defer rt.mut.Unlock()
	set := newDistSet(target)
	for i := range rt.buckets {
		for _, e := range rt.buckets[i].entries {
			set.add(e.NodeInfo)
		}
	}
	return set.head(n)
}

func (rt *routingTable) numEntries() (n int) {
	rt.mut.Lock()
	defer rt.mut.Unlock()
	for i := range rt.buckets {
		n += len(rt.buckets[i].entries)
	}
	return
}

// questionable returns entries that have gone quiet, for the
// ping refresh task to probe.
func (rt *routingTable) questionable(limit int) (r []NodeInfo) {
	now := time.Now()
	rt.mut.Lock()
	defer rt.mut.Unlock()
	for i := range rt.buckets {
		for _, e := range rt.buckets[i].entries {
			if e.questionable(now) {
				r = append(r, e.NodeInfo)
				if len(r) >= limit {
					return
				}
			}
		}
	}
	return
}

// snapshot returns a copy of all main entries for persistence.
func (rt *routingTable) snapshot() (r []kbucketEntry) {
	rt.mut.Lock()
	defer rt.mut.Unlock()
	for i := range rt.buckets {
		for _, e := range rt.buckets[i].entries {
			r = append(r, *e)
		}
	}
	return
}

// loadEntry re-inserts a persisted entry, preserving its history
// rather than treating it as freshly responded.
func (rt *routingTable) loadEntry(e kbucketEntry) {
	if e.ID == rt.self || e.ID.IsZero() {
		return
	}
	rt.mut.Lock()
	defer rt.mut.Unlock()
	b := rt.bucketFor(e.ID)
	if b.find(e.ID) != nil || len(b.entries) >= K {
		return
	}
	cp := e
	b.entries = append(b.entries, &cp)
}
