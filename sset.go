package mdht

import (
	rb "github.com/glycerine/rbtree"
)

// distSet is an ordered set of NodeInfo sorted by XOR distance
// to a fixed target key, closest first. Exact-distance ties are
// broken by plain key order so iteration is deterministic.
//
// Like the red-black tree underneath it, distSet does no internal
// locking. The candidateSet that owns three of these holds one
// mutex over all of them, which is what keeps the partitions
// pairwise disjoint under concurrent response and timeout
// callbacks.
type distSet struct {
	target Key
	tree   *rb.Tree
}

func newDistSet(target Key) *distSet {
	ord := target.DistanceOrder()
	return &distSet{
		target: target,
		tree: rb.NewTree(func(a, b rb.Item) int {
			return ord(a.(NodeInfo).ID, b.(NodeInfo).ID)
		}),
	}
}

func (s *distSet) Len() int {
	return s.tree.Len()
}

// add inserts ni, returning false if a node with the same ID
// was already present (the set is keyed by ID; the address of
// an existing member is left alone).
func (s *distSet) add(ni NodeInfo) bool {
	query := NodeInfo{ID: ni.ID}
	_, found := s.tree.FindGE_isEqual(query)
	if found {
		return false
	}
	s.tree.InsertGetIt(ni)
	return true
}

// remove deletes the node with the given id, returning it.
func (s *distSet) remove(id Key) (ni NodeInfo, found bool) {
	query := NodeInfo{ID: id}
	it, found := s.tree.FindGE_isEqual(query)
	if !found {
		return
	}
	ni = it.Item().(NodeInfo)
	s.tree.DeleteWithIterator(it)
	return
}

func (s *distSet) has(id Key) bool {
	_, found := s.tree.FindGE_isEqual(NodeInfo{ID: id})
	return found
}

// popMin removes and returns the member closest to target.
func (s *distSet) popMin() (ni NodeInfo, ok bool) {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	ni = it.Item().(NodeInfo)
	s.tree.DeleteWithIterator(it)
	return ni, true
}

// min returns the member closest to target without removing it.
func (s *distSet) min() (ni NodeInfo, ok bool) {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	return it.Item().(NodeInfo), true
}

// max returns the member farthest from target.
func (s *distSet) max() (ni NodeInfo, ok bool) {
	it := s.tree.Max()
	if it.Limit() {
		return
	}
	return it.Item().(NodeInfo), true
}

// all returns the members closest first.
func (s *distSet) all() (r []NodeInfo) {
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		r = append(r, it.Item().(NodeInfo))
	}
	return
}

// head returns up to n members closest first.
func (s *distSet) head(n int) (r []NodeInfo) {
	for it := s.tree.Min(); !it.Limit() && len(r) < n; it = it.Next() {
		r = append(r, it.Item().(NodeInfo))
	}
	return
}

func (s *distSet) clear() {
	s.tree.DeleteAll()
}
