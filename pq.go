package mdht

import (
	"fmt"
	"sync"
	"time"

	rb "github.com/glycerine/rbtree"
)

// deadline kinds. every live call carries one stall deadline and
// one hard deadline in the queue; the stall entry is removed when
// it fires or when the call resolves first.
const (
	deadlineStall = iota
	deadlineHard
)

// callDeadline is one timer obligation for an in-flight call.
// The sn is assigned by pq.add and breaks ties between equal
// timestamps so the queue order is total and repeatable.
type callDeadline struct {
	when time.Time
	kind int
	call *rpcCall
	sn   int64
}

func (d *callDeadline) String() string {
	k := "stall"
	if d.kind == deadlineHard {
		k = "hard"
	}
	return fmt.Sprintf("callDeadline{%v %v at %v}", k, d.call.tid, nice(d.when))
}

// pq is a queue of call deadlines ordered by when, earliest
// first, behind a sync.Mutex for goroutine safety. The server's
// timer goroutine sleeps until the earliest deadline and the
// send path adds entries as calls go out.
type pq struct {
	mut    sync.Mutex
	tree   *rb.Tree
	nextSn int64
}

// order by when, then by sn.
func newDeadlinePq() *pq {
	return &pq{
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*callDeadline)
			bv := b.(*callDeadline)
			if av == bv {
				return 0 // points to same memory (or both nil)
			}
			if av.when.Before(bv.when) {
				return -1
			}
			if av.when.After(bv.when) {
				return 1
			}
			if av.sn < bv.sn {
				return -1
			}
			if av.sn > bv.sn {
				return 1
			}
			return 0
		}),
	}
}

func (p *pq) size() (sz int) {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.tree.Len()
}

// peek returns the earliest deadline without removing it.
func (p *pq) peek() (d *callDeadline) {
	p.mut.Lock()
	defer p.mut.Unlock()
	it := p.tree.Min()
	if it.Limit() {
		return
	}
	return it.Item().(*callDeadline)
}

// popIfDue removes and returns the earliest deadline if it is at
// or before now.
func (p *pq) popIfDue(now time.Time) (d *callDeadline) {
	p.mut.Lock()
	defer p.mut.Unlock()
	it := p.tree.Min()
	if it.Limit() {
		return
	}
	d = it.Item().(*callDeadline)
	if d.when.After(now) {
		return nil
	}
	p.tree.DeleteWithIterator(it)
	return
}

// add a new deadline to the queue, stamping its sequence number.
func (p *pq) add(d *callDeadline) *callDeadline {
	if d == nil {
		panic("do not put nil into pq!")
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	p.nextSn++
	d.sn = p.nextSn
	p.tree.InsertGetIt(d)
	return d
}

// del removes d if it is still queued. Safe to call on a
// deadline that already popped.
func (p *pq) del(d *callDeadline) (found bool) {
	if d == nil {
		return
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	var it rb.Iterator
	it, found = p.tree.FindGE_isEqual(d)
	if !found {
		return
	}
	p.tree.DeleteWithIterator(it)
	return
}
