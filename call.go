package mdht

import (
	"sync/atomic"
	"time"

	"github.com/glycerine/loquet"
)

// callListener receives the lifecycle events of one rpcCall.
// onCallStall fires at most once, before either terminal event.
// Exactly one of onCallResponse or onCallTimeout fires, once.
type callListener interface {
	onCallResponse(c *rpcCall, resp *krpcMessage)
	onCallStall(c *rpcCall)
	onCallTimeout(c *rpcCall)
}

// callOutcome is what waiters blocked on the completion latch
// receive once the call resolves.
type callOutcome struct {
	Resp     *krpcMessage
	Err      error
	TimedOut bool
	RTT      time.Duration
}

// rpcCall is one outbound KRPC query in flight: the request, the
// node we sent it to, the node ID we expect to answer with, and
// the listener to notify. Resolution is single shot: the done
// flag flips exactly once, for a response or for a hard timeout,
// whichever the server observes first. The stalled flag is
// monotonic and can only be set before resolution.
type rpcCall struct {
	tid    string
	method string
	req    *krpcMessage

	// where the query went. dest.ID may be zero when we are
	// querying a bootstrap router whose ID we do not know yet.
	dest NodeInfo

	// candidateID is the key the owning task filed this node
	// under in its candidate partitions. Usually dest.ID, but a
	// placeholder for seed nodes contacted before their real ID
	// is known.
	candidateID Key

	listener callListener

	sentAt time.Time

	stalled atomic.Bool
	done    atomic.Bool

	outcome *callOutcome
	latch   *loquet.Chan[callOutcome]
}

func newRpcCall(tid, method string, req *krpcMessage, dest NodeInfo, listener callListener) *rpcCall {
	c := &rpcCall{
		tid:      tid,
		method:   method,
		req:      req,
		dest:     dest,
		listener: listener,
	}
	c.latch = loquet.NewChan[callOutcome](nil)
	return c
}

// expectedID returns the responder ID this call was addressed to,
// and whether one is known.
func (c *rpcCall) expectedID() (k Key, known bool) {
	return c.dest.ID, !c.dest.ID.IsZero()
}

// matchesResponder reports whether a reply claiming to be from k
// is acceptable for this call. Unknown expected IDs accept any
// responder; that is how bootstrap routers get into the table.
func (c *rpcCall) matchesResponder(k Key) bool {
	exp, known := c.expectedID()
	if !known {
		return true
	}
	return exp == k
}

// wasStalled reports whether the call passed through the stalled
// state before resolving.
func (c *rpcCall) wasStalled() bool {
	return c.stalled.Load()
}

func (c *rpcCall) resolved() bool {
	return c.done.Load()
}

// markStalled flips the monotonic stalled flag. Returns false if
// the call had already stalled or already resolved, in which case
// the listener is not notified again.
func (c *rpcCall) markStalled() bool {
	if c.done.Load() {
		return false
	}
	if !c.stalled.CompareAndSwap(false, true) {
		return false
	}
	if c.listener != nil {
		c.listener.onCallStall(c)
	}
	return true
}

// resolveResponse delivers a validated response. Returns false if
// the call had already resolved.
func (c *rpcCall) resolveResponse(resp *krpcMessage, rtt time.Duration) bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}
	c.outcome = &callOutcome{Resp: resp, RTT: rtt}
	if c.listener != nil {
		c.listener.onCallResponse(c, resp)
	}
	c.latch.CloseWith(c.outcome)
	return true
}

// resolveTimeout delivers the hard timeout. Returns false if the
// call had already resolved.
func (c *rpcCall) resolveTimeout(err error) bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}
	c.outcome = &callOutcome{Err: err, TimedOut: true}
	if c.listener != nil {
		c.listener.onCallTimeout(c)
	}
	c.latch.CloseWith(c.outcome)
	return true
}

// whenDone returns a channel closed at resolution, for callers
// that want to select on completion alongside shutdown.
func (c *rpcCall) whenDone() <-chan struct{} {
	return c.latch.WhenClosed()
}

// await blocks until the call resolves and returns the outcome.
func (c *rpcCall) await() callOutcome {
	<-c.latch.WhenClosed()
	out, _ := c.latch.Read()
	if out == nil {
		return callOutcome{Err: ErrShutdown}
	}
	return *out
}
