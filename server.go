package mdht

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/idem"
)

var (
	ErrShutdown  = fmt.Errorf("mdht: shutting down")
	ErrTimeout   = fmt.Errorf("mdht: rpc call hard timeout")
	ErrQueueFull = fmt.Errorf("mdht: task queue full")
)

// rpcBackend is what a task needs from the transport: submit a
// call, get woken when a refused call might now fit, and an
// executor to keep I/O off the task monitor lock. Tests plug in a
// fake; the live implementation is *rpcServer.
type rpcBackend interface {
	// doCall submits c. false means the global active-call cap
	// refused it; the caller should re-arm via onDeclog.
	doCall(c *rpcCall) bool

	// onDeclog registers a one-shot wakeup to run the next time
	// a call slot frees up.
	onDeclog(f func())

	scheduler() executor
}

// queryHandler answers inbound KRPC queries. Returning nil means
// drop the query silently.
type queryHandler interface {
	handleQuery(from netip.AddrPort, m *krpcMessage) *krpcMessage
}

// callEntry is the server-side bookkeeping for one in-flight
// call: the call plus its two queued deadlines.
type callEntry struct {
	call     *rpcCall
	stallDue *callDeadline
	hardDue  *callDeadline
}

type outPacket struct {
	to netip.AddrPort
	b  []byte
}

// callTable correlates transaction ids with their in-flight
// calls. take is the single point of retirement, so a response
// and a hard timeout racing on the same tid cannot both retire
// the call.
type callTable struct {
	mut sync.Mutex
	m   map[string]*callEntry
}

func newCallTable() *callTable {
	return &callTable{m: make(map[string]*callEntry)}
}

func (t *callTable) set(tid string, ce *callEntry) {
	t.mut.Lock()
	t.m[tid] = ce
	t.mut.Unlock()
}

func (t *callTable) get(tid string) (ce *callEntry, ok bool) {
	t.mut.Lock()
	ce, ok = t.m[tid]
	t.mut.Unlock()
	return
}

// take removes and returns the entry for tid. At most one caller
// gets it.
func (t *callTable) take(tid string) (ce *callEntry, ok bool) {
	t.mut.Lock()
	ce, ok = t.m[tid]
	if ok {
		delete(t.m, tid)
	}
	t.mut.Unlock()
	return
}

// live snapshots the entries still in flight, for shutdown.
func (t *callTable) live() (r []*callEntry) {
	t.mut.Lock()
	for _, ce := range t.m {
		r = append(r, ce)
	}
	t.mut.Unlock()
	return
}

// ServerStats is a snapshot of the rpc server counters.
type ServerStats struct {
	Sent        int64
	Recv        int64
	Timeouts    int64
	Stalls      int64
	BadPackets  int64
	ActiveCalls int64
	StallAfter  time.Duration
}

// rpcServer owns the UDP socket and everything per-call: the
// transaction correlation map, the deadline queue, the adaptive
// stall threshold, and the global active-call cap. Three
// goroutines run under one halter: the read loop, the send loop,
// and the timer loop.
type rpcServer struct {
	cfg  *Config
	self Key

	conn *net.UDPConn
	halt *idem.Halter

	sched *scheduler

	calls     *callTable
	deadlines *pq

	// timerWake nudges the timer loop when a new earliest
	// deadline is queued.
	timerWake chan struct{}

	sendq chan *outPacket

	tidCounter  atomic.Uint64
	activeCalls atomic.Int64

	declogMut  sync.Mutex
	declogFifo []func()

	rttMut sync.Mutex
	rtt    *tdigest.TDigest

	handlerMut sync.Mutex
	handler    queryHandler

	sent       atomic.Int64
	recv       atomic.Int64
	timeouts   atomic.Int64
	stalls     atomic.Int64
	badPackets atomic.Int64

	startOnce sync.Once
}

const maxPacketLen = 1500

func newRpcServer(cfg *Config, self Key, halt *idem.Halter) (*rpcServer, error) {
	uaddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("rpcServer: bad listen addr '%v': %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, fmt.Errorf("rpcServer: listen: %w", err)
	}
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := &rpcServer{
		cfg:       cfg,
		self:      self,
		conn:      conn,
		halt:      halt,
		sched:     newScheduler(halt),
		calls:     newCallTable(),
		deadlines: newDeadlinePq(),
		timerWake: make(chan struct{}, 1),
		sendq:     make(chan *outPacket, 256),
		rtt:       td,
	}
	return s, nil
}

func (s *rpcServer) start() {
	s.startOnce.Do(func() {
		s.sched.start()
		go s.readLoop()
		go s.sendLoop()
		go s.timerLoop()
	})
}

// stop asks the loops to wind down and fails every call still in
// flight so no waiter hangs.
func (s *rpcServer) stop() {
	s.halt.ReqStop.Close()
	s.conn.Close()
	for _, ce := range s.calls.live() {
		s.failCall(ce.call, ErrShutdown)
	}
	s.halt.Done.Close()
}

func (s *rpcServer) localAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *rpcServer) scheduler() executor {
	return s.sched
}

func (s *rpcServer) setQueryHandler(h queryHandler) {
	s.handlerMut.Lock()
	s.handler = h
	s.handlerMut.Unlock()
}

func (s *rpcServer) getQueryHandler() queryHandler {
	s.handlerMut.Lock()
	defer s.handlerMut.Unlock()
	return s.handler
}

func (s *rpcServer) nextTid() string {
	n := s.tidCounter.Add(1)
	// two bytes of tid is plenty for the calls we keep in flight.
	return string([]byte{byte(n >> 8), byte(n)})
}

// stallAfter is the adaptive soft-stall threshold: the p90 of
// observed RTTs, clamped to the configured floor and ceiling.
// Until enough samples arrive we stay at the ceiling.
func (s *rpcServer) stallAfter() time.Duration {
	s.rttMut.Lock()
	defer s.rttMut.Unlock()
	if s.rtt.Count() < 20 {
		return s.cfg.StallCeiling
	}
	p90 := time.Duration(s.rtt.Quantile(0.90) * float64(time.Millisecond))
	if p90 < s.cfg.StallFloor {
		return s.cfg.StallFloor
	}
	if p90 > s.cfg.StallCeiling {
		return s.cfg.StallCeiling
	}
	return p90
}

func (s *rpcServer) observeRTT(rtt time.Duration) {
	s.rttMut.Lock()
	s.rtt.Add(float64(rtt) / float64(time.Millisecond))
	s.rttMut.Unlock()
}

// doCall submits c. Refuses with false when the global cap is
// reached. On acceptance the call is correlated, deadlined, and
// queued for the send loop.
func (s *rpcServer) doCall(c *rpcCall) bool {
	for {
		cur := s.activeCalls.Load()
		if cur >= int64(s.cfg.MaxActiveCalls) {
			return false
		}
		if s.activeCalls.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	tid := s.nextTid()
	c.tid = tid
	c.req.T = tid
	c.sentAt = time.Now()

	now := c.sentAt
	ce := &callEntry{call: c}
	ce.stallDue = s.deadlines.add(&callDeadline{
		when: now.Add(s.stallAfter()), kind: deadlineStall, call: c})
	ce.hardDue = s.deadlines.add(&callDeadline{
		when: now.Add(s.cfg.HardTimeout), kind: deadlineHard, call: c})
	s.calls.set(tid, ce)
	s.wakeTimer()

	b, err := encodeMessage(c.req)
	if err != nil {
		// cannot happen for the fixed envelope types, but fail
		// the call rather than wedge its waiters.
		s.failCall(c, err)
		return true
	}
	select {
	case s.sendq <- &outPacket{to: c.dest.Addr, b: b}:
		s.sent.Add(1)
	case <-s.halt.ReqStop.Chan:
		s.failCall(c, ErrShutdown)
	}
	return true
}

// onDeclog registers a one-shot wakeup that fires after the next
// call slot frees.
func (s *rpcServer) onDeclog(f func()) {
	s.declogMut.Lock()
	s.declogFifo = append(s.declogFifo, f)
	s.declogMut.Unlock()
}

func (s *rpcServer) fireDeclog() {
	s.declogMut.Lock()
	fifo := s.declogFifo
	s.declogFifo = nil
	s.declogMut.Unlock()
	for _, f := range fifo {
		s.sched.execute(f)
	}
}

// retireCall removes the call's correlation entry and deadlines
// and releases its global slot. Idempotent per call.
func (s *rpcServer) retireCall(tid string) {
	ce, ok := s.calls.take(tid)
	if !ok {
		return
	}
	s.deadlines.del(ce.stallDue)
	s.deadlines.del(ce.hardDue)
	s.activeCalls.Add(-1)
	s.fireDeclog()
}

func (s *rpcServer) failCall(c *rpcCall, err error) {
	s.retireCall(c.tid)
	if c.resolveTimeout(err) {
		s.timeouts.Add(1)
	}
}

func (s *rpcServer) wakeTimer() {
	select {
	case s.timerWake <- struct{}{}:
	default:
	}
}

func (s *rpcServer) sendLoop() {
	defer s.halt.Done.Close()
	for {
		select {
		case pkt := <-s.sendq:
			_, err := s.conn.WriteToUDPAddrPort(pkt.b, pkt.to)
			if err != nil {
				//vv("udp write to %v: %v", pkt.to, err)
			}
		case <-s.halt.ReqStop.Chan:
			return
		}
	}
}

func (s *rpcServer) readLoop() {
	defer s.halt.Done.Close()
	buf := make([]byte, maxPacketLen)
	for {
		select {
		case <-s.halt.ReqStop.Chan:
			return
		default:
		}
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.halt.ReqStop.Chan:
				return
			default:
			}
			continue
		}
		m, err := decodeMessage(buf[:n])
		if err != nil {
			s.badPackets.Add(1)
			continue
		}
		s.recv.Add(1)
		switch {
		case m.isResponse():
			s.handleResponse(from, m)
		case m.isError():
			s.handleErrorReply(from, m)
		case m.isQuery():
			s.handleInboundQuery(from, m)
		}
	}
}

func (s *rpcServer) handleResponse(from netip.AddrPort, m *krpcMessage) {
	ce, ok := s.calls.get(m.T)
	if !ok {
		return
	}
	c := ce.call
	sender, err := m.senderID()
	if err != nil {
		s.badPackets.Add(1)
		return
	}
	if !c.matchesResponder(sender) {
		// a different node answered with our transaction id.
		// the call fails rather than poisoning the lookup.
		s.failCall(c, fmt.Errorf("responder id %v does not match expected %v",
			sender.Short(), c.dest.ID.Short()))
		return
	}
	rtt := time.Since(c.sentAt)
	s.retireCall(m.T)
	if c.resolveResponse(m, rtt) {
		s.observeRTT(rtt)
	}
}

func (s *rpcServer) handleErrorReply(from netip.AddrPort, m *krpcMessage) {
	ce, ok := s.calls.get(m.T)
	if !ok {
		return
	}
	s.failCall(ce.call, *m.E)
}

func (s *rpcServer) handleInboundQuery(from netip.AddrPort, m *krpcMessage) {
	h := s.getQueryHandler()
	if h == nil {
		return
	}
	reply := h.handleQuery(from, m)
	if reply == nil {
		return
	}
	b, err := encodeMessage(reply)
	if err != nil {
		return
	}
	select {
	case s.sendq <- &outPacket{to: from, b: b}:
	case <-s.halt.ReqStop.Chan:
	}
}

// timerLoop sleeps until the earliest queued deadline, then fires
// stalls and hard timeouts as they come due.
func (s *rpcServer) timerLoop() {
	defer s.halt.Done.Close()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.fireDue()

		wait := time.Hour
		if d := s.deadlines.peek(); d != nil {
			wait = time.Until(d.when)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.timerWake:
		case <-s.halt.ReqStop.Chan:
			return
		}
	}
}

func (s *rpcServer) fireDue() {
	now := time.Now()
	for {
		d := s.deadlines.popIfDue(now)
		if d == nil {
			return
		}
		switch d.kind {
		case deadlineStall:
			if d.call.markStalled() {
				s.stalls.Add(1)
			}
		case deadlineHard:
			s.failCall(d.call, ErrTimeout)
		}
	}
}

func (s *rpcServer) stats() ServerStats {
	return ServerStats{
		Sent:        s.sent.Load(),
		Recv:        s.recv.Load(),
		Timeouts:    s.timeouts.Load(),
		Stalls:      s.stalls.Load(),
		BadPackets:  s.badPackets.Load(),
		ActiveCalls: s.activeCalls.Load(),
		StallAfter:  s.stallAfter(),
	}
}
