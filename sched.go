package mdht

import (
	"sync"

	"github.com/glycerine/idem"
)

// executor runs closures on behalf of a task. Tasks hand their
// I/O submissions to one of these so that no task monitor lock is
// held while the socket layer does its work. Where the closure
// runs depends on the implementation: scheduler normally uses a
// worker goroutine, inlineExecutor always uses the caller.
type executor interface {
	execute(f func())
}

// scheduler is the fire-and-forget executor used by the live
// server: a small pool of worker goroutines draining a submission
// channel. Tests substitute an inline executor to keep everything
// on one goroutine and deterministic.
type scheduler struct {
	halt *idem.Halter
	subq chan func()

	startOnce sync.Once
}

const schedulerWorkers = 4
const schedulerQueueLen = 256

func newScheduler(halt *idem.Halter) *scheduler {
	return &scheduler{
		halt: halt,
		subq: make(chan func(), schedulerQueueLen),
	}
}

func (s *scheduler) start() {
	s.startOnce.Do(func() {
		for i := 0; i < schedulerWorkers; i++ {
			go s.worker()
		}
	})
}

func (s *scheduler) worker() {
	for {
		select {
		case f := <-s.subq:
			f()
		case <-s.halt.ReqStop.Chan:
			return
		}
	}
}

// execute queues f for a worker. On a full queue f runs inline on
// the caller rather than being lost. During shutdown f is dropped.
func (s *scheduler) execute(f func()) {
	select {
	case <-s.halt.ReqStop.Chan:
		return
	default:
	}
	select {
	case s.subq <- f:
	default:
		f()
	}
}

// inlineExecutor runs closures synchronously on the caller.
type inlineExecutor struct{}

func (inlineExecutor) execute(f func()) { f() }
