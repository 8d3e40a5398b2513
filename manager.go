package mdht

import (
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
)

// taskManager admits tasks into a bounded running set. Tasks past
// the cap wait in a FIFO queue ordered by their monotonic IDs;
// any completion promotes as many queued tasks as fit. Kill-all
// shutdown rides the halter like every other loop in the node.
type taskManager struct {
	halt *idem.Halter

	nextID atomic.Int64

	mut       sync.Mutex
	maxActive int
	queued    []*Task
	active    map[int64]*Task
}

func newTaskManager(maxActive int, halt *idem.Halter) *taskManager {
	return &taskManager{
		halt:      halt,
		maxActive: maxActive,
		active:    make(map[int64]*Task),
	}
}

// addTask assigns the task its ID and either starts it right
// away or queues it. Tasks start in FIFO order by ID, so a task
// admitted while the running set is full cannot jump ahead of
// older waiters.
func (m *taskManager) addTask(t *Task) {
	t.id = m.nextID.Add(1)
	t.mgr = m

	select {
	case <-m.halt.ReqStop.Chan:
		t.Kill()
		return
	default:
	}

	m.mut.Lock()
	m.queued = append(m.queued, t)
	m.mut.Unlock()
	m.dequeue()
}

// dequeue promotes queued tasks while slots remain. Start runs
// outside the manager lock: a tiny task can finish synchronously
// inside start() and re-enter taskFinished.
func (m *taskManager) dequeue() {
	for {
		m.mut.Lock()
		if len(m.queued) == 0 || len(m.active) >= m.maxActive {
			m.mut.Unlock()
			return
		}
		t := m.queued[0]
		m.queued = m.queued[1:]
		if t.IsFinished() {
			// killed while waiting. skip it.
			m.mut.Unlock()
			continue
		}
		m.active[t.id] = t
		m.mut.Unlock()
		t.start()
	}
}

// taskFinished is called by the task's terminal transition.
func (m *taskManager) taskFinished(t *Task) {
	m.mut.Lock()
	delete(m.active, t.id)
	m.mut.Unlock()
	m.dequeue()
}

func (m *taskManager) numActive() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.active)
}

func (m *taskManager) numQueued() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.queued)
}

// killAll forces every queued and active task to its terminal
// state, used at shutdown.
func (m *taskManager) killAll() {
	m.mut.Lock()
	queued := m.queued
	m.queued = nil
	var active []*Task
	for _, t := range m.active {
		active = append(active, t)
	}
	m.mut.Unlock()

	for _, t := range queued {
		t.Kill()
	}
	for _, t := range active {
		t.Kill()
	}
}
