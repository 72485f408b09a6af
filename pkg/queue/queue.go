package queue

import (
	"container/list"
	"sync"

	"github.com/edgerun/flotilla/pkg/types"
)

// MaxRetries caps how many times a task may be retried before it is parked
// in the failed history.
const MaxRetries = 3

// FailureSink receives tasks that exhausted their retries. Implementations
// must not call back into the Manager.
type FailureSink interface {
	TaskFailed(task types.ImageTask)
}

// Manager owns the three task containers of the gateway: the pending deque,
// the per-node running index, and the failed history. A task is in exactly
// one of them at any time; Complete and Recover are the only ways out of
// running.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending *list.List // of types.ImageTask, front = next to dispatch
	running map[types.DeviceID][]types.ImageTask
	failed  []types.ImageTask

	closed bool
	sink   FailureSink
}

// NewManager creates an empty queue manager.
func NewManager() *Manager {
	m := &Manager{
		pending: list.New(),
		running: make(map[types.DeviceID][]types.ImageTask),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetFailureSink attaches an optional sink notified whenever a task is moved
// to the failed history.
func (m *Manager) SetFailureSink(s FailureSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

// Push appends a task to the pending deque. High-priority pushes go to the
// front so retried tasks stay ahead of newly arrived traffic.
func (m *Manager) Push(task types.ImageTask, highPriority bool) {
	m.mu.Lock()
	task.Status = types.TaskPending
	if highPriority {
		m.pending.PushFront(task)
	} else {
		m.pending.PushBack(task)
	}
	m.mu.Unlock()
	m.cond.Signal()
}

// Pop blocks until a pending task is available and returns the front of the
// deque. It returns ok=false after Close, which is how the scheduler loop
// learns to exit.
func (m *Manager) Pop() (types.ImageTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending.Len() == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return types.ImageTask{}, false
	}
	front := m.pending.Front()
	m.pending.Remove(front)
	return front.Value.(types.ImageTask), true
}

// Close wakes every blocked Pop caller. Pending tasks are left in place;
// the queue is in-memory and not expected to survive the process.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// AddRunning marks the task RUNNING and records it against the node it was
// dispatched to.
func (m *Manager) AddRunning(id types.DeviceID, task types.ImageTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.Status = types.TaskRunning
	m.running[id] = append(m.running[id], task)
}

// Complete removes the task whose id matches the reported id, either
// exactly or by path stem (so "foo" completes "foo.png"). It searches every
// node's running list because completion reports are matched by task id, not
// by device. Returning ok=false is normal for late or duplicate reports.
func (m *Manager) Complete(reportedTaskID string) (types.ImageTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reportedStem := types.PathStem(reportedTaskID)

	for id, tasks := range m.running {
		for i, task := range tasks {
			if task.TaskID == reportedTaskID || (reportedStem != "" && task.Stem() == reportedStem) {
				m.running[id] = append(tasks[:i:i], tasks[i+1:]...)
				if len(m.running[id]) == 0 {
					delete(m.running, id)
				}
				return task, true
			}
		}
	}
	return types.ImageTask{}, false
}

// Recover moves every running task of a node back to the front of the
// pending deque in original order, incrementing each retry count. Tasks past
// MaxRetries go to the failed history instead. The node's running list is
// erased either way.
func (m *Manager) Recover(id types.DeviceID) int {
	m.mu.Lock()
	tasks, ok := m.running[id]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(m.running, id)

	recovered := 0
	// Walk back to front so PushFront keeps the original order.
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		task.RetryCount++
		task.Status = types.TaskPending
		if task.RetryCount <= MaxRetries {
			m.pending.PushFront(task)
			recovered++
		} else {
			m.parkFailedLocked(task)
		}
	}
	m.mu.Unlock()
	m.cond.Signal()
	return recovered
}

// MoveToFailed parks a task in the failed history.
func (m *Manager) MoveToFailed(task types.ImageTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parkFailedLocked(task)
}

func (m *Manager) parkFailedLocked(task types.ImageTask) {
	m.failed = append(m.failed, task)
	if m.sink != nil {
		m.sink.TaskFailed(task)
	}
}

// PendingLen reports the number of queued tasks.
func (m *Manager) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// PendingTasks copies the pending deque front to back.
func (m *Manager) PendingTasks() []types.ImageTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ImageTask, 0, m.pending.Len())
	for e := m.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.ImageTask))
	}
	return out
}

// RunningTasks copies the running list of one node.
func (m *Manager) RunningTasks(id types.DeviceID) []types.ImageTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ImageTask(nil), m.running[id]...)
}

// RunningCount sums running tasks across all nodes.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tasks := range m.running {
		n += len(tasks)
	}
	return n
}

// FailedTasks copies the failed history.
func (m *Manager) FailedTasks() []types.ImageTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ImageTask(nil), m.failed...)
}
