package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/queue"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

func setupMonitor(t *testing.T) (*Monitor, *registry.Registry, *queue.Manager) {
	t.Helper()
	reg := registry.New()
	reg.Register(types.Device{
		Type:      types.DeviceTypeRK3588,
		GlobalID:  "node-1",
		IPAddress: "192.168.1.10",
		AgentPort: 8000,
	}, []types.TaskType{types.TaskTypeYoloV5})

	q := queue.NewManager()
	return New(reg, q), reg, q
}

func runningTask(q *queue.Manager, id types.DeviceID, name string) {
	q.AddRunning(id, types.ImageTask{TaskID: name, TaskType: types.TaskTypeYoloV5})
}

func TestLatencyAtThresholdDoesNotTrigger(t *testing.T) {
	m, reg, q := setupMonitor(t)
	runningTask(q, "node-1", "a.png")

	// Exactly 10.0 s: healthy by the strict comparison.
	reg.UpdateStatus("node-1", types.DeviceStatus{NetLatency: 10000})
	m.Sweep()

	assert.Equal(t, 1, q.RunningCount())
	assert.Equal(t, 0, q.PendingLen())
}

func TestLatencyAboveThresholdRecovers(t *testing.T) {
	m, reg, q := setupMonitor(t)
	runningTask(q, "node-1", "a.png")

	reg.UpdateStatus("node-1", types.DeviceStatus{NetLatency: 10001})
	m.Sweep()

	assert.Equal(t, 0, q.RunningCount())
	pending := q.PendingTasks()
	require.Len(t, pending, 1)
	assert.Equal(t, "a.png", pending[0].TaskID)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestUnpolledNodesAreSkipped(t *testing.T) {
	m, _, q := setupMonitor(t)
	runningTask(q, "node-1", "a.png")

	// No UpdateStatus call: the node has never been polled.
	m.Sweep()

	assert.Equal(t, 1, q.RunningCount())
}

func TestCooldownSuppressesRepeatedRecovery(t *testing.T) {
	m, reg, q := setupMonitor(t)
	reg.UpdateStatus("node-1", types.DeviceStatus{NetLatency: 20000})

	base := time.Now()
	m.now = func() time.Time { return base }

	runningTask(q, "node-1", "a.png")
	m.Sweep()
	assert.Equal(t, 1, q.PendingLen())

	// A task re-dispatched to the still-degraded node within the cooldown
	// must not be pulled back again.
	runningTask(q, "node-1", "b.png")
	m.now = func() time.Time { return base.Add(RecoveryCooldown - time.Second) }
	m.Sweep()
	assert.Equal(t, 1, q.RunningCount())

	// Past the cooldown the node is eligible again.
	m.now = func() time.Time { return base.Add(RecoveryCooldown) }
	m.Sweep()
	assert.Equal(t, 0, q.RunningCount())
	assert.Equal(t, 2, q.PendingLen())
}

func TestCooldownEntryDroppedWithNode(t *testing.T) {
	m, reg, q := setupMonitor(t)
	runningTask(q, "node-1", "a.png")

	reg.UpdateStatus("node-1", types.DeviceStatus{NetLatency: 20000})
	m.Sweep()
	require.Contains(t, m.lastRecovery, types.DeviceID("node-1"))

	// Once the node leaves the registry its cooldown bookkeeping goes too,
	// so churn does not accumulate entries forever.
	reg.Remove("node-1")
	m.Sweep()
	assert.NotContains(t, m.lastRecovery, types.DeviceID("node-1"))
}

func TestRecoveredNodeKeepsRegistration(t *testing.T) {
	m, reg, q := setupMonitor(t)
	runningTask(q, "node-1", "a.png")

	reg.UpdateStatus("node-1", types.DeviceStatus{NetLatency: 20000})
	m.Sweep()

	_, ok := reg.Device("node-1")
	assert.True(t, ok)
}
