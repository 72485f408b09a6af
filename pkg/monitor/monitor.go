package monitor

import (
	"time"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/metrics"
	"github.com/edgerun/flotilla/pkg/queue"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

const (
	// CheckInterval is the period between health sweeps.
	CheckInterval = 5 * time.Second

	// LatencyThresholdSec is the probe latency, in seconds, above which a
	// node is considered unreachable. The comparison is strict: a node at
	// exactly the threshold stays healthy.
	LatencyThresholdSec = 10.0

	// RecoveryCooldown is the minimum gap between two recovery sweeps of
	// the same node, so a node that stays degraded is not recovered on
	// every tick.
	RecoveryCooldown = 30 * time.Second
)

// Monitor watches node probe latency and re-queues tasks stuck on nodes
// that stop answering.
type Monitor struct {
	registry *registry.Registry
	queue    *queue.Manager
	stopCh   chan struct{}
	doneCh   chan struct{}

	lastRecovery map[types.DeviceID]time.Time
	now          func() time.Time
}

// New creates a health monitor.
func New(reg *registry.Registry, q *queue.Manager) *Monitor {
	return &Monitor{
		registry:     reg,
		queue:        q,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		lastRecovery: make(map[types.DeviceID]time.Time),
		now:          time.Now,
	}
}

// Start begins the health check loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	logger := log.WithComponent("monitor")
	logger.Info().Dur("interval", CheckInterval).Msg("health monitor started")

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			logger.Info().Msg("health monitor stopped")
			return
		}
	}
}

// Sweep checks every polled node once and recovers tasks from degraded
// ones. Recovery happens outside the registry read so the queue walk never
// holds both locks.
func (m *Monitor) Sweep() {
	snap := m.registry.Snapshot()
	now := m.now()

	// Drop cooldown entries of nodes that have left the registry.
	for id := range m.lastRecovery {
		if _, ok := snap.Devices[id]; !ok {
			delete(m.lastRecovery, id)
		}
	}

	var degraded []types.DeviceID
	for id := range snap.Devices {
		if !snap.HasStatus[id] {
			continue
		}
		if !m.unhealthy(snap.Status[id]) {
			continue
		}
		if last, ok := m.lastRecovery[id]; ok && now.Sub(last) < RecoveryCooldown {
			continue
		}
		degraded = append(degraded, id)
	}

	for _, id := range degraded {
		m.lastRecovery[id] = now
		recovered := m.queue.Recover(id)
		if recovered == 0 {
			continue
		}
		metrics.RecoveriesTotal.Inc()
		logger := log.WithDeviceID(string(id))
		logger.Warn().
			Int("recovered", recovered).
			Float64("latency_ms", m.latencyOf(snap, id)).
			Msg("node unreachable, tasks re-queued")
	}
}

// unhealthy reports whether a node's probe latency, converted from
// milliseconds to seconds, strictly exceeds the threshold.
func (m *Monitor) unhealthy(s types.DeviceStatus) bool {
	return s.NetLatency/1000.0 > LatencyThresholdSec
}

func (m *Monitor) latencyOf(snap registry.Snapshot, id types.DeviceID) float64 {
	return snap.Status[id].NetLatency
}
