package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

// ErrNoSchedulableNode is returned when the candidate set for a task type is
// empty.
var ErrNoSchedulableNode = errors.New("scheduler: no schedulable node")

// Load score weights. Bandwidth and latency are in Mbps/ms while the usage
// terms are in [0,1], so the network terms dominate the score; this is the
// coarse prefer-LAN behaviour the fleet was tuned with.
const (
	weightCPU       = 0.3
	weightMem       = 0.1
	weightXPU       = 0.4
	weightBandwidth = 1.0
	weightLatency   = 1.0
)

// Policy selects a target node for a task type from a registry snapshot. It
// never mutates registry state except for advancing the shared round-robin
// cursor.
type Policy struct {
	registry *registry.Registry
}

// NewPolicy creates a policy bound to the registry.
func NewPolicy(reg *registry.Registry) *Policy {
	return &Policy{registry: reg}
}

// Select returns the target device for one task under the given strategy.
func (p *Policy) Select(tt types.TaskType, strategy types.ScheduleStrategy) (types.Device, error) {
	snap := p.registry.Snapshot()
	candidates := candidateIDs(snap, tt)
	if len(candidates) == 0 {
		return types.Device{}, fmt.Errorf("%w: task type %s", ErrNoSchedulableNode, tt)
	}

	if strategy == types.StrategyRoundRobin {
		return p.roundRobin(snap, candidates), nil
	}

	dev, ok := selectByLoad(snap, candidates)
	if !ok {
		// No candidate has been polled yet; fall back to fair rotation.
		logger := log.WithComponent("policy")
		logger.Warn().Str("task_type", string(tt)).
			Msg("no device status available, falling back to round robin")
		return p.roundRobin(snap, candidates), nil
	}
	return dev, nil
}

// candidateIDs builds the deterministic candidate set for a task type:
// nodes actively running the service, else nodes holding a slot for it,
// else every node with a status entry as a last resort.
func candidateIDs(snap registry.Snapshot, tt types.TaskType) []types.DeviceID {
	var ids []types.DeviceID

	if tt != types.TaskTypeUnknown {
		for id, services := range snap.ActiveServices {
			if _, ok := snap.Status[id]; !ok {
				continue
			}
			for _, svc := range services {
				if svc == tt {
					ids = append(ids, id)
					break
				}
			}
		}
		if len(ids) == 0 {
			for _, id := range snap.SlotNodes[tt] {
				if _, ok := snap.Status[id]; ok {
					ids = append(ids, id)
				}
			}
		}
	}
	if len(ids) == 0 {
		for id := range snap.Status {
			ids = append(ids, id)
		}
	}

	types.SortDeviceIDs(ids)
	return ids
}

// selectByLoad scores every polled candidate and returns the minimum. The
// bool is false when no candidate has a usable status.
func selectByLoad(snap registry.Snapshot, candidates []types.DeviceID) (types.Device, bool) {
	var (
		best      types.DeviceID
		bestScore float64
		found     bool
		summary   strings.Builder
	)

	for _, id := range candidates {
		status, ok := snap.Status[id]
		if !ok || !snap.HasStatus[id] {
			continue
		}
		dev, ok := snap.Devices[id]
		if !ok {
			continue
		}

		score := weightCPU*status.CPUUsed +
			weightMem*status.MemUsed +
			weightXPU*status.XPUUsed +
			weightBandwidth*status.NetBandwidth +
			weightLatency*status.NetLatency

		if summary.Len() > 0 {
			summary.WriteString(" | ")
		}
		fmt.Fprintf(&summary, "device %s: cpu=%.3f mem=%.3f xpu=%.3f bw=%.1f lat=%.1f score=%.3f",
			dev.IPAddress, status.CPUUsed, status.MemUsed, status.XPUUsed,
			status.NetBandwidth, status.NetLatency, score)

		if !found || score < bestScore {
			found = true
			bestScore = score
			best = id
		}
	}

	if !found {
		return types.Device{}, false
	}

	selected := snap.Devices[best]
	logger := log.WithComponent("policy")
	logger.Info().
		Str("selected", selected.IPAddress).
		Float64("score", bestScore).
		Str("candidates", summary.String()).
		Msg("load-based selection")
	return selected, true
}

// roundRobin returns candidates[cursor mod len] and advances the shared
// cursor. Candidate order is deterministic, so k consecutive calls over a
// stable registry visit each of k candidates exactly once.
func (p *Policy) roundRobin(snap registry.Snapshot, candidates []types.DeviceID) types.Device {
	idx := p.registry.NextCursor() % uint64(len(candidates))
	selected := snap.Devices[candidates[idx]]
	logger := log.WithComponent("policy")
	logger.Info().
		Str("selected", selected.IPAddress).
		Msg("round-robin selection")
	return selected
}
