package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

func newTwoNodeRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()

	n1 := types.Device{
		Type:      types.DeviceTypeAtlasH,
		GlobalID:  "node-1",
		IPAddress: "192.168.1.10",
		AgentPort: 8000,
	}
	n2 := types.Device{
		Type:      types.DeviceTypeRK3588,
		GlobalID:  "node-2",
		IPAddress: "192.168.1.11",
		AgentPort: 8000,
	}
	reg.Register(n1, []types.TaskType{types.TaskTypeYoloV5})
	reg.Register(n2, []types.TaskType{types.TaskTypeYoloV5})

	reg.UpdateStatus("node-1", types.DeviceStatus{
		CPUUsed: 0.10, MemUsed: 0.20, XPUUsed: 0.05,
		NetBandwidth: 100, NetLatency: 5,
	})
	reg.UpdateStatus("node-2", types.DeviceStatus{
		CPUUsed: 0.40, MemUsed: 0.30, XPUUsed: 0.20,
		NetBandwidth: 100, NetLatency: 5,
	})
	reg.UpdateActiveServices("node-1", []types.TaskType{types.TaskTypeYoloV5})
	reg.UpdateActiveServices("node-2", []types.TaskType{types.TaskTypeYoloV5})
	return reg
}

func TestLoadBasedPicksLowestScore(t *testing.T) {
	// node-1 scores 0.3*0.10+0.1*0.20+0.4*0.05+100+5 = 105.07,
	// node-2 scores 0.3*0.40+0.1*0.30+0.4*0.20+100+5 = 105.23.
	reg := newTwoNodeRegistry(t)
	p := NewPolicy(reg)

	dev, err := p.Select(types.TaskTypeYoloV5, types.StrategyLoadBased)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceID("node-1"), dev.GlobalID)
}

func TestLoadBasedPrefersLowLatency(t *testing.T) {
	reg := newTwoNodeRegistry(t)
	reg.UpdateStatus("node-1", types.DeviceStatus{
		CPUUsed: 0.0, MemUsed: 0.0, XPUUsed: 0.0,
		NetBandwidth: 100, NetLatency: 80,
	})

	p := NewPolicy(reg)
	dev, err := p.Select(types.TaskTypeYoloV5, types.StrategyLoadBased)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceID("node-2"), dev.GlobalID)
}

func TestRoundRobinRotatesFairly(t *testing.T) {
	reg := newTwoNodeRegistry(t)
	p := NewPolicy(reg)

	var got []types.DeviceID
	for i := 0; i < 3; i++ {
		dev, err := p.Select(types.TaskTypeYoloV5, types.StrategyRoundRobin)
		require.NoError(t, err)
		got = append(got, dev.GlobalID)
	}
	assert.Equal(t, []types.DeviceID{"node-1", "node-2", "node-1"}, got)
}

func TestEmptyRegistryReturnsNoSchedulableNode(t *testing.T) {
	p := NewPolicy(registry.New())

	_, err := p.Select(types.TaskTypeYoloV5, types.StrategyLoadBased)
	assert.ErrorIs(t, err, ErrNoSchedulableNode)
}

func TestLoadBasedFallsBackWhenNothingPolled(t *testing.T) {
	reg := registry.New()
	reg.Register(types.Device{
		Type:      types.DeviceTypeRK3588,
		GlobalID:  "node-1",
		IPAddress: "192.168.1.10",
		AgentPort: 8000,
	}, []types.TaskType{types.TaskTypeYoloV5})

	p := NewPolicy(reg)
	dev, err := p.Select(types.TaskTypeYoloV5, types.StrategyLoadBased)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceID("node-1"), dev.GlobalID)
}

func TestCandidatesNarrowToActiveServices(t *testing.T) {
	reg := newTwoNodeRegistry(t)
	// Only node-2 actively runs the service now; load-based must ignore the
	// otherwise cheaper node-1.
	reg.UpdateActiveServices("node-1", nil)

	p := NewPolicy(reg)
	dev, err := p.Select(types.TaskTypeYoloV5, types.StrategyLoadBased)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceID("node-2"), dev.GlobalID)
}

func TestSelectionIsDeterministic(t *testing.T) {
	reg := newTwoNodeRegistry(t)
	p := NewPolicy(reg)

	for i := 0; i < 10; i++ {
		dev, err := p.Select(types.TaskTypeYoloV5, types.StrategyLoadBased)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceID("node-1"), dev.GlobalID)
	}
}
