package telemetry

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

// startAgent serves a canned device info payload and registers a matching
// node in the registry.
func startAgent(t *testing.T, reg *registry.Registry, payload string) types.Device {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/usage/device_info", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	dev := types.Device{
		Type:      types.DeviceTypeRK3588,
		GlobalID:  "node-1",
		IPAddress: host,
		AgentPort: port,
	}
	reg.Register(dev, []types.TaskType{types.TaskTypeYoloV5})
	return dev
}

func TestSweepUpdatesStatus(t *testing.T) {
	reg := registry.New()
	startAgent(t, reg, `{
		"status": "success",
		"result": {
			"mem": 0.35, "cpu_used": 0.12, "xpu_used": 0.50,
			"net_latency": 42, "net_bandwidth": 1000,
			"disconnectTime": 30, "reconnectTime": 20, "timeWindow": 5
		}
	}`)

	p := NewPoller(reg)
	p.sweep()

	status, polled := reg.Status("node-1")
	require.True(t, polled)
	assert.Equal(t, 0.35, status.MemUsed)
	assert.Equal(t, 0.12, status.CPUUsed)
	assert.Equal(t, 0.50, status.XPUUsed)
	assert.Equal(t, 42.0, status.NetLatency)
	assert.Equal(t, 1000.0, status.NetBandwidth)
	assert.Equal(t, 5.0, status.TimeWindow)
}

func TestSweepRefreshesServices(t *testing.T) {
	reg := registry.New()
	startAgent(t, reg, `{
		"status": "success",
		"result": {
			"mem": 0.1, "cpu_used": 0.1, "xpu_used": 0.1,
			"net_latency": 5, "net_bandwidth": 1000,
			"services": ["YoloV5", "NotAService", "Bert"]
		}
	}`)

	p := NewPoller(reg)
	p.sweep()

	snap := reg.Snapshot()
	// Unknown service names are dropped, not stored.
	assert.Equal(t, []types.TaskType{types.TaskTypeYoloV5, types.TaskTypeBert},
		snap.ActiveServices["node-1"])
}

func TestFailedPollKeepsLastStatus(t *testing.T) {
	reg := registry.New()
	dev := startAgent(t, reg, `{"status": "error"}`)
	reg.UpdateStatus(dev.GlobalID, types.DeviceStatus{CPUUsed: 0.77})

	p := NewPoller(reg)
	p.sweep()

	status, polled := reg.Status("node-1")
	require.True(t, polled)
	assert.Equal(t, 0.77, status.CPUUsed)
}

func TestUnreachableAgentLeavesNodeUnpolled(t *testing.T) {
	reg := registry.New()
	reg.Register(types.Device{
		Type:      types.DeviceTypeRK3588,
		GlobalID:  "node-1",
		IPAddress: "127.0.0.1",
		AgentPort: 1,
	}, nil)

	p := NewPoller(reg)
	p.sweep()

	_, polled := reg.Status("node-1")
	assert.False(t, polled)
}

func TestSweepWithEmptyRegistryIsNoop(t *testing.T) {
	p := NewPoller(registry.New())
	p.sweep()
	assert.EqualValues(t, 0, p.tick)
}
