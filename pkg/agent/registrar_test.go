package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/types"
)

type fakeMaster struct {
	srv *httptest.Server

	mu          sync.Mutex
	registers   int
	unregisters int
	lastBody    map[string]any
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	m := &fakeMaster{}
	mux := http.NewServeMux()
	mux.HandleFunc("/register_node", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.registers++
		m.lastBody = body
		m.mu.Unlock()
	})
	mux.HandleFunc("/unregister_node", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.unregisters++
		m.mu.Unlock()
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMaster) addr() string {
	return strings.TrimPrefix(m.srv.URL, "http://")
}

func (m *fakeMaster) counts() (registers, unregisters int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers, m.unregisters
}

func cycleTestNode() types.Device {
	return types.Device{
		Type:      types.DeviceTypeRK3588,
		GlobalID:  "node-1",
		IPAddress: "192.168.1.10",
		AgentPort: 8000,
		Services:  []types.TaskType{types.TaskTypeYoloV5},
	}
}

func TestRegistrarAnnouncesNode(t *testing.T) {
	master := newFakeMaster(t)
	r := NewRegistrar(master.addr(), cycleTestNode(), 0, 0)

	require.NoError(t, r.Register())

	master.mu.Lock()
	body := master.lastBody
	master.mu.Unlock()
	assert.Equal(t, "RK3588", body["type"])
	assert.Equal(t, "node-1", body["global_id"])
	assert.Equal(t, "192.168.1.10", body["ip_address"])
	assert.Equal(t, float64(8000), body["agent_port"])
	assert.Equal(t, []any{"YoloV5"}, body["services"])
}

func TestRegisterFailsOnMasterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rejected", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRegistrar(strings.TrimPrefix(srv.URL, "http://"), cycleTestNode(), 0, 0)
	assert.Error(t, r.Register())
}

func TestRegistrarDisconnectCycle(t *testing.T) {
	master := newFakeMaster(t)
	r := NewRegistrar(master.addr(), cycleTestNode(), 20*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, r.Register())
	r.Start()
	defer r.Stop()

	// One full cycle: the node withdraws after the connected phase and
	// re-joins after the disconnected phase.
	require.Eventually(t, func() bool {
		registers, unregisters := master.counts()
		return registers >= 2 && unregisters >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistrarCycleDisabled(t *testing.T) {
	master := newFakeMaster(t)
	r := NewRegistrar(master.addr(), cycleTestNode(), 0, 0)

	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	registers, unregisters := master.counts()
	assert.Equal(t, 0, registers)
	assert.Equal(t, 0, unregisters)
}
