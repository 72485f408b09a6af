package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

const registerTimeout = 10 * time.Second

// Registrar announces the node to the master and optionally runs the
// disconnect/reconnect simulation cycle.
type Registrar struct {
	masterAddr string
	node       types.Device

	// Cycle durations; a non-positive disconnect disables the cycle.
	disconnect time.Duration
	reconnect  time.Duration

	httpClient *http.Client
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewRegistrar creates a registrar for the given node identity.
func NewRegistrar(masterAddr string, node types.Device, disconnect, reconnect time.Duration) *Registrar {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = registerTimeout
	return &Registrar{
		masterAddr: masterAddr,
		node:       node,
		disconnect: disconnect,
		reconnect:  reconnect,
		httpClient: c,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Register announces the node once. The agent treats a failure here at
// startup as fatal.
func (r *Registrar) Register() error {
	return r.post("/register_node")
}

// Unregister withdraws the node from the master.
func (r *Registrar) Unregister() error {
	return r.post("/unregister_node")
}

func (r *Registrar) post(path string) error {
	body, err := json.Marshal(struct {
		Type      string   `json:"type"`
		GlobalID  string   `json:"global_id"`
		IPAddress string   `json:"ip_address"`
		AgentPort int      `json:"agent_port"`
		Services  []string `json:"services,omitempty"`
	}{
		Type:      string(r.node.Type),
		GlobalID:  string(r.node.GlobalID),
		IPAddress: r.node.IPAddress,
		AgentPort: r.node.AgentPort,
		Services:  taskTypeStrings(r.node.Services),
	})
	if err != nil {
		return fmt.Errorf("agent: encode node: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", r.masterAddr, path)
	resp, err := r.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: master answered %s with status %d", path, resp.StatusCode)
	}
	return nil
}

// Start launches the disconnect/reconnect cycle when enabled. The loop
// sleeps connected, withdraws the node, sleeps disconnected, and re-joins,
// simulating churn for scheduling experiments.
func (r *Registrar) Start() {
	go r.run()
}

// Stop halts the cycle between phases.
func (r *Registrar) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registrar) run() {
	defer close(r.doneCh)
	logger := log.WithComponent("registrar")

	if r.disconnect <= 0 {
		<-r.stopCh
		return
	}

	logger.Info().
		Dur("connected", r.disconnect).
		Dur("disconnected", r.reconnect).
		Msg("disconnect cycle enabled")

	for {
		if !sleepOrStop(r.disconnect, r.stopCh) {
			return
		}
		if err := r.Unregister(); err != nil {
			logger.Warn().Err(err).Msg("cycle unregister failed")
		}
		if !sleepOrStop(r.reconnect, r.stopCh) {
			return
		}
		if err := r.Register(); err != nil {
			logger.Warn().Err(err).Msg("cycle register failed")
		}
	}
}

func taskTypeStrings(tts []types.TaskType) []string {
	if len(tts) == 0 {
		return nil
	}
	out := make([]string, len(tts))
	for i, tt := range tts {
		out[i] = string(tt)
	}
	return out
}

// LocalIP discovers the node's outward-facing address by picking the first
// non-loopback IPv4 on any up interface.
func LocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("agent: list interfaces: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("agent: no non-loopback IPv4 address found")
}
