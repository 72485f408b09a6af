package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/metrics"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

const (
	// PollInterval is the period of the fleet-wide status sweep.
	PollInterval = 250 * time.Millisecond

	// summaryEvery controls how often a fleet load summary is logged, in
	// ticks. One summary per ten sweeps keeps the log readable at 4 Hz.
	summaryEvery = 10

	pollTimeout = 2 * time.Second
)

// deviceInfoResponse is the envelope returned by an agent's device info
// endpoint.
type deviceInfoResponse struct {
	Status string           `json:"status"`
	Result deviceInfoResult `json:"result"`
}

type deviceInfoResult struct {
	types.DeviceStatus
	Services []string `json:"services,omitempty"`
}

// Poller periodically refreshes every registered node's DeviceStatus from
// the node's agent.
type Poller struct {
	registry   *registry.Registry
	httpClient *http.Client
	stopCh     chan struct{}
	doneCh     chan struct{}
	tick       uint64
}

// NewPoller creates a telemetry poller over the given registry.
func NewPoller(reg *registry.Registry) *Poller {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = pollTimeout
	return &Poller{
		registry:   reg,
		httpClient: c,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the poll loop.
func (p *Poller) Start() {
	go p.run()
}

// Stop halts the poll loop and waits for the in-flight sweep to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)
	logger := log.WithComponent("telemetry")
	logger.Info().Dur("interval", PollInterval).Msg("telemetry poller started")

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			logger.Info().Msg("telemetry poller stopped")
			return
		}
	}
}

// sweep polls every registered node once, concurrently, then optionally
// logs a fleet summary.
func (p *Poller) sweep() {
	devices := p.registry.Devices()
	if len(devices) == 0 {
		return
	}

	var wg sync.WaitGroup
	for id, dev := range devices {
		wg.Add(1)
		go func(id types.DeviceID, dev types.Device) {
			defer wg.Done()
			p.pollOne(id, dev)
		}(id, dev)
	}
	wg.Wait()

	p.tick++
	if p.tick%summaryEvery == 0 {
		p.logSummary()
	}
}

func (p *Poller) pollOne(id types.DeviceID, dev types.Device) {
	logger := log.WithDeviceID(string(id))

	url := fmt.Sprintf("http://%s:%d/usage/device_info", dev.IPAddress, dev.AgentPort)
	resp, err := p.httpClient.Get(url)
	if err != nil {
		metrics.PollErrorsTotal.Inc()
		logger.Debug().Err(err).Msg("telemetry poll failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.PollErrorsTotal.Inc()
		io.Copy(io.Discard, resp.Body)
		logger.Debug().Int("status", resp.StatusCode).
			Msg("telemetry poll rejected")
		return
	}

	var envelope deviceInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		metrics.PollErrorsTotal.Inc()
		logger.Debug().Err(err).Msg("failed to decode telemetry response")
		return
	}
	if envelope.Status != "success" {
		metrics.PollErrorsTotal.Inc()
		logger.Debug().Str("status", envelope.Status).
			Msg("agent reported telemetry failure")
		return
	}

	p.registry.UpdateStatus(id, envelope.Result.DeviceStatus)

	if envelope.Result.Services != nil {
		services := make([]types.TaskType, 0, len(envelope.Result.Services))
		for _, s := range envelope.Result.Services {
			if tt := types.ParseTaskType(s); tt != types.TaskTypeUnknown {
				services = append(services, tt)
			}
		}
		p.registry.UpdateActiveServices(id, services)
	}
}

// logSummary emits one line describing the load of every polled node.
func (p *Poller) logSummary() {
	snap := p.registry.Snapshot()

	ids := make([]types.DeviceID, 0, len(snap.Devices))
	for id := range snap.Devices {
		ids = append(ids, id)
	}
	types.SortDeviceIDs(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if !snap.HasStatus[id] {
			parts = append(parts, fmt.Sprintf("%s=unpolled", snap.Devices[id].IPAddress))
			continue
		}
		s := snap.Status[id]
		parts = append(parts, fmt.Sprintf("%s cpu=%.2f mem=%.2f xpu=%.2f lat=%.1fms bw=%.0f",
			snap.Devices[id].IPAddress, s.CPUUsed, s.MemUsed, s.XPUUsed, s.NetLatency, s.NetBandwidth))
	}
	sort.Strings(parts)

	logger := log.WithComponent("telemetry")
	logger.Info().
		Int("nodes", len(ids)).
		Str("fleet", strings.Join(parts, "; ")).
		Msg("fleet load summary")
}
