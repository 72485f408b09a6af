package agent

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

const (
	// sampleInterval is the CPU sampling period (20 Hz).
	sampleInterval = 50 * time.Millisecond

	// cpuWindow is the moving-average window over CPU samples.
	cpuWindow = 5

	// latencyProbeInterval paces the master reachability probe; the probe
	// is far more expensive than a local sample, so it runs slower.
	latencyProbeInterval = time.Second

	latencyProbeTimeout = 15 * time.Second

	// fixedBandwidthMbps is reported when fluctuation is disabled.
	fixedBandwidthMbps = 1000.0
)

// Sampler produces the node's load snapshot: a smoothed CPU ratio from
// kernel counter deltas, memory and accelerator usage read on demand, and a
// periodically probed master round-trip latency.
type Sampler struct {
	masterURL string
	xpu       XPUReader
	fluctuate bool

	// Advisory fields echoed to the master.
	disconnectTime float64
	reconnectTime  float64
	timeWindow     float64

	httpClient *http.Client

	mu         sync.Mutex
	cpuSamples []float64
	prev       cpu.TimesStat
	hasPrev    bool
	latencyMS  float64

	stopCh chan struct{}
	doneCh chan struct{}
	rng    *rand.Rand
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// MasterAddr is host:port of the master, probed for latency.
	MasterAddr string
	// XPU reads accelerator utilisation; defaults to a zero reader.
	XPU XPUReader
	// BandwidthFluctuate reports a random bandwidth per snapshot instead
	// of the fixed link rate, a simulation knob for scheduling tests.
	BandwidthFluctuate bool

	DisconnectTime float64
	ReconnectTime  float64
	TimeWindow     float64
}

// NewSampler creates a sampler. Start must be called to begin sampling.
func NewSampler(cfg SamplerConfig) *Sampler {
	xpu := cfg.XPU
	if xpu == nil {
		xpu = zeroXPU
	}
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = latencyProbeTimeout
	return &Sampler{
		masterURL:      fmt.Sprintf("http://%s/", cfg.MasterAddr),
		xpu:            xpu,
		fluctuate:      cfg.BandwidthFluctuate,
		disconnectTime: cfg.DisconnectTime,
		reconnectTime:  cfg.ReconnectTime,
		timeWindow:     cfg.TimeWindow,
		httpClient:     c,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the sampling and probe loops.
func (s *Sampler) Start() {
	go s.run()
}

// Stop halts sampling.
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sampler) run() {
	defer close(s.doneCh)

	sampleTicker := time.NewTicker(sampleInterval)
	defer sampleTicker.Stop()
	probeTicker := time.NewTicker(latencyProbeInterval)
	defer probeTicker.Stop()

	s.probeLatency()

	for {
		select {
		case <-sampleTicker.C:
			s.sampleCPU()
		case <-probeTicker.C:
			s.probeLatency()
		case <-s.stopCh:
			return
		}
	}
}

// sampleCPU reads the aggregate kernel CPU counters and folds the delta
// since the previous read into the moving average. The busy ratio is
// 1 - idle/(user+system+idle); time spent at altered nice priority is left
// out of the denominator.
func (s *Sampler) sampleCPU() {
	stats, err := cpu.Times(false)
	if err != nil || len(stats) == 0 {
		logger := log.WithComponent("sampler")
		logger.Debug().Err(err).Msg("cpu counters unavailable")
		return
	}
	cur := stats[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPrev {
		s.prev = cur
		s.hasPrev = true
		return
	}

	usage, ok := cpuBusyRatio(s.prev, cur)
	s.prev = cur
	if !ok {
		return
	}

	s.cpuSamples = append(s.cpuSamples, usage)
	if len(s.cpuSamples) > cpuWindow {
		s.cpuSamples = s.cpuSamples[1:]
	}
}

// cpuBusyRatio computes the busy fraction between two counter readings.
// ok is false when no time elapsed between the readings.
func cpuBusyRatio(prev, cur cpu.TimesStat) (float64, bool) {
	dUser := cur.User - prev.User
	dSystem := cur.System - prev.System
	dIdle := cur.Idle - prev.Idle
	total := dUser + dSystem + dIdle
	if total <= 0 {
		return 0, false
	}
	return clamp01(1.0 - dIdle/total), true
}

func (s *Sampler) probeLatency() {
	start := time.Now()
	resp, err := s.httpClient.Get(s.masterURL)
	elapsed := time.Since(start)
	if err != nil {
		// An unreachable master is reported as the full probe timeout so
		// the health monitor sees the node's view of the link.
		elapsed = latencyProbeTimeout
	} else {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	s.mu.Lock()
	s.latencyMS = float64(elapsed.Milliseconds())
	s.mu.Unlock()
}

// Status assembles the current load snapshot. CPU is the smoothed loop
// average; memory, accelerator, and bandwidth are read per call.
func (s *Sampler) Status() types.DeviceStatus {
	s.mu.Lock()
	var cpuUsed float64
	for _, v := range s.cpuSamples {
		cpuUsed += v
	}
	if n := len(s.cpuSamples); n > 0 {
		cpuUsed /= float64(n)
	}
	latency := s.latencyMS
	bandwidth := fixedBandwidthMbps
	if s.fluctuate {
		bandwidth = 50 + s.rng.Float64()*450
	}
	s.mu.Unlock()

	var memUsed float64
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memUsed = clamp01(1.0 - float64(vm.Available)/float64(vm.Total))
	}

	return types.DeviceStatus{
		MemUsed:        memUsed,
		CPUUsed:        cpuUsed,
		XPUUsed:        clamp01(s.xpu()),
		NetLatency:     latency,
		NetBandwidth:   bandwidth,
		DisconnectTime: s.disconnectTime,
		ReconnectTime:  s.reconnectTime,
		TimeWindow:     s.timeWindow,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
