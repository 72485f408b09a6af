package metrics

import (
	"time"

	"github.com/edgerun/flotilla/pkg/queue"
	"github.com/edgerun/flotilla/pkg/registry"
)

// Collector refreshes the gauge metrics from the registry and queue
type Collector struct {
	registry *registry.Registry
	queue    *queue.Manager
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(reg *registry.Registry, q *queue.Manager) *Collector {
	return &Collector{
		registry: reg,
		queue:    q,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := make(map[string]int)
	for _, dev := range c.registry.Devices() {
		counts[string(dev.Type)]++
	}
	NodesTotal.Reset()
	for deviceType, n := range counts {
		NodesTotal.WithLabelValues(deviceType).Set(float64(n))
	}

	TasksPending.Set(float64(c.queue.PendingLen()))
	TasksRunning.Set(float64(c.queue.RunningCount()))
	TasksFailed.Set(float64(len(c.queue.FailedTasks())))
}
