package daemon

import (
	"time"

	"github.com/seldon-engine/aof/pkg/metrics"
	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/types"
)

// MetricsCollector publishes board gauges from the project registry
type MetricsCollector struct {
	registry *registry.Registry
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(reg *registry.Registry) *MetricsCollector {
	return &MetricsCollector{
		registry: reg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
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
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectProjectMetrics()
	c.collectTaskMetrics()
}

func (c *MetricsCollector) collectProjectMetrics() {
	records, err := c.registry.Projects(false)
	if err != nil {
		return
	}
	metrics.ProjectsTotal.Set(float64(len(records)))
}

// collectTaskMetrics walks opened stores only; a project nobody touched yet
// has nothing worth graphing.
func (c *MetricsCollector) collectTaskMetrics() {
	for _, s := range c.registry.Opened() {
		counts, err := s.CountByStatus()
		if err != nil {
			continue
		}
		for _, status := range types.AllStatuses {
			metrics.TasksByStatus.WithLabelValues(s.ProjectID(), string(status)).Set(float64(counts[status]))
		}
	}
}
