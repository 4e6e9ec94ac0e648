package metrics

import (
	"context"
	"time"

	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/naming"
	"github.com/cuemby/instancer/pkg/runtime"
)

// Component names tracked by the health registry
const (
	ComponentRuntime = "runtime"
	ComponentCatalog = "catalog"
	ComponentAPI     = "api"
	ComponentReaper  = "reaper"
)

// ResourceLister lists every runtime resource owned by the instancer
type ResourceLister interface {
	ListManaged(ctx context.Context) ([]runtime.Resource, error)
}

// Collector periodically publishes gauges derived from runtime labels
type Collector struct {
	lister   ResourceLister
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(lister ResourceLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		lister:   lister,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
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

// Collect runs one collection pass
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	resources, err := c.lister.ListManaged(ctx)
	if err != nil {
		UpdateComponent(ComponentRuntime, false, err.Error())
		logger := log.WithComponent("metrics")
		logger.Debug().Err(err).Msg("Failed to collect instance metrics")
		return
	}
	UpdateComponent(ComponentRuntime, true, "")

	kinds := map[runtime.ResourceKind]int{
		runtime.KindNetwork:   0,
		runtime.KindContainer: 0,
	}
	instances := make(map[string]map[string]bool)
	for _, r := range resources {
		kinds[r.Kind]++
		if r.Kind != runtime.KindContainer {
			continue
		}
		challenge := r.Labels[naming.LabelChallenge]
		id := r.Labels[naming.LabelInstanceID]
		if challenge == "" || id == "" {
			continue
		}
		if instances[challenge] == nil {
			instances[challenge] = make(map[string]bool)
		}
		instances[challenge][id] = true
	}

	for kind, n := range kinds {
		ManagedResources.WithLabelValues(string(kind)).Set(float64(n))
	}

	InstancesActive.Reset()
	for challenge, ids := range instances {
		InstancesActive.WithLabelValues(challenge).Set(float64(len(ids)))
	}
}
