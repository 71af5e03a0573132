package metrics

import (
	"fmt"
	"time"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/model"
)

// RootSource exposes the current entity trees
type RootSource interface {
	Roots() []*model.EntityHolder
}

// KindFunc names the kind of an entity value for the entities gauge
type KindFunc func(entity any) string

// Collector samples model metrics from a RootSource
type Collector struct {
	source       RootSource
	interceptors []action.Interceptor
	kindOf       KindFunc
	interval     time.Duration
	stopCh       chan struct{}
}

// NewCollector creates a new metrics collector. interceptors are probed for
// exhausted roots; kindOf may be nil, in which case the Go type name is used.
func NewCollector(source RootSource, interceptors []action.Interceptor, kindOf KindFunc) *Collector {
	if kindOf == nil {
		kindOf = func(entity any) string { return fmt.Sprintf("%T", entity) }
	}
	return &Collector{
		source:       source,
		interceptors: interceptors,
		kindOf:       kindOf,
		interval:     15 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
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

// Collect takes one sample
func (c *Collector) Collect() {
	roots := c.source.Roots()
	RootsTotal.Set(float64(len(roots)))

	c.collectEntityMetrics(roots)
	c.collectRateLimitMetrics(roots)
}

func (c *Collector) collectEntityMetrics(roots []*model.EntityHolder) {
	counts := make(map[string]int)
	for _, root := range roots {
		root.Walk(func(holder *model.EntityHolder, depth int) bool {
			if holder.Entity() != nil {
				counts[c.kindOf(holder.Entity())]++
			}
			return true
		})
	}

	// Kinds that disappeared must not keep their last value
	EntitiesTotal.Reset()
	for kind, count := range counts {
		EntitiesTotal.WithLabelValues(kind).Set(float64(count))
	}
}

func (c *Collector) collectRateLimitMetrics(roots []*model.EntityHolder) {
	for _, interceptor := range c.interceptors {
		exhausted := 0
		for _, root := range roots {
			if interceptor.ExecutionLimits(root) <= 0 {
				exhausted++
			}
		}
		RateLimitedRoots.WithLabelValues(interceptor.Name()).Set(float64(exhausted))
	}
}
