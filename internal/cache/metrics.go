package cache

import "github.com/prometheus/client_golang/prometheus"

var sizeMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "astroguard_cache_size",
	Help: "The number of entries held by each cache store.",
}, []string{"store"})
var accessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "astroguard_cache_access_count",
	Help: "Cache access counts.  Label \"type\" = hit|miss|tier_hit.",
}, []string{"store", "type"})
var evictionMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "astroguard_cache_eviction_count",
	Help: "Entries evicted because the store was at capacity.",
}, []string{"store"})

// Collector exposes the size and access counts of the tracked stores.
type Collector struct {
	stores []*Store
}

var _ prometheus.Collector = &Collector{}

func NewCollector(stores ...*Store) *Collector {
	return &Collector{stores: stores}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	sizeMetric.Describe(ch)
	accessMetric.Describe(ch)
	evictionMetric.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stores {
		sizeMetric.WithLabelValues(s.Name()).Set(float64(s.Size()))
	}
	sizeMetric.Collect(ch)
	accessMetric.Collect(ch)
	evictionMetric.Collect(ch)
}
