/*
Copyright 2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amari

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var cacheSizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "amari_cache_size_bytes",
	Help: "Total serialized size of the responses held in the cache.",
})
var cacheItemsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "amari_cache_items",
	Help: "The number of responses held in the cache.",
})
var cacheAccessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "amari_cache_access_count",
	Help: "Cache access counts.  Label \"type\" = hit|miss.",
}, []string{"type"})
var cacheEvictionMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "amari_cache_eviction_count",
	Help: "Cache evictions.  Label \"reason\" = size|expired.",
}, []string{"reason"})

var gateAdmitCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "amari_gate_admitted_count",
	Help: "The number of calls admitted through the rate gate.",
})
var gateWaitMetric = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "amari_gate_wait_duration_seconds",
	Help:    "Time callers spent waiting on the rate gate.",
	Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
})
var gateWindowMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "amari_gate_window_size",
	Help: "The number of calls admitted within the current rate gate window.",
})

// MetricsCollector exposes cache and rate gate statistics to prometheus.
type MetricsCollector struct {
	mu     sync.Mutex
	caches []*ResponseCache
	gates  []*RateGate
}

var _ prometheus.Collector = &MetricsCollector{}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// Add a ResponseCache to be tracked by the collector.
func (collector *MetricsCollector) AddCache(cache *ResponseCache) {
	collector.mu.Lock()
	collector.caches = append(collector.caches, cache)
	collector.mu.Unlock()
}

// Add a RateGate to be tracked by the collector.
func (collector *MetricsCollector) AddGate(gate *RateGate) {
	collector.mu.Lock()
	collector.gates = append(collector.gates, gate)
	collector.mu.Unlock()
}

// Describe fetches prometheus metrics to be registered
func (collector *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	cacheSizeMetric.Describe(ch)
	cacheItemsMetric.Describe(ch)
	cacheAccessMetric.Describe(ch)
	cacheEvictionMetric.Describe(ch)
	gateAdmitCounter.Describe(ch)
	gateWaitMetric.Describe(ch)
	gateWindowMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the caches and gates
func (collector *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	collector.mu.Lock()
	var size, items, window float64
	for _, cache := range collector.caches {
		size += float64(cache.Size())
		items += float64(cache.Len())
	}
	for _, gate := range collector.gates {
		window += float64(gate.Len())
	}
	collector.mu.Unlock()

	cacheSizeMetric.Set(size)
	cacheItemsMetric.Set(items)
	gateWindowMetric.Set(window)

	cacheSizeMetric.Collect(ch)
	cacheItemsMetric.Collect(ch)
	cacheAccessMetric.Collect(ch)
	cacheEvictionMetric.Collect(ch)
	gateAdmitCounter.Collect(ch)
	gateWaitMetric.Collect(ch)
	gateWindowMetric.Collect(ch)
}
