// Package metrics exports bridge client counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"pjbridge/client"
)

const namespace = "pjbridge"

// fetchFn returns the counters to export; pooled reports whether the pool
// gauges apply.
type fetchFn func() (st client.PoolStats, pooled bool)

// Collector is a prometheus.Collector over session statistics. Values are
// read at scrape time.
type Collector struct {
	fetch fetchFn

	calls        *prometheus.Desc
	cachedCalls  *prometheus.Desc
	reverseCalls *prometheus.Desc
	unrefs       *prometheus.Desc
	cancelled    *prometheus.Desc
	liveHandles  *prometheus.Desc
	bytesSent    *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheEntries *prometheus.Desc
	open         *prometheus.Desc
	idle         *prometheus.Desc
}

func newCollector(fetch fetchFn, labels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Collector{
		fetch:        fetch,
		calls:        desc("calls_total", "Round trips that waited for a result"),
		cachedCalls:  desc("cached_calls_total", "Calls stamped from a cached template"),
		reverseCalls: desc("reverse_calls_total", "Calls made by the server into the client"),
		unrefs:       desc("unrefs_total", "Remote handles released"),
		cancelled:    desc("cancelled_calls_total", "Cached calls turned void before they were sent"),
		liveHandles:  desc("live_handles", "Remote handles held by live proxies"),
		bytesSent:    desc("sent_bytes_total", "Bytes written to the transport"),
		cacheHits:    desc("signature_cache_hits_total", "Signature cache hits"),
		cacheMisses:  desc("signature_cache_misses_total", "Signature cache misses"),
		cacheEntries: desc("signature_cache_entries", "Fingerprints stored in the signature cache"),
		open:         desc("pool_sessions_open", "Sessions opened by the pool and not yet closed"),
		idle:         desc("pool_sessions_idle", "Sessions waiting in the pool"),
	}
}

// NewSessionCollector exports the counters of one session.
func NewSessionCollector(s *client.Session, labels prometheus.Labels) *Collector {
	return newCollector(func() (client.PoolStats, bool) {
		return client.PoolStats{Session: s.Stats()}, false
	}, labels)
}

// NewPoolCollector exports the summed counters of every session of p and
// the pool gauges.
func NewPoolCollector(p *client.Pool, labels prometheus.Labels) *Collector {
	return newCollector(func() (client.PoolStats, bool) {
		return p.Stats(), true
	}, labels)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.cachedCalls
	ch <- c.reverseCalls
	ch <- c.unrefs
	ch <- c.cancelled
	ch <- c.liveHandles
	ch <- c.bytesSent
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEntries
	ch <- c.open
	ch <- c.idle
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ps, pooled := c.fetch()
	st := ps.Session
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(c.calls, st.Calls)
	counter(c.cachedCalls, st.CachedCalls)
	counter(c.reverseCalls, st.ReverseCalls)
	counter(c.unrefs, st.Unrefs)
	counter(c.cancelled, st.Cancelled)
	gauge(c.liveHandles, st.LiveHandles)
	counter(c.bytesSent, st.BytesSent)
	counter(c.cacheHits, st.Cache.Hits)
	counter(c.cacheMisses, st.Cache.Misses)
	gauge(c.cacheEntries, st.Cache.Entries)
	if pooled {
		gauge(c.open, ps.Open)
		gauge(c.idle, ps.Idle)
	}
}

// Register registers c with reg, or with the default registerer when reg is
// nil.
func Register(reg prometheus.Registerer, c *Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(c)
}
