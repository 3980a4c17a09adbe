// Package metrics exposes prometheus collectors for session activity:
// sessions opened and closed, identity-map hits and misses, lazy
// association loads, flushed writes and commit outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "larder"

// Commit outcomes.
const (
	ResultCommitted  = "committed"
	ResultRolledBack = "rolled_back"
	ResultFailed     = "failed"
)

// Collector groups the session metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	sessionsOpened prometheus.Counter
	sessionsOpen   prometheus.Gauge
	lookups        *prometheus.CounterVec
	lazyLoads      *prometheus.CounterVec
	writes         *prometheus.CounterVec
	commits        *prometheus.CounterVec
	commitSeconds  prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Sessions opened by the factory.",
		}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_open",
			Help: "Sessions currently open.",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "identity_lookups_total",
			Help: "Find calls by kind and whether the identity map served them.",
		}, []string{"kind", "result"}),
		lazyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lazy_loads_total",
			Help: "Lazy association resolutions by owner kind and association.",
		}, []string{"kind", "association"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushed_writes_total",
			Help: "Rows written to the backing store by operation.",
		}, []string{"op"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total",
			Help: "Commit attempts by outcome.",
		}, []string{"result"}),
		commitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_duration_seconds",
			Help:    "Time spent flushing a commit.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, col := range []prometheus.Collector{
		c.sessionsOpened, c.sessionsOpen, c.lookups, c.lazyLoads, c.writes, c.commits, c.commitSeconds,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SessionOpened records a new session.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Inc()
	c.sessionsOpen.Inc()
}

// SessionClosed records a closed session.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsOpen.Dec()
}

// Lookup records a find served from the identity map (hit) or the store.
func (c *Collector) Lookup(kind string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.lookups.WithLabelValues(kind, result).Inc()
}

// LazyLoad records one proxy resolution.
func (c *Collector) LazyLoad(kind, association string) {
	if c == nil {
		return
	}
	c.lazyLoads.WithLabelValues(kind, association).Inc()
}

// Write records n rows written with op (insert, update, delete).
func (c *Collector) Write(op string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.writes.WithLabelValues(op).Add(float64(n))
}

// Commit records a commit outcome and its duration.
func (c *Collector) Commit(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.commits.WithLabelValues(result).Inc()
	c.commitSeconds.Observe(d.Seconds())
}
