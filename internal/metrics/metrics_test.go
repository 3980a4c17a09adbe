package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.Lookup("Order", true)
	c.Lookup("Order", false)
	c.Lookup("Order", true)
	c.LazyLoad("Order", "items")
	c.Write("insert", 3)
	c.Write("delete", 0)
	c.Commit(ResultCommitted, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.lookups.WithLabelValues("Order", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lookups.WithLabelValues("Order", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lazyLoads.WithLabelValues("Order", "items")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.writes.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits.WithLabelValues(ResultCommitted)))
}

func TestCollectorRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.Lookup("Order", true)
		c.LazyLoad("Order", "items")
		c.Write("insert", 1)
		c.Commit(ResultFailed, time.Second)
	})
}
