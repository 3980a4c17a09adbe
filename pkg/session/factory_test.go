package session

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func TestNewFactoryValidatesArguments(t *testing.T) {
	reg := testRegistry(t)
	_, err := NewFactory(nil, newFakeStore(reg))
	assert.ErrorIs(t, err, types.ErrInvalidDescriptor)
	_, err = NewFactory(reg, nil)
	assert.ErrorIs(t, err, types.ErrBackingStore)
}

func TestFactorySessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	a := openSession(t, f)
	b := openSession(t, f)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, f.OpenSessions())

	ea, err := a.Find(ctx, "Customer", "c1")
	require.NoError(t, err)
	eb, err := b.Find(ctx, "Customer", "c1")
	require.NoError(t, err)
	assert.NotSame(t, ea, eb)
	assert.False(t, a.Contains(eb))
	assert.Equal(t, 2, store.calls["connect"])
}

func TestWithSessionClosesOnEveryPath(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	var kept *Entity
	boom := errors.New("boom")
	err := f.WithSession(ctx, func(s *Session) error {
		e, err := s.Find(ctx, "Order", 1)
		if err != nil {
			return err
		}
		kept = e
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.OpenSessions())
	assert.Equal(t, types.Detached, kept.State())
}

func TestFactoryClose(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFactory(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err := f.Open(ctx)
	assert.ErrorIs(t, err, ErrFactoryClosed)
}

func TestFactoryRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)
	f, store := newTestFactory(t, WithMetrics(collector))
	seedShop(store)

	require.NoError(t, f.WithSession(ctx, func(s *Session) error {
		o, err := s.Find(ctx, "Order", 1)
		if err != nil {
			return err
		}
		if _, err := s.Find(ctx, "Order", 1); err != nil {
			return err
		}
		if _, err := o.Collection("items").Get(ctx); err != nil {
			return err
		}
		if err := o.Set("note", "second"); err != nil {
			return err
		}
		return s.Commit(ctx)
	}))

	assert.Equal(t, 1.0, gathered(t, reg, "larder_sessions_opened_total", nil))
	assert.Equal(t, 0.0, gathered(t, reg, "larder_sessions_open", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "larder_identity_lookups_total", map[string]string{"kind": "Order", "result": "miss"}))
	assert.Equal(t, 1.0, gathered(t, reg, "larder_lazy_loads_total", map[string]string{"kind": "Order", "association": "items"}))
	assert.Equal(t, 1.0, gathered(t, reg, "larder_flushed_writes_total", map[string]string{"op": "update"}))
	assert.Equal(t, 1.0, gathered(t, reg, "larder_commits_total", map[string]string{"result": metrics.ResultCommitted}))
}

// gathered returns the value of the counter or gauge series name{labels}.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	series:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no series %s%v", name, labels)
	return 0
}
