package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func TestCommitInsertsReferencedEntitiesFirst(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	s := openSession(t, f)

	order := newEntity(t, s, "Order", map[string]any{"note": "rush"})
	item := newEntity(t, s, "LineItem", map[string]any{"sku": "apple", "quantity": 2})
	require.NoError(t, order.Collection("items").Add(ctx, item))

	// The child alone cannot be flushed while its order is transient.
	require.NoError(t, s.Persist(ctx, item))
	err := s.Commit(ctx)
	require.ErrorIs(t, err, types.ErrIllegalState, "order is still transient")
	assert.Zero(t, store.adapterCalls(), "planning errors never reach the store")
	assert.Equal(t, types.TxNone, s.TxState())

	require.NoError(t, s.Persist(ctx, order))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, []string{"insert Order#1", "insert LineItem#1"}, store.ops)
	assert.Equal(t, types.TxCommitted, s.TxState())
	assert.Equal(t, int64(1), order.ID())
	row, ok := store.row("LineItem", 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), row.Get("order_id"))

	got, err := s.Find(ctx, "Order", 1)
	require.NoError(t, err)
	assert.Same(t, order, got)
	assert.Zero(t, store.calls["identity:Order"])
}

func TestCommitCascadesPersistThroughCollections(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)
	s := openSession(t, f)

	cust, err := s.Find(ctx, "Customer", "c1")
	require.NoError(t, err)
	order := newEntity(t, s, "Order", nil)
	require.NoError(t, order.SetRef("customer", cust))
	for _, sku := range []string{"fig", "date"} {
		item := newEntity(t, s, "LineItem", map[string]any{"sku": sku, "quantity": 1})
		require.NoError(t, order.Collection("items").Add(ctx, item))
	}
	require.NoError(t, s.Persist(ctx, order))

	items, err := order.Collection("items").Get(ctx)
	require.NoError(t, err)
	for _, it := range items {
		assert.True(t, s.Contains(it), "persist cascades through items")
	}

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"insert Order#3", "insert LineItem#3", "insert LineItem#4"}, store.ops)
	row, _ := store.row("Order", 3)
	assert.Equal(t, "c1", row.Get("customer_id"))
}

func TestCommitUpdatesOnlyDirtyEntities(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)
	s := openSession(t, f)

	o1, err := s.Find(ctx, "Order", 1)
	require.NoError(t, err)
	_, err = s.Find(ctx, "Order", 2)
	require.NoError(t, err)
	cust, err := s.Find(ctx, "Customer", "c1")
	require.NoError(t, err)

	require.NoError(t, o1.Set("note", "changed"))
	require.NoError(t, cust.Set("name", "Ada")) // unchanged value
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"update Order#1"}, store.ops)

	row, _ := store.row("Order", 1)
	assert.Equal(t, "changed", row.Get("note"))

	// The snapshot advanced: a second commit has nothing to do.
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 1, store.calls["begin"])
}

func TestCommitUpdatesRepointedReference(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)
	s := openSession(t, f)

	o2, err := s.Find(ctx, "Order", 2)
	require.NoError(t, err)
	cust := newEntity(t, s, "Customer", map[string]any{"id": "c2", "name": "Barbara"})
	require.NoError(t, s.Persist(ctx, cust))
	require.NoError(t, o2.SetRef("customer", cust))

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"insert Customer#c2", "update Order#2"}, store.ops)
	row, _ := store.row("Order", 2)
	assert.Equal(t, "c2", row.Get("customer_id"))
}

func TestCommitEmptyPlanSkipsStore(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)
	s := openSession(t, f)

	_, err := s.Find(ctx, "Order", 1)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, types.TxCommitted, s.TxState())
	assert.Zero(t, store.calls["begin"])
}

func TestCommitBreaksNullableCycle(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	s := openSession(t, f)

	emp := newEntity(t, s, "Employee", map[string]any{"name": "Ken"})
	laptop := newEntity(t, s, "Laptop", map[string]any{"serial": "PDP-11"})
	require.NoError(t, emp.SetRef("laptop", laptop))
	require.NoError(t, laptop.SetRef("owner", emp))
	require.NoError(t, s.Persist(ctx, emp))
	assert.True(t, s.Contains(laptop), "persist cascades to the laptop")

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"insert Employee#1", "insert Laptop#1", "update Employee#1"}, store.ops)

	er, _ := store.row("Employee", 1)
	lr, _ := store.row("Laptop", 1)
	assert.Equal(t, int64(1), er.Get("laptop_id"))
	assert.Equal(t, int64(1), lr.Get("owner_id"))

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 1, store.calls["begin"], "deferred update is reflected in the snapshot")
}

func TestCommitRejectsRequiredCycle(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	s := openSession(t, f)

	egg := newEntity(t, s, "Egg", nil)
	hen := newEntity(t, s, "Chicken", nil)
	require.NoError(t, egg.SetRef("mother", hen))
	require.NoError(t, hen.SetRef("origin", egg))
	require.NoError(t, s.Persist(ctx, egg))

	err := s.Commit(ctx)
	var cycle *types.CascadeCycleError
	require.ErrorAs(t, err, &cycle)
	assert.True(t, types.IsCascadeCycle(err))
	assert.Len(t, cycle.Cycle, 2)
	assert.Zero(t, store.adapterCalls())
	assert.Equal(t, types.Managed, egg.State(), "pending work survives a planning error")
}

func TestCommitFailureRevertsSession(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)
	s := openSession(t, f)

	cust, err := s.Find(ctx, "Customer", "c1")
	require.NoError(t, err)
	require.NoError(t, cust.Set("name", "Ada Lovelace"))

	doomed, err := s.Find(ctx, "Order", 2)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, doomed))

	order := newEntity(t, s, "Order", nil)
	var items []*Entity
	for _, sku := range []string{"fig", "date"} {
		item := newEntity(t, s, "LineItem", map[string]any{"sku": sku, "quantity": 1})
		require.NoError(t, order.Collection("items").Add(ctx, item))
		items = append(items, item)
	}
	require.NoError(t, s.Persist(ctx, order))

	// Three inserts and one update succeed; the delete fails.
	store.failOnWrite = 5
	err = s.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.True(t, types.IsBackingStore(err))
	assert.Equal(t, types.TxRolledBack, s.TxState())
	assert.Equal(t, 1, store.calls["rollback"])

	assert.Equal(t, types.Transient, order.State())
	assert.Nil(t, order.ID(), "store-assigned key is cleared")
	for _, it := range items {
		assert.Equal(t, types.Transient, it.State())
		assert.Nil(t, it.ID())
	}
	assert.Equal(t, types.Managed, doomed.State())
	assert.Equal(t, types.Managed, cust.State())
	assert.True(t, cust.dirty())

	_, ok := store.row("Order", 3)
	assert.False(t, ok)
	row, _ := store.row("Customer", "c1")
	assert.Equal(t, "Ada", row.Get("name"))

	// The same work can be retried once the store recovers.
	store.failOnWrite = 0
	require.NoError(t, s.Persist(ctx, order))
	require.NoError(t, s.Remove(ctx, doomed))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, types.TxCommitted, s.TxState())
	assert.Equal(t, int64(3), order.ID())
	assert.Equal(t, types.Managed, items[1].State())
	row, _ = store.row("Customer", "c1")
	assert.Equal(t, "Ada Lovelace", row.Get("name"))
	_, ok = store.row("Order", 2)
	assert.False(t, ok)
}

func TestCommitFailureOnFirstWrite(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	s := openSession(t, f)

	c := newEntity(t, s, "Customer", map[string]any{"id": "c3", "name": "Niklaus"})
	require.NoError(t, s.Persist(ctx, c))
	store.failOnWrite = 1

	require.ErrorIs(t, s.Commit(ctx), types.ErrBackingStore)
	assert.Equal(t, types.Transient, c.State())
	assert.Equal(t, "c3", c.ID(), "caller-assigned key is kept")
	assert.False(t, s.Contains(c))

	_, err := s.Find(ctx, "Customer", "c3")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
