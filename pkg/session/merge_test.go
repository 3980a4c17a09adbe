package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// detached loads kind/id in a throwaway session and closes it.
func detached(t *testing.T, f *Factory, kind types.Kind, id any, load ...string) *Entity {
	t.Helper()
	ctx := context.Background()
	var out *Entity
	require.NoError(t, f.WithSession(ctx, func(s *Session) error {
		e, err := s.Find(ctx, kind, id)
		if err != nil {
			return err
		}
		for _, name := range load {
			if _, err := e.Collection(name).Get(ctx); err != nil {
				return err
			}
		}
		out = e
		return nil
	}))
	require.Equal(t, types.Detached, out.State())
	return out
}

func TestMergeDetachedCopiesState(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	old := detached(t, f, "Customer", "c1")
	require.NoError(t, old.Set("name", "Ada King"))

	s := openSession(t, f)
	managed, err := s.Merge(ctx, old)
	require.NoError(t, err)

	assert.NotSame(t, old, managed)
	assert.Equal(t, types.Managed, managed.State())
	assert.Equal(t, types.Detached, old.State(), "the argument is not attached")
	assert.Equal(t, "Ada King", managed.Get("name"))

	again, err := s.Merge(ctx, old)
	require.NoError(t, err)
	assert.Same(t, managed, again)

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"update Customer#c1"}, store.ops)
}

func TestMergeManagedReturnsSameInstance(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)
	s := openSession(t, f)

	c, err := s.Find(ctx, "Customer", "c1")
	require.NoError(t, err)
	got, err := s.Merge(ctx, c)
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestMergeDetachedWithoutRow(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	old := detached(t, f, "Customer", "c1")
	delete(store.tables["Customer"], "c1")

	s := openSession(t, f)
	_, err := s.Merge(ctx, old)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, s.Contains(old))
}

func TestMergeTransientSchedulesInsert(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	s := openSession(t, f)

	src := newEntity(t, s, "Customer", map[string]any{"id": "c7", "name": "Frances"})
	managed, err := s.Merge(ctx, src)
	require.NoError(t, err)
	assert.NotSame(t, src, managed)
	assert.Equal(t, types.Transient, src.State())
	assert.Equal(t, types.Managed, managed.State())

	found, err := s.Find(ctx, "Customer", "c7")
	require.NoError(t, err)
	assert.Same(t, managed, found)

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"insert Customer#c7"}, store.ops)
}

func TestMergeCascadesToNewChildren(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	s := openSession(t, f)

	order := newEntity(t, s, "Order", map[string]any{"note": "gift"})
	for _, sku := range []string{"tea", "cake"} {
		item := newEntity(t, s, "LineItem", map[string]any{"sku": sku, "quantity": 1})
		require.NoError(t, order.Collection("items").Add(ctx, item))
	}

	managed, err := s.Merge(ctx, order)
	require.NoError(t, err)
	items, ok := managed.Collection("items").Peek()
	require.True(t, ok)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, types.Managed, it.State())
		back, ok := it.Ref("order").Peek()
		require.True(t, ok)
		assert.Same(t, managed, back)
	}

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"insert Order#1", "insert LineItem#1", "insert LineItem#2"}, store.ops)
	assert.Equal(t, types.Transient, order.State())
}

func TestMergeCascadesThroughLoadedCollection(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	old := detached(t, f, "Order", 1, "items")
	items, ok := old.Collection("items").Peek()
	require.True(t, ok)
	require.NoError(t, items[0].Set("quantity", 12))
	_, err := old.Ref("customer").Get(ctx)
	require.ErrorIs(t, err, types.ErrStaleSession)

	s := openSession(t, f)
	managed, err := s.Merge(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, "c1", managed.Ref("customer").ForeignKey(), "unresolved references keep their key")

	item, err := s.Find(ctx, "LineItem", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), item.Get("quantity"))

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, []string{"update LineItem#1"}, store.ops)
}

func TestMergeFailureLeavesIdentityMapUntouched(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	old := detached(t, f, "Order", 1, "items")
	delete(store.tables["LineItem"], int64(2))

	s := openSession(t, f)
	_, err := s.Merge(ctx, old)
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, s.identity, "rows loaded before the failure are not registered")
	assert.Empty(t, s.tracked())

	order, err := s.Find(ctx, "Order", 1)
	require.NoError(t, err)
	assert.Equal(t, types.Managed, order.State())
}

func TestMergeLoadedInstancesAreCanonical(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	old := detached(t, f, "Order", 1, "items")
	s := openSession(t, f)
	fetches := store.calls["identity:Order"]
	managed, err := s.Merge(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, fetches+1, store.calls["identity:Order"], "order fetched once while planning")

	found, err := s.Find(ctx, "Order", 1)
	require.NoError(t, err)
	assert.Same(t, managed, found)

	item, err := s.Find(ctx, "LineItem", 2)
	require.NoError(t, err)
	owner, ok := item.Ref("order").Peek()
	require.True(t, ok, "eager reference loaded with the item")
	assert.Same(t, managed, owner)
}

func TestMergeRejections(t *testing.T) {
	ctx := context.Background()
	f, store := newTestFactory(t)
	seedShop(store)

	old := detached(t, f, "Order", 2)
	s := openSession(t, f)

	cur, err := s.Find(ctx, "Order", 2)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, cur))
	_, err = s.Merge(ctx, cur)
	assert.ErrorIs(t, err, types.ErrIllegalState, "removed entity")
	_, err = s.Merge(ctx, old)
	assert.ErrorIs(t, err, types.ErrIllegalState, "managed copy is removed")

	other := detached(t, f, "Order", 1)
	stranger := newEntity(t, s, "Customer", map[string]any{"id": "c8", "name": "Alan"})
	require.NoError(t, other.SetRef("customer", stranger))
	_, err = s.Merge(ctx, other)
	assert.ErrorIs(t, err, types.ErrIllegalState, "reference to an unmerged transient")
	assert.False(t, s.Contains(stranger))
}
