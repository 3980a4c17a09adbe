package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

var errInjected = errors.New("injected write failure")

// fakeStore is an in-memory Store that records every adapter call and can be
// told to fail the nth write.
type fakeStore struct {
	reg    *schema.Registry
	tables map[types.Kind]map[any]types.Row
	seq    map[types.Kind]int64
	calls  map[string]int
	ops    []string

	failOnWrite int // 1-based index of the write that fails; 0 never fails
	writes      int

	backupTables map[types.Kind]map[any]types.Row
	backupSeq    map[types.Kind]int64
	backupOps    int
}

func newFakeStore(reg *schema.Registry) *fakeStore {
	return &fakeStore{
		reg:    reg,
		tables: make(map[types.Kind]map[any]types.Row),
		seq:    make(map[types.Kind]int64),
		calls:  make(map[string]int),
	}
}

func (f *fakeStore) Connect(context.Context) (types.Conn, error) {
	f.calls["connect"]++
	return &fakeConn{f}, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) pkColumn(kind types.Kind) string {
	d, err := f.reg.Descriptor(kind)
	if err != nil {
		panic(err)
	}
	return d.PrimaryKey().ColumnName()
}

// seed writes a row directly, bypassing call accounting.
func (f *fakeStore) seed(kind types.Kind, values map[string]any) {
	row := types.Row{Kind: kind, Values: values}
	id := types.NormalizeID(row.Get(f.pkColumn(kind)))
	if f.tables[kind] == nil {
		f.tables[kind] = make(map[any]types.Row)
	}
	f.tables[kind][id] = row.Clone()
	if n, ok := id.(int64); ok && n > f.seq[kind] {
		f.seq[kind] = n
	}
}

func (f *fakeStore) row(kind types.Kind, id any) (types.Row, bool) {
	r, ok := f.tables[kind][types.NormalizeID(id)]
	return r, ok
}

// adapterCalls counts every call except connect.
func (f *fakeStore) adapterCalls() int {
	n := 0
	for k, v := range f.calls {
		if k != "connect" {
			n += v
		}
	}
	return n
}

func (f *fakeStore) write() error {
	f.writes++
	if f.failOnWrite > 0 && f.writes == f.failOnWrite {
		return errInjected
	}
	return nil
}

func sortedRows(m map[any]types.Row, pk string) []types.Row {
	rows := make([]types.Row, 0, len(m))
	for _, r := range m {
		rows = append(rows, r.Clone())
	}
	sort.Slice(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i].Get(pk)) < fmt.Sprint(rows[j].Get(pk))
	})
	return rows
}

type fakeConn struct{ f *fakeStore }

func (c *fakeConn) FetchByIdentity(_ context.Context, kind types.Kind, id any) (types.Row, error) {
	c.f.calls["identity:"+string(kind)]++
	r, ok := c.f.row(kind, id)
	if !ok {
		return types.Row{}, types.NewNotFoundError(types.NewKey(kind, id))
	}
	return r.Clone(), nil
}

func (c *fakeConn) FetchByForeignKey(_ context.Context, kind types.Kind, fk string, owner any) ([]types.Row, error) {
	c.f.calls["fk:"+string(kind)]++
	var out []types.Row
	for _, r := range sortedRows(c.f.tables[kind], c.f.pkColumn(kind)) {
		if types.NormalizeID(r.Get(fk)) == types.NormalizeID(owner) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FetchByQuery matches rows whose columns equal every Params entry.
func (c *fakeConn) FetchByQuery(_ context.Context, kind types.Kind, pred types.Predicate) ([]types.Row, error) {
	c.f.calls["query:"+string(kind)]++
	var out []types.Row
	for _, r := range sortedRows(c.f.tables[kind], c.f.pkColumn(kind)) {
		match := true
		for col, want := range pred.Params {
			if types.NormalizeID(r.Get(col)) != types.NormalizeID(want) {
				match = false
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *fakeConn) ApplyInsert(_ context.Context, row types.Row) (any, error) {
	c.f.calls["insert"]++
	if err := c.f.write(); err != nil {
		return nil, err
	}
	pk := c.f.pkColumn(row.Kind)
	row = row.Clone()
	id := types.NormalizeID(row.Get(pk))
	if id == nil {
		c.f.seq[row.Kind]++
		id = c.f.seq[row.Kind]
		row.Values[pk] = id
	}
	if _, dup := c.f.row(row.Kind, id); dup {
		return nil, fmt.Errorf("duplicate key %v", id)
	}
	c.f.seed(row.Kind, row.Values)
	c.f.ops = append(c.f.ops, "insert "+types.NewKey(row.Kind, id).String())
	return id, nil
}

func (c *fakeConn) ApplyUpdate(_ context.Context, row types.Row) error {
	c.f.calls["update"]++
	if err := c.f.write(); err != nil {
		return err
	}
	id := row.Get(c.f.pkColumn(row.Kind))
	if _, ok := c.f.row(row.Kind, id); !ok {
		return types.NewNotFoundError(types.NewKey(row.Kind, id))
	}
	c.f.seed(row.Kind, row.Values)
	c.f.ops = append(c.f.ops, "update "+types.NewKey(row.Kind, id).String())
	return nil
}

func (c *fakeConn) ApplyDelete(_ context.Context, key types.Key) error {
	c.f.calls["delete"]++
	if err := c.f.write(); err != nil {
		return err
	}
	delete(c.f.tables[key.Kind], key.ID)
	c.f.ops = append(c.f.ops, "delete "+key.String())
	return nil
}

func (c *fakeConn) BeginTransaction(context.Context) error {
	c.f.calls["begin"]++
	c.f.backupTables = make(map[types.Kind]map[any]types.Row, len(c.f.tables))
	for k, rows := range c.f.tables {
		cp := make(map[any]types.Row, len(rows))
		for id, r := range rows {
			cp[id] = r.Clone()
		}
		c.f.backupTables[k] = cp
	}
	c.f.backupSeq = make(map[types.Kind]int64, len(c.f.seq))
	for k, v := range c.f.seq {
		c.f.backupSeq[k] = v
	}
	c.f.backupOps = len(c.f.ops)
	return nil
}

func (c *fakeConn) CommitTransaction(context.Context) error {
	c.f.calls["commit"]++
	c.f.backupTables, c.f.backupSeq = nil, nil
	return nil
}

func (c *fakeConn) RollbackTransaction(context.Context) error {
	c.f.calls["rollback"]++
	c.f.tables, c.f.seq = c.f.backupTables, c.f.backupSeq
	c.f.ops = c.f.ops[:c.f.backupOps]
	return nil
}

func (c *fakeConn) Close() error { return nil }

// testRegistry describes a small shop plus two reference cycles: a nullable
// one between Employee and Laptop and a required one between Egg and Chicken.
func testRegistry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(
		schema.Descriptor{
			Kind: "Customer",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString, PrimaryKey: true},
				{Name: "name", Type: schema.TypeString},
			},
		},
		schema.Descriptor{
			Kind: "Order",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "note", Type: schema.TypeString, Nullable: true},
			},
			Associations: []schema.Association{
				{Name: "customer", Target: "Customer", Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "customer_id", Nullable: true},
				{Name: "items", Target: "LineItem", Multiplicity: schema.Many, Ownership: schema.Inverse,
					MappedBy: "order", Cascade: schema.CascadeAll},
			},
		},
		schema.Descriptor{
			Kind: "LineItem",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "sku", Type: schema.TypeString},
				{Name: "quantity", Type: schema.TypeInt},
			},
			Associations: []schema.Association{
				{Name: "order", Target: "Order", Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "order_id", Fetch: schema.Eager},
			},
		},
		schema.Descriptor{
			Kind: "Employee",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "name", Type: schema.TypeString},
			},
			Associations: []schema.Association{
				{Name: "laptop", Target: "Laptop", Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "laptop_id", Nullable: true, Cascade: schema.CascadeAll},
			},
		},
		schema.Descriptor{
			Kind: "Laptop",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true},
				{Name: "serial", Type: schema.TypeString},
			},
			Associations: []schema.Association{
				{Name: "owner", Target: "Employee", Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "owner_id", Nullable: true, Cascade: schema.CascadeRemove},
			},
		},
		schema.Descriptor{
			Kind:   "Egg",
			Fields: []schema.Field{{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true}},
			Associations: []schema.Association{
				{Name: "mother", Target: "Chicken", Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "mother_id", Cascade: schema.CascadePersist},
			},
		},
		schema.Descriptor{
			Kind:   "Chicken",
			Fields: []schema.Field{{Name: "id", Type: schema.TypeInt, PrimaryKey: true, Generated: true}},
			Associations: []schema.Association{
				{Name: "origin", Target: "Egg", Multiplicity: schema.One, Ownership: schema.Owning,
					ForeignKey: "origin_id", Cascade: schema.CascadePersist},
			},
		},
	)
	require.NoError(t, err)
	return reg
}

func newTestFactory(t testing.TB, opts ...Option) (*Factory, *fakeStore) {
	t.Helper()
	reg := testRegistry(t)
	store := newFakeStore(reg)
	f, err := NewFactory(reg, store, opts...)
	require.NoError(t, err)
	return f, store
}

func openSession(t *testing.T, f *Factory) *Session {
	t.Helper()
	s, err := f.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newEntity(t *testing.T, s *Session, kind types.Kind, values map[string]any) *Entity {
	t.Helper()
	e, err := s.New(kind)
	require.NoError(t, err)
	for k, v := range values {
		require.NoError(t, e.Set(k, v))
	}
	return e
}

// seedShop stores customer c1, order 1 with two items, and order 2 without.
func seedShop(store *fakeStore) {
	store.seed("Customer", map[string]any{"id": "c1", "name": "Ada"})
	store.seed("Order", map[string]any{"id": int64(1), "customer_id": "c1", "note": "first"})
	store.seed("Order", map[string]any{"id": int64(2), "customer_id": nil, "note": nil})
	store.seed("LineItem", map[string]any{"id": int64(1), "sku": "apple", "quantity": int64(2), "order_id": int64(1)})
	store.seed("LineItem", map[string]any{"id": int64(2), "sku": "pear", "quantity": int64(1), "order_id": int64(1)})
}
