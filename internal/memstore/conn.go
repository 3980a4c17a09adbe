package memstore

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// conn is one session's view of the store. Outside a transaction every write
// is applied immediately; inside one, writes go to the overlay and reads see
// the overlay on top of the committed tables.
type conn struct {
	store   *Store
	overlay map[types.Kind]map[any]*types.Row
	closed  bool
}

func (c *conn) check() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

// row returns the row visible to this connection.
func (c *conn) row(kind types.Kind, id any) (types.Row, bool) {
	if staged, ok := c.overlay[kind][id]; ok {
		if staged == nil {
			return types.Row{}, false
		}
		return *staged, true
	}
	return c.store.committed(kind, id)
}

// rows returns every row of kind visible to this connection, ordered by key.
func (c *conn) rows(desc *schema.Descriptor) []types.Row {
	view := c.store.snapshot(desc.Kind)
	for id, staged := range c.overlay[desc.Kind] {
		if staged == nil {
			delete(view, id)
		} else {
			view[id] = *staged
		}
	}
	return sortedRows(view)
}

// write stages or applies one change. A nil row deletes.
func (c *conn) write(kind types.Kind, id any, row *types.Row) error {
	if c.overlay != nil {
		if c.overlay[kind] == nil {
			c.overlay[kind] = make(map[any]*types.Row)
		}
		c.overlay[kind][id] = row
		return nil
	}
	return c.store.apply(map[types.Kind]map[any]*types.Row{kind: {id: row}})
}

func (c *conn) FetchByIdentity(_ context.Context, kind types.Kind, id any) (types.Row, error) {
	if err := c.check(); err != nil {
		return types.Row{}, err
	}
	if _, err := c.store.reg.Descriptor(kind); err != nil {
		return types.Row{}, err
	}
	r, ok := c.row(kind, types.NormalizeID(id))
	if !ok {
		return types.Row{}, types.NewNotFoundError(types.NewKey(kind, id))
	}
	return r.Clone(), nil
}

func (c *conn) FetchByForeignKey(_ context.Context, kind types.Kind, fkColumn string, ownerID any) ([]types.Row, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.store.reg.Descriptor(kind)
	if err != nil {
		return nil, err
	}
	owner := types.NormalizeID(ownerID)
	var out []types.Row
	for _, r := range c.rows(desc) {
		if types.NormalizeID(r.Get(fkColumn)) == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *conn) FetchByQuery(_ context.Context, kind types.Kind, pred types.Predicate) ([]types.Row, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.store.reg.Descriptor(kind)
	if err != nil {
		return nil, err
	}
	return c.store.matcher.Filter(pred, c.rows(desc))
}

func (c *conn) ApplyInsert(_ context.Context, row types.Row) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	desc, err := c.store.reg.Descriptor(row.Kind)
	if err != nil {
		return nil, err
	}
	pk := desc.PrimaryKey()
	row = row.Clone()
	id := types.NormalizeID(row.Get(pk.ColumnName()))
	if types.IsZeroID(id) {
		if !pk.Generated {
			return nil, fmt.Errorf("%w: %s requires %s", types.ErrInvalidID, row.Kind, pk.Name)
		}
		if pk.Type == schema.TypeInt {
			id = c.store.nextID(row.Kind)
		} else {
			id = newUUID()
		}
		row.Values[pk.ColumnName()] = id
	}
	if _, exists := c.row(row.Kind, id); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, types.NewKey(row.Kind, id))
	}
	if err := c.write(row.Kind, id, &row); err != nil {
		return nil, err
	}
	return id, nil
}

func (c *conn) ApplyUpdate(_ context.Context, row types.Row) error {
	if err := c.check(); err != nil {
		return err
	}
	desc, err := c.store.reg.Descriptor(row.Kind)
	if err != nil {
		return err
	}
	id := types.NormalizeID(row.Get(desc.PrimaryKey().ColumnName()))
	if _, ok := c.row(row.Kind, id); !ok {
		return types.NewNotFoundError(types.NewKey(row.Kind, id))
	}
	row = row.Clone()
	return c.write(row.Kind, id, &row)
}

func (c *conn) ApplyDelete(_ context.Context, key types.Key) error {
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := c.row(key.Kind, key.ID); !ok {
		return types.NewNotFoundError(key)
	}
	return c.write(key.Kind, key.ID, nil)
}

func (c *conn) BeginTransaction(context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.overlay != nil {
		return ErrTxActive
	}
	c.overlay = make(map[types.Kind]map[any]*types.Row)
	return nil
}

// CommitTransaction applies the overlay to the shared tables. Concurrent
// transactions are not isolated from each other beyond this point: the last
// commit touching a row wins. When applying fails the overlay is kept, so the
// transaction is still open for RollbackTransaction.
func (c *conn) CommitTransaction(context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.overlay == nil {
		return ErrNoTx
	}
	if err := c.store.apply(c.overlay); err != nil {
		return err
	}
	c.overlay = nil
	return nil
}

func (c *conn) RollbackTransaction(context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.overlay == nil {
		return ErrNoTx
	}
	c.overlay = nil
	return nil
}

func (c *conn) Close() error {
	c.closed = true
	c.overlay = nil
	return nil
}
