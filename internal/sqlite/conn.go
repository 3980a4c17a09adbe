package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Connection errors.
var (
	ErrTxActive      = errors.New("transaction already active")
	ErrNoTx          = errors.New("no active transaction")
	ErrUnknownColumn = errors.New("unknown column")
)

// execer is satisfied by both *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn is one session's dedicated database connection.
type conn struct {
	store  *Store
	db     *sql.Conn
	tx     *sql.Tx
	closed bool
}

func (c *conn) exec() (execer, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.db, nil
}

func (c *conn) descriptor(kind types.Kind) (*schema.Descriptor, error) {
	return c.store.reg.Descriptor(kind)
}

func (c *conn) ph(n int) string { return c.store.dialect.placeholder(n) }

// selectSQL renders a SELECT of every column of desc.
func selectSQL(desc *schema.Descriptor) string {
	cols := make([]string, 0, len(desc.ColumnFields()))
	for _, f := range desc.ColumnFields() {
		cols = append(cols, quote(f.ColumnName()))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quote(desc.TableName()))
}

func (c *conn) FetchByIdentity(ctx context.Context, kind types.Kind, id any) (types.Row, error) {
	ex, err := c.exec()
	if err != nil {
		return types.Row{}, err
	}
	desc, err := c.descriptor(kind)
	if err != nil {
		return types.Row{}, err
	}
	pk := desc.PrimaryKey().ColumnName()
	q := fmt.Sprintf("%s WHERE %s = %s", selectSQL(desc), quote(pk), c.ph(1))
	rows, err := c.query(ctx, ex, desc, q, types.NormalizeID(id))
	if err != nil {
		return types.Row{}, err
	}
	if len(rows) == 0 {
		return types.Row{}, types.NewNotFoundError(desc.Key(types.NormalizeID(id)))
	}
	return rows[0], nil
}

func (c *conn) FetchByForeignKey(ctx context.Context, kind types.Kind, fkColumn string, ownerID any) ([]types.Row, error) {
	ex, err := c.exec()
	if err != nil {
		return nil, err
	}
	desc, err := c.descriptor(kind)
	if err != nil {
		return nil, err
	}
	if !hasColumn(desc, fkColumn) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, kind, fkColumn)
	}
	q := fmt.Sprintf("%s WHERE %s = %s ORDER BY %s", selectSQL(desc), quote(fkColumn), c.ph(1),
		quote(desc.PrimaryKey().ColumnName()))
	return c.query(ctx, ex, desc, q, types.NormalizeID(ownerID))
}

// FetchByQuery loads every row of kind and filters it with the predicate
// matcher, so predicates behave identically on every backend.
func (c *conn) FetchByQuery(ctx context.Context, kind types.Kind, pred types.Predicate) ([]types.Row, error) {
	ex, err := c.exec()
	if err != nil {
		return nil, err
	}
	desc, err := c.descriptor(kind)
	if err != nil {
		return nil, err
	}
	if err := c.store.matcher.Compile(pred.Expr); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("%s ORDER BY %s", selectSQL(desc), quote(desc.PrimaryKey().ColumnName()))
	rows, err := c.query(ctx, ex, desc, q)
	if err != nil {
		return nil, err
	}
	return c.store.matcher.Filter(pred, rows)
}

func (c *conn) query(ctx context.Context, ex execer, desc *schema.Descriptor, q string, args ...any) ([]types.Row, error) {
	rs, err := ex.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", desc.TableName(), err)
	}
	defer func() { _ = rs.Close() }()

	fields := desc.ColumnFields()
	var out []types.Row
	for rs.Next() {
		raw := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", desc.TableName(), err)
		}
		row, err := decodeRow(desc, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", desc.TableName(), err)
	}
	return out, nil
}

// decodeRow maps scanned driver values, in ColumnFields order, onto a row.
func decodeRow(desc *schema.Descriptor, raw []any) (types.Row, error) {
	row := types.NewRow(desc.Kind)
	for i, f := range desc.ColumnFields() {
		if raw[i] == nil {
			row.Values[f.ColumnName()] = nil
			continue
		}
		v, err := f.Decode(raw[i])
		if err != nil {
			return types.Row{}, fmt.Errorf("decode %s.%s: %w", desc.Kind, f.ColumnName(), err)
		}
		row.Values[f.ColumnName()] = v
	}
	return row, nil
}

func hasColumn(desc *schema.Descriptor, column string) bool {
	for _, col := range desc.Columns() {
		if col == column {
			return true
		}
	}
	return false
}

// ApplyInsert writes row. A missing generated key is assigned here: UUID v7
// for string keys, the database sequence for integer keys.
func (c *conn) ApplyInsert(ctx context.Context, row types.Row) (any, error) {
	ex, err := c.exec()
	if err != nil {
		return nil, err
	}
	desc, err := c.descriptor(row.Kind)
	if err != nil {
		return nil, err
	}
	pk := desc.PrimaryKey()
	id := types.NormalizeID(row.Get(pk.ColumnName()))
	serial := false
	if types.IsZeroID(id) {
		switch {
		case !pk.Generated:
			return nil, fmt.Errorf("%w: %s requires %s", types.ErrInvalidID, row.Kind, pk.Name)
		case pk.Type == schema.TypeInt:
			serial = true
		default:
			id = newUUID()
		}
	}

	var cols, phs []string
	var args []any
	for _, f := range desc.ColumnFields() {
		v := row.Get(f.ColumnName())
		if f.PrimaryKey {
			if serial {
				continue
			}
			v = id
		}
		args = append(args, c.store.dialect.encode(v))
		cols = append(cols, quote(f.ColumnName()))
		phs = append(phs, c.ph(len(args)))
	}
	q := fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(desc.TableName()))
	if len(cols) > 0 {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(desc.TableName()),
			strings.Join(cols, ", "), strings.Join(phs, ", "))
	}

	if !serial {
		if _, err := ex.ExecContext(ctx, q, args...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", desc.Key(id), err)
		}
		return id, nil
	}
	if c.store.dialect.Returning {
		var n int64
		q += " RETURNING " + quote(pk.ColumnName())
		if err := ex.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("insert %s: %w", row.Kind, err)
		}
		return n, nil
	}
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", row.Kind, err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", row.Kind, err)
	}
	return n, nil
}

func (c *conn) ApplyUpdate(ctx context.Context, row types.Row) error {
	ex, err := c.exec()
	if err != nil {
		return err
	}
	desc, err := c.descriptor(row.Kind)
	if err != nil {
		return err
	}
	pk := desc.PrimaryKey()
	id := types.NormalizeID(row.Get(pk.ColumnName()))
	var sets []string
	var args []any
	for _, f := range desc.ColumnFields() {
		if f.PrimaryKey {
			continue
		}
		args = append(args, c.store.dialect.encode(row.Get(f.ColumnName())))
		sets = append(sets, fmt.Sprintf("%s = %s", quote(f.ColumnName()), c.ph(len(args))))
	}
	if len(sets) == 0 {
		_, err := c.FetchByIdentity(ctx, row.Kind, id)
		return err
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", quote(desc.TableName()),
		strings.Join(sets, ", "), quote(pk.ColumnName()), c.ph(len(args)))
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", desc.Key(id), err)
	}
	return affected(res, desc.Key(id))
}

func (c *conn) ApplyDelete(ctx context.Context, key types.Key) error {
	ex, err := c.exec()
	if err != nil {
		return err
	}
	desc, err := c.descriptor(key.Kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quote(desc.TableName()),
		quote(desc.PrimaryKey().ColumnName()), c.ph(1))
	res, err := ex.ExecContext(ctx, q, key.ID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return affected(res, key)
}

// affected turns a write that matched no row into a not-found error.
func affected(res sql.Result, key types.Key) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s: %w", key, err)
	}
	if n == 0 {
		return types.NewNotFoundError(key)
	}
	return nil
}

func (c *conn) BeginTransaction(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.tx != nil {
		return ErrTxActive
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *conn) CommitTransaction(context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.tx == nil {
		return ErrNoTx
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *conn) RollbackTransaction(context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.tx == nil {
		return ErrNoTx
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Close rolls back an open transaction and returns the connection to the
// pool.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// newUUID generates a UUID v7 for string keys, falling back to v4.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
