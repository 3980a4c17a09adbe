package types

// Row is the storage-level representation of one entity: scalar field values
// and owning foreign-key columns, keyed by column name.
type Row struct {
	Kind   Kind
	Values map[string]any
}

// NewRow returns an empty row for kind.
func NewRow(kind Kind) Row {
	return Row{Kind: kind, Values: make(map[string]any)}
}

// Get returns the value stored under column, or nil.
func (r Row) Get(column string) any {
	if r.Values == nil {
		return nil
	}
	return r.Values[column]
}

// Clone returns a copy of the row that shares no map with the receiver.
// Byte slices are copied as well.
func (r Row) Clone() Row {
	out := Row{Kind: r.Kind, Values: make(map[string]any, len(r.Values))}
	for k, v := range r.Values {
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			v = cp
		}
		out.Values[k] = v
	}
	return out
}

// Predicate is an opaque fetch-by-query filter handed to the backing store.
// Expr is evaluated against each candidate row, with row columns and Params
// in scope; an empty Expr matches every row.
type Predicate struct {
	Expr   string
	Params map[string]any
}
