package schema

import (
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Mixin is a named group of persisted fields shared by several kinds.
type Mixin struct {
	Name   string
	Fields []Field
}

// Descriptor is the static metadata of one entity kind. Callers fill the
// exported fields; NewRegistry validates the descriptor and computes the
// lookup tables.
type Descriptor struct {
	Kind         types.Kind
	Table        string // defaults to the lower-cased kind
	Mixins       []Mixin
	Fields       []Field
	Associations []Association

	// ColumnOverrides renames the storage column of a mixin field on this
	// kind, keyed by field name.
	ColumnOverrides map[string]string

	fields     []Field
	columns    []Field // fields plus owning foreign keys, set by link
	fieldIndex map[string]int
	assocIndex map[string]int
	pk         int
}

// TableName returns the storage table of the kind.
func (d *Descriptor) TableName() string {
	if d.Table != "" {
		return d.Table
	}
	return lower(string(d.Kind))
}

// AllFields returns the mixin fields followed by the own fields, in
// declaration order.
func (d *Descriptor) AllFields() []Field {
	return d.fields
}

// PrimaryKey returns the primary-key field.
func (d *Descriptor) PrimaryKey() Field {
	return d.fields[d.pk]
}

// Field returns the scalar field called name.
func (d *Descriptor) Field(name string) (Field, bool) {
	i, ok := d.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return d.fields[i], true
}

// Association returns the association called name.
func (d *Descriptor) Association(name string) (Association, bool) {
	i, ok := d.assocIndex[name]
	if !ok {
		return Association{}, false
	}
	return d.Associations[i], true
}

// OwningRefs returns the to-one associations that hold a foreign key on this
// kind.
func (d *Descriptor) OwningRefs() []Association {
	var out []Association
	for _, a := range d.Associations {
		if a.IsOwningOne() {
			out = append(out, a)
		}
	}
	return out
}

// Columns lists the storage columns of the kind: scalar columns followed by
// owning foreign-key columns.
func (d *Descriptor) Columns() []string {
	cols := make([]string, 0, len(d.fields)+len(d.Associations))
	for _, f := range d.fields {
		cols = append(cols, f.ColumnName())
	}
	for _, a := range d.OwningRefs() {
		cols = append(cols, a.ForeignKey)
	}
	return cols
}

// ColumnFields describes every storage column, in Columns order. Owning
// foreign keys are typed like the primary key of their target kind.
func (d *Descriptor) ColumnFields() []Field {
	return d.columns
}

// Key returns the identity key for id.
func (d *Descriptor) Key(id any) types.Key {
	return types.NewKey(d.Kind, id)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
