package schema

import (
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Registry holds the descriptors of a closed set of entity kinds.
// It is immutable once built and safe for concurrent reads.
type Registry struct {
	descs map[types.Kind]*Descriptor
	kinds []types.Kind
}

// NewRegistry validates descs and returns a registry over them. Inverse
// associations declared with MappedBy get their ForeignKey from the owning
// side.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{descs: make(map[types.Kind]*Descriptor, len(descs))}
	for i := range descs {
		d := descs[i]
		if d.Kind == "" {
			return nil, fmt.Errorf("%w: descriptor %d has no kind", types.ErrInvalidDescriptor, i)
		}
		if _, dup := r.descs[d.Kind]; dup {
			return nil, fmt.Errorf("%w: kind %s registered twice", types.ErrInvalidDescriptor, d.Kind)
		}
		d.Associations = append([]Association(nil), d.Associations...)
		if err := index(&d); err != nil {
			return nil, err
		}
		r.descs[d.Kind] = &d
		r.kinds = append(r.kinds, d.Kind)
	}
	for _, kind := range r.kinds {
		if err := r.link(r.descs[kind]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for package-level
// registries declared at init.
func MustRegistry(descs ...Descriptor) *Registry {
	r, err := NewRegistry(descs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Descriptor returns the descriptor of kind.
func (r *Registry) Descriptor(kind types.Kind) (*Descriptor, error) {
	d, ok := r.descs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownKind, kind)
	}
	return d, nil
}

// Kinds lists the registered kinds in registration order.
func (r *Registry) Kinds() []types.Kind {
	return append([]types.Kind(nil), r.kinds...)
}

// index flattens the fields of d and builds its lookup tables.
func index(d *Descriptor) error {
	d.fields = nil
	overridden := make(map[string]bool, len(d.ColumnOverrides))
	for _, m := range d.Mixins {
		for _, f := range m.Fields {
			if col, ok := d.ColumnOverrides[f.Name]; ok {
				if col == "" {
					return fmt.Errorf("%w: %s overrides %q with an empty column", types.ErrInvalidDescriptor, d.Kind, f.Name)
				}
				f.Column = col
				overridden[f.Name] = true
			}
			d.fields = append(d.fields, f)
		}
	}
	for name := range d.ColumnOverrides {
		if !overridden[name] {
			return fmt.Errorf("%w: %s overrides %q, which no mixin declares", types.ErrInvalidDescriptor, d.Kind, name)
		}
	}
	d.fields = append(d.fields, d.Fields...)
	d.fieldIndex = make(map[string]int, len(d.fields))
	d.assocIndex = make(map[string]int, len(d.Associations))
	d.pk = -1

	columns := make(map[string]bool)
	for i, f := range d.fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed field", types.ErrInvalidDescriptor, d.Kind)
		}
		if _, dup := d.fieldIndex[f.Name]; dup {
			return fmt.Errorf("%w: %s declares field %q twice", types.ErrInvalidDescriptor, d.Kind, f.Name)
		}
		if _, ok := fieldTypeNames[f.Type]; !ok {
			return fmt.Errorf("%w: %s.%s has no valid type", types.ErrInvalidDescriptor, d.Kind, f.Name)
		}
		if f.PrimaryKey {
			if d.pk >= 0 {
				return fmt.Errorf("%w: %s has more than one primary key", types.ErrInvalidDescriptor, d.Kind)
			}
			if f.Nullable {
				return fmt.Errorf("%w: %s primary key %q is nullable", types.ErrInvalidDescriptor, d.Kind, f.Name)
			}
			if f.Type != TypeInt && f.Type != TypeString {
				return fmt.Errorf("%w: %s primary key must be int or string", types.ErrInvalidDescriptor, d.Kind)
			}
			d.pk = i
		}
		if columns[f.ColumnName()] {
			return fmt.Errorf("%w: %s maps two fields to column %q", types.ErrInvalidDescriptor, d.Kind, f.ColumnName())
		}
		d.fieldIndex[f.Name] = i
		columns[f.ColumnName()] = true
	}
	if d.pk < 0 {
		return fmt.Errorf("%w: %s has no primary key", types.ErrInvalidDescriptor, d.Kind)
	}

	for i, a := range d.Associations {
		if a.Name == "" || a.Target == "" {
			return fmt.Errorf("%w: %s has an association without name or target", types.ErrInvalidDescriptor, d.Kind)
		}
		if _, dup := d.fieldIndex[a.Name]; dup {
			return fmt.Errorf("%w: %s.%s clashes with a field", types.ErrInvalidDescriptor, d.Kind, a.Name)
		}
		if _, dup := d.assocIndex[a.Name]; dup {
			return fmt.Errorf("%w: %s declares association %q twice", types.ErrInvalidDescriptor, d.Kind, a.Name)
		}
		if a.Multiplicity != One && a.Multiplicity != Many {
			return fmt.Errorf("%w: %s.%s has no multiplicity", types.ErrInvalidDescriptor, d.Kind, a.Name)
		}
		switch a.Ownership {
		case Owning:
			if a.Multiplicity == Many {
				return fmt.Errorf("%w: %s.%s: owning to-many is not supported, map it from the child", types.ErrInvalidDescriptor, d.Kind, a.Name)
			}
			if a.ForeignKey == "" {
				return fmt.Errorf("%w: %s.%s: owning association needs a foreign key", types.ErrInvalidDescriptor, d.Kind, a.Name)
			}
			if columns[a.ForeignKey] {
				return fmt.Errorf("%w: %s.%s: foreign key %q clashes with a column", types.ErrInvalidDescriptor, d.Kind, a.Name, a.ForeignKey)
			}
			columns[a.ForeignKey] = true
		case Inverse:
			if a.MappedBy == "" && a.ForeignKey == "" {
				return fmt.Errorf("%w: %s.%s: inverse association needs mapped-by or a foreign key", types.ErrInvalidDescriptor, d.Kind, a.Name)
			}
		default:
			return fmt.Errorf("%w: %s.%s has no ownership", types.ErrInvalidDescriptor, d.Kind, a.Name)
		}
		d.assocIndex[a.Name] = i
	}
	return nil
}

// link resolves cross-kind references once every descriptor is indexed.
func (r *Registry) link(d *Descriptor) error {
	d.columns = append([]Field(nil), d.fields...)
	for i := range d.Associations {
		a := &d.Associations[i]
		target, ok := r.descs[a.Target]
		if !ok {
			return fmt.Errorf("%w: %s.%s targets unknown kind %s", types.ErrInvalidDescriptor, d.Kind, a.Name, a.Target)
		}
		if a.IsOwningOne() {
			d.columns = append(d.columns, Field{
				Name:     a.ForeignKey,
				Type:     target.PrimaryKey().Type,
				Nullable: a.Nullable,
			})
		}
		if a.Ownership != Inverse || a.MappedBy == "" {
			continue
		}
		owning, ok := target.Association(a.MappedBy)
		if !ok || !owning.IsOwningOne() || owning.Target != d.Kind {
			return fmt.Errorf("%w: %s.%s mapped by %s.%s, which is not an owning reference to %s",
				types.ErrInvalidDescriptor, d.Kind, a.Name, a.Target, a.MappedBy, d.Kind)
		}
		if a.ForeignKey == "" {
			a.ForeignKey = owning.ForeignKey
		}
	}
	return nil
}
