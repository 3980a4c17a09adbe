package session

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Entity is one in-memory instance of an entity kind. Scalar values are held
// by field name; to-one associations are Refs and to-many associations are
// Collections. Lifecycle state and the owning session are maintained by the
// session.
type Entity struct {
	desc   *schema.Descriptor
	values map[string]any
	refs   map[string]*Ref
	colls  map[string]*Collection

	state         types.State
	session       *Session
	snapshot      types.Row // last row known to be in the store
	pendingInsert bool
	generatedID   bool // primary key assigned by the session or the store
}

// NewEntity returns a Transient entity of the described kind. Its
// associations start loaded and empty.
func NewEntity(desc *schema.Descriptor) *Entity {
	e := &Entity{
		desc:   desc,
		values: make(map[string]any, len(desc.AllFields())),
		refs:   make(map[string]*Ref),
		colls:  make(map[string]*Collection),
		state:  types.Transient,
	}
	for _, a := range desc.Associations {
		if a.Multiplicity == schema.One {
			e.refs[a.Name] = &Ref{owner: e, assoc: a, state: Resolved}
		} else {
			e.colls[a.Name] = &Collection{owner: e, assoc: a, state: Resolved}
		}
	}
	return e
}

// Kind returns the entity kind.
func (e *Entity) Kind() types.Kind { return e.desc.Kind }

// Descriptor returns the kind descriptor.
func (e *Entity) Descriptor() *schema.Descriptor { return e.desc }

// State returns the lifecycle state.
func (e *Entity) State() types.State { return e.state }

// ID returns the primary-key value, or nil when none is assigned yet.
func (e *Entity) ID() any {
	return e.values[e.desc.PrimaryKey().Name]
}

// Key returns the identity key and whether the entity has an identity.
func (e *Entity) Key() (types.Key, bool) {
	k := e.desc.Key(e.ID())
	return k, k.Valid()
}

// Get returns the value of a scalar field, nil when unset.
func (e *Entity) Get(field string) any {
	return e.values[field]
}

// Values returns a copy of the scalar values.
func (e *Entity) Values() map[string]any {
	out := make(map[string]any, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Set assigns a scalar field after checking it against the descriptor. The
// primary key can only change while the entity is Transient.
func (e *Entity) Set(field string, value any) error {
	f, ok := e.desc.Field(field)
	if !ok {
		return fmt.Errorf("%w: %s.%s", types.ErrUnknownField, e.desc.Kind, field)
	}
	v, err := f.Coerce(value)
	if err != nil {
		return err
	}
	if f.PrimaryKey && e.state != types.Transient && !equalValue(e.values[field], v) {
		return &types.IllegalStateError{Op: "set primary key", Entity: e.String(), State: e.state,
			Reason: "identity is immutable once tracked"}
	}
	if v == nil {
		delete(e.values, field)
		return nil
	}
	e.values[field] = v
	return nil
}

// Ref returns the to-one association called name, or nil.
func (e *Entity) Ref(name string) *Ref { return e.refs[name] }

// Collection returns the to-many association called name, or nil.
func (e *Entity) Collection(name string) *Collection { return e.colls[name] }

// SetRef points the to-one association name at target.
func (e *Entity) SetRef(name string, target *Entity) error {
	r := e.refs[name]
	if r == nil {
		return fmt.Errorf("%w: %s.%s", types.ErrUnknownAssoc, e.desc.Kind, name)
	}
	return r.Set(target)
}

// String renders the entity identity for logs and errors.
func (e *Entity) String() string {
	if k, ok := e.Key(); ok {
		return k.String()
	}
	return fmt.Sprintf("%s#<new %p>", e.desc.Kind, e)
}

// row builds the storage row from the current in-memory state.
func (e *Entity) row() types.Row {
	r := types.NewRow(e.desc.Kind)
	for _, f := range e.desc.AllFields() {
		r.Values[f.ColumnName()] = e.values[f.Name]
	}
	for _, a := range e.desc.OwningRefs() {
		r.Values[a.ForeignKey] = e.refs[a.Name].ForeignKey()
	}
	return r
}

// dirty reports whether the in-memory state differs from the snapshot.
func (e *Entity) dirty() bool {
	return !rowsEqual(e.row(), e.snapshot)
}

// bind attaches the entity and its proxies to s.
func (e *Entity) bind(s *Session) {
	e.session = s
	for _, r := range e.refs {
		r.session = s
		if r.state == Invalidated {
			r.state = Unresolved
		}
	}
	for _, c := range e.colls {
		c.session = s
		if c.state == Invalidated {
			c.state = Unresolved
		}
	}
}

// release detaches the entity from its session and invalidates every proxy
// that was never resolved.
func (e *Entity) release(state types.State) {
	e.state = state
	e.session = nil
	e.pendingInsert = false
	for _, r := range e.refs {
		r.invalidate()
	}
	for _, c := range e.colls {
		c.invalidate()
	}
}

func rowsEqual(a, b types.Row) bool {
	if len(a.Values) != len(b.Values) {
		return false
	}
	for k, av := range a.Values {
		bv, ok := b.Values[k]
		if !ok || !equalValue(av, bv) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	a, b = types.NormalizeID(a), types.NormalizeID(b)
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	if _, ok := b.([]byte); ok {
		return false
	}
	return a == b
}
