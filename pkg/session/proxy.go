package session

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// ProxyState is the resolution state of a lazy association.
type ProxyState int

// Proxy states. Resolved and Invalidated are terminal.
const (
	Unresolved ProxyState = iota
	Resolving
	Resolved
	Invalidated
)

func (p ProxyState) String() string {
	switch p {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Ref is a to-one association. Until first access it only knows the foreign
// key (owning side) or the owner identity (inverse side); Get resolves it
// through the owning session exactly once.
type Ref struct {
	owner   *Entity
	assoc   schema.Association
	session *Session // not owned; nil once the owner leaves its session
	state   ProxyState
	fk      any
	target  *Entity
}

// Association returns the association descriptor.
func (r *Ref) Association() schema.Association { return r.assoc }

// State returns the resolution state.
func (r *Ref) State() ProxyState { return r.state }

// Loaded reports whether the target is available without a fetch.
func (r *Ref) Loaded() bool { return r.state == Resolved }

// Peek returns the resolved target without fetching.
func (r *Ref) Peek() (*Entity, bool) {
	if r.state != Resolved {
		return nil, false
	}
	return r.target, true
}

// ForeignKey returns the referenced primary-key value: the target's ID when
// a target is set, the stored foreign key otherwise.
func (r *Ref) ForeignKey() any {
	if r.state == Resolved {
		if r.target == nil {
			return nil
		}
		return r.target.ID()
	}
	return r.fk
}

// Get returns the target entity, resolving it on first access. A failed
// resolution leaves the proxy unresolved so that the next call retries.
func (r *Ref) Get(ctx context.Context) (*Entity, error) {
	switch r.state {
	case Resolved:
		return r.target, nil
	case Invalidated:
		return nil, r.stale()
	case Resolving:
		return nil, &types.IllegalStateError{Op: "resolve " + r.assoc.Name, Entity: r.owner.String(),
			State: r.owner.state, Reason: "resolution re-entered"}
	}
	s := r.session
	if s == nil || s.closed {
		r.state = Invalidated
		return nil, r.stale()
	}
	r.state = Resolving
	target, err := s.resolveRef(ctx, r)
	if err != nil {
		r.state = Unresolved
		return nil, err
	}
	r.target, r.state = target, Resolved
	return target, nil
}

// Set points the association at target, or clears it when target is nil.
func (r *Ref) Set(target *Entity) error {
	if target != nil && target.Kind() != r.assoc.Target {
		return fmt.Errorf("%w: %s.%s expects %s, got %s", types.ErrTypeMismatch,
			r.owner.Kind(), r.assoc.Name, r.assoc.Target, target.Kind())
	}
	if target == nil && r.assoc.IsOwningOne() && !r.assoc.Nullable {
		return fmt.Errorf("%w: %s.%s is required", types.ErrInvalidValue, r.owner.Kind(), r.assoc.Name)
	}
	r.target, r.fk, r.state = target, nil, Resolved
	return nil
}

// setKey points an owning reference at a stored identity without loading it.
func (r *Ref) setKey(fk any) {
	r.target, r.fk, r.state = nil, types.NormalizeID(fk), Unresolved
	if fk == nil {
		r.state = Resolved
	}
}

func (r *Ref) invalidate() {
	r.session = nil
	if r.state == Unresolved || r.state == Resolving {
		r.state = Invalidated
	}
}

func (r *Ref) stale() error {
	return &types.StaleSessionError{Association: r.assoc.Name, Owner: r.owner.String()}
}

// Collection is a to-many association, always mapped by a foreign key on the
// target kind. Get fetches the members on first access.
type Collection struct {
	owner   *Entity
	assoc   schema.Association
	session *Session
	state   ProxyState
	items   []*Entity
}

// Association returns the association descriptor.
func (c *Collection) Association() schema.Association { return c.assoc }

// State returns the resolution state.
func (c *Collection) State() ProxyState { return c.state }

// Loaded reports whether the members are available without a fetch.
func (c *Collection) Loaded() bool { return c.state == Resolved }

// Peek returns the loaded members without fetching.
func (c *Collection) Peek() ([]*Entity, bool) {
	if c.state != Resolved {
		return nil, false
	}
	return append([]*Entity(nil), c.items...), true
}

// Get returns the members, resolving them on first access.
func (c *Collection) Get(ctx context.Context) ([]*Entity, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return append([]*Entity(nil), c.items...), nil
}

// Add appends child to the collection, loading it first if needed, and
// points the child's owning back-reference at the owner.
func (c *Collection) Add(ctx context.Context, child *Entity) error {
	if child == nil || child.Kind() != c.assoc.Target {
		return fmt.Errorf("%w: %s.%s expects %s", types.ErrTypeMismatch, c.owner.Kind(), c.assoc.Name, c.assoc.Target)
	}
	if err := c.load(ctx); err != nil {
		return err
	}
	if c.assoc.MappedBy != "" {
		if err := child.SetRef(c.assoc.MappedBy, c.owner); err != nil {
			return err
		}
	}
	for _, it := range c.items {
		if it == child {
			return nil
		}
	}
	c.items = append(c.items, child)
	return nil
}

// Remove drops child from the in-memory collection. The child's own
// reference is left untouched; remove or re-point the child to change what
// is stored.
func (c *Collection) Remove(ctx context.Context, child *Entity) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	for i, it := range c.items {
		if it == child {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *Collection) load(ctx context.Context) error {
	switch c.state {
	case Resolved:
		return nil
	case Invalidated:
		return c.stale()
	case Resolving:
		return &types.IllegalStateError{Op: "resolve " + c.assoc.Name, Entity: c.owner.String(),
			State: c.owner.state, Reason: "resolution re-entered"}
	}
	s := c.session
	if s == nil || s.closed {
		c.state = Invalidated
		return c.stale()
	}
	c.state = Resolving
	items, err := s.resolveCollection(ctx, c)
	if err != nil {
		c.state = Unresolved
		return err
	}
	c.items, c.state = items, Resolved
	return nil
}

// set replaces the members and marks the collection loaded.
func (c *Collection) set(items []*Entity) {
	c.items, c.state = items, Resolved
}

func (c *Collection) invalidate() {
	c.session = nil
	if c.state == Unresolved || c.state == Resolving {
		c.state = Invalidated
	}
}

func (c *Collection) stale() error {
	return &types.StaleSessionError{Association: c.assoc.Name, Owner: c.owner.String()}
}
