package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// mergePlan maps every entity reached by one Merge call to the managed
// instance that receives its state. Instances loaded from the store while
// planning are kept out of the identity map until the plan is applied.
type mergePlan struct {
	order   []*Entity
	dest    map[*Entity]*Entity
	byKey   map[types.Key]*Entity
	created map[*Entity]bool
	loaded  []*Entity
}

func newMergePlan() *mergePlan {
	return &mergePlan{
		dest:    make(map[*Entity]*Entity),
		byKey:   make(map[types.Key]*Entity),
		created: make(map[*Entity]bool),
	}
}

// target returns the managed instance planned for src. Copies of the same
// row that the cascade visited only once resolve through their key.
func (p *mergePlan) target(src *Entity) *Entity {
	if d, ok := p.dest[src]; ok {
		return d
	}
	if k, ok := src.Key(); ok {
		return p.byKey[k]
	}
	return nil
}

func (p *mergePlan) add(src, dst *Entity, created bool) {
	p.order = append(p.order, src)
	p.dest[src] = dst
	if k, ok := src.Key(); ok {
		p.byKey[k] = dst
	}
	if created {
		p.created[dst] = true
	}
}

// planMerge picks the destination for src without changing the session.
func (s *Session) planMerge(ctx context.Context, p *mergePlan, src *Entity) error {
	switch {
	case src.state == types.Removed:
		return illegal("merge", src, "scheduled for removal")
	case src.session == s && src.state == types.Managed:
		p.add(src, src, false)
		return nil
	}
	key, hasKey := src.Key()
	if !hasKey {
		if err := s.checkMergeNew(src); err != nil {
			return err
		}
		p.add(src, NewEntity(src.desc), true)
		return nil
	}
	if cur, ok := s.identity[key]; ok {
		if cur.state == types.Removed {
			return illegal("merge", src, "the managed instance is scheduled for removal")
		}
		p.add(src, cur, false)
		return nil
	}
	if planned, ok := p.byKey[key]; ok {
		p.add(src, planned, false)
		return nil
	}
	cur, err := s.fetch(ctx, src.desc, key)
	switch {
	case err == nil:
		p.loaded = append(p.loaded, cur)
		p.add(src, cur, false)
		return nil
	case !errors.Is(err, types.ErrNotFound):
		return err
	case src.state == types.Detached:
		return err
	}
	if err := s.checkMergeNew(src); err != nil {
		return err
	}
	dst := NewEntity(src.desc)
	dst.values[src.desc.PrimaryKey().Name] = key.ID
	p.add(src, dst, true)
	return nil
}

// checkMergeNew validates a source that will become a new managed instance.
func (s *Session) checkMergeNew(src *Entity) error {
	pk := src.desc.PrimaryKey()
	if types.IsZeroID(src.ID()) && !pk.Generated {
		return fmt.Errorf("%w: %s requires %s", types.ErrInvalidID, src.Kind(), pk.Name)
	}
	return requireFields(src)
}

// checkMergeRefs rejects owning references to entities that neither the
// merge nor the store can supply an identity for.
func (s *Session) checkMergeRefs(p *mergePlan) error {
	for _, src := range p.order {
		if p.dest[src] == src {
			continue
		}
		for _, a := range src.desc.OwningRefs() {
			t, ok := src.refs[a.Name].Peek()
			if !ok || t == nil || p.target(t) != nil {
				continue
			}
			if _, hasKey := t.Key(); !hasKey || t.state == types.Transient {
				return illegal("merge", src, fmt.Sprintf("%s references %s, which is not merged", a.Name, t))
			}
		}
	}
	return nil
}

// applyMerge registers the instances loaded while planning, then copies
// state from every planned source onto its destination. Scalars go first so
// that new instances are tracked under their final identity before
// references are pointed at them.
func (s *Session) applyMerge(ctx context.Context, p *mergePlan) {
	for _, e := range p.loaded {
		s.register(e)
	}
	for _, e := range p.loaded {
		s.loadEager(ctx, e)
	}
	for _, src := range p.order {
		dst := p.dest[src]
		if dst == src {
			continue
		}
		pkName := src.desc.PrimaryKey().Name
		id := dst.values[pkName]
		dst.values = src.Values()
		if id != nil {
			dst.values[pkName] = id
		} else {
			delete(dst.values, pkName)
		}
		if p.created[dst] {
			s.track(dst)
		}
	}
	for _, src := range p.order {
		dst := p.dest[src]
		if dst == src {
			continue
		}
		for _, a := range src.desc.Associations {
			switch {
			case a.IsOwningOne():
				s.mergeRef(p, src.refs[a.Name], dst.refs[a.Name])
			case a.Multiplicity == schema.Many && a.Cascade.Has(schema.CascadeMerge):
				items, ok := src.colls[a.Name].Peek()
				if !ok {
					continue
				}
				out := make([]*Entity, 0, len(items))
				for _, it := range items {
					if d := p.target(it); d != nil {
						out = append(out, d)
					}
				}
				dst.colls[a.Name].set(out)
			}
		}
	}
}

func (s *Session) mergeRef(p *mergePlan, from, to *Ref) {
	t, ok := from.Peek()
	switch {
	case !ok:
		s.pointRef(to, from.fk)
	case t == nil:
		to.target, to.fk, to.state = nil, nil, Resolved
	case p.target(t) != nil:
		to.target, to.fk, to.state = p.target(t), nil, Resolved
	default:
		s.pointRef(to, t.ID())
	}
}

// pointRef points r at the stored identity fk, reusing the managed instance
// when the identity map already holds it.
func (s *Session) pointRef(r *Ref, fk any) {
	if fk != nil {
		if cur, ok := s.identity[types.NewKey(r.assoc.Target, fk)]; ok {
			r.target, r.fk, r.state = cur, nil, Resolved
			return
		}
	}
	r.setKey(fk)
}

// requireFields reports the first non-nullable scalar left unset.
func requireFields(e *Entity) error {
	for _, f := range e.desc.AllFields() {
		if f.PrimaryKey || f.Nullable {
			continue
		}
		if _, ok := e.values[f.Name]; !ok {
			return fmt.Errorf("%w: %s.%s is required", types.ErrInvalidValue, e.Kind(), f.Name)
		}
	}
	return nil
}
