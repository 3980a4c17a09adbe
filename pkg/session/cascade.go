package session

import (
	"context"

	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// visitSet records entities already reached by one top-level operation.
// Entities with an identity are tracked by key, so two detached copies of
// the same row count once; entities without one are tracked by pointer.
type visitSet struct {
	keys map[types.Key]bool
	ptrs map[*Entity]bool
}

func newVisitSet() *visitSet {
	return &visitSet{keys: make(map[types.Key]bool), ptrs: make(map[*Entity]bool)}
}

// add marks e visited and reports whether it was new.
func (v *visitSet) add(e *Entity) bool {
	if v.ptrs[e] {
		return false
	}
	if k, ok := e.Key(); ok {
		if v.keys[k] {
			return false
		}
		v.keys[k] = true
	}
	v.ptrs[e] = true
	return true
}

// cascade walks root and every entity reachable through associations whose
// cascade set holds op, calling fn once per entity in discovery order. With
// load unset only already-loaded associations are followed; otherwise lazy
// proxies are resolved through their session.
func cascade(ctx context.Context, op schema.CascadeOp, root *Entity, load bool, fn func(*Entity) error) error {
	seen := newVisitSet()
	queue := []*Entity{root}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e == nil || !seen.add(e) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		for _, a := range e.desc.Associations {
			if !a.Cascade.Has(op) {
				continue
			}
			next, err := associated(ctx, e, a, load)
			if err != nil {
				return err
			}
			queue = append(queue, next...)
		}
	}
	return nil
}

// associated returns the entities e holds through a.
func associated(ctx context.Context, e *Entity, a schema.Association, load bool) ([]*Entity, error) {
	if a.Multiplicity == schema.One {
		r := e.refs[a.Name]
		if t, ok := r.Peek(); ok {
			if t == nil {
				return nil, nil
			}
			return []*Entity{t}, nil
		}
		if !load {
			return nil, nil
		}
		t, err := r.Get(ctx)
		if err != nil || t == nil {
			return nil, err
		}
		return []*Entity{t}, nil
	}
	c := e.colls[a.Name]
	if items, ok := c.Peek(); ok {
		return items, nil
	}
	if !load {
		return nil, nil
	}
	return c.Get(ctx)
}
