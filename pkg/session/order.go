package session

import (
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// dependency is an owning reference from one pending insert to another: the
// referenced entity must be written first.
type dependency struct {
	from, to *Entity
	assoc    schema.Association
}

// deferredRef is an owning reference written as NULL on insert and filled in
// by a follow-up update, used to break insert-ordering cycles.
type deferredRef struct {
	entity *Entity
	assoc  schema.Association
}

// orderInserts sorts pending inserts so that every entity follows the
// entities its owning references point at. Ties keep persist order. Cycles
// are broken through a nullable reference; a cycle made only of required
// references cannot be written and yields a CascadeCycleError.
func orderInserts(pending []*Entity) ([]*Entity, []deferredRef, error) {
	inSet := make(map[*Entity]bool, len(pending))
	for _, e := range pending {
		inSet[e] = true
	}
	deps := make(map[*Entity][]dependency, len(pending))
	for _, e := range pending {
		for _, a := range e.desc.OwningRefs() {
			t, ok := e.refs[a.Name].Peek()
			if ok && t != nil && inSet[t] {
				deps[e] = append(deps[e], dependency{from: e, to: t, assoc: a})
			}
		}
	}

	var (
		ordered  []*Entity
		deferred []deferredRef
		done     = make(map[*Entity]bool, len(pending))
		skipped  = make(map[dependency]bool)
	)
	ready := func(e *Entity) bool {
		for _, d := range deps[e] {
			if !skipped[d] && !done[d.to] {
				return false
			}
		}
		return true
	}
	for len(ordered) < len(pending) {
		progressed := false
		for _, e := range pending {
			if done[e] || !ready(e) {
				continue
			}
			done[e] = true
			ordered = append(ordered, e)
			progressed = true
		}
		if progressed {
			continue
		}
		cycle := findCycle(pending, deps, done, skipped)
		broken := false
		for _, d := range cycle {
			if d.assoc.Nullable {
				skipped[d] = true
				deferred = append(deferred, deferredRef{entity: d.from, assoc: d.assoc})
				broken = true
				break
			}
		}
		if !broken {
			names := make([]string, 0, len(cycle))
			for _, d := range cycle {
				names = append(names, d.from.String()+"."+d.assoc.Name)
			}
			return nil, nil, &types.CascadeCycleError{Cycle: names}
		}
	}
	return ordered, deferred, nil
}

// findCycle follows unsatisfied dependencies from the first blocked entity
// until an entity repeats, and returns the dependencies on that loop. Every
// blocked entity has at least one unsatisfied dependency, so the walk always
// closes.
func findCycle(pending []*Entity, deps map[*Entity][]dependency, done map[*Entity]bool, skipped map[dependency]bool) []dependency {
	var start *Entity
	for _, e := range pending {
		if !done[e] {
			start = e
			break
		}
	}
	pos := make(map[*Entity]int)
	var path []dependency
	cur := start
	for {
		pos[cur] = len(path)
		var next *dependency
		for i := range deps[cur] {
			d := deps[cur][i]
			if !skipped[d] && !done[d.to] {
				next = &d
				break
			}
		}
		if next == nil {
			return path
		}
		path = append(path, *next)
		if i, seen := pos[next.to]; seen {
			return path[i:]
		}
		cur = next.to
	}
}

// orderDeletes sorts pending deletes so that an entity holding a reference
// to another removed entity is deleted before it. Reference cycles among
// removed entities fall back to removal order.
func orderDeletes(removed []*Entity) []*Entity {
	byKey := make(map[types.Key]*Entity, len(removed))
	for _, e := range removed {
		if k, ok := e.Key(); ok {
			byKey[k] = e
		}
	}
	// referencedBy[t] lists removed entities that hold a reference to t.
	referencedBy := make(map[*Entity][]*Entity)
	for _, e := range removed {
		for _, a := range e.desc.OwningRefs() {
			fk := e.refs[a.Name].ForeignKey()
			if fk == nil {
				continue
			}
			if t, ok := byKey[types.NewKey(a.Target, fk)]; ok && t != e {
				referencedBy[t] = append(referencedBy[t], e)
			}
		}
	}
	var (
		ordered []*Entity
		done    = make(map[*Entity]bool, len(removed))
	)
	for len(ordered) < len(removed) {
		progressed := false
		for _, e := range removed {
			if done[e] {
				continue
			}
			blocked := false
			for _, child := range referencedBy[e] {
				if !done[child] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			done[e] = true
			ordered = append(ordered, e)
			progressed = true
		}
		if !progressed {
			for _, e := range removed {
				if !done[e] {
					done[e] = true
					ordered = append(ordered, e)
					break
				}
			}
		}
	}
	return ordered
}
