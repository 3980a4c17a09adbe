package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"goa.design/clue/log"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// flushPlan is the ordered set of writes one commit sends to the store.
type flushPlan struct {
	inserts  []*Entity
	deferred []deferredRef
	deletes  []*Entity
}

func (p flushPlan) nulled(e *Entity) []string {
	var cols []string
	for _, d := range p.deferred {
		if d.entity == e {
			cols = append(cols, d.assoc.ForeignKey)
		}
	}
	return cols
}

// Commit flushes pending inserts, updates of dirty managed entities and
// pending deletes inside one backing-store transaction. Inserts are ordered
// so referenced entities are written first; deletes so referencing entities
// go first. On failure the transaction is rolled back and the session is put
// back to its pre-commit view: pending inserts return to Transient, removed
// entities to Managed, and modified entities stay dirty.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return types.ErrSessionClosed
	}
	plan, err := s.plan()
	if err != nil {
		return err
	}
	if len(plan.inserts) == 0 && len(plan.deletes) == 0 && !s.anyDirty() {
		s.tx = types.TxCommitted
		log.Debug(ctx, log.KV{K: "msg", V: "commit: nothing to flush"}, log.KV{K: "session", V: s.id})
		return nil
	}

	start := time.Now()
	s.tx = types.TxActive
	if err := s.conn.BeginTransaction(ctx); err != nil {
		s.abort(ctx, plan, err, false)
		s.metrics.Commit(metrics.ResultFailed, time.Since(start))
		return types.NewBackingStoreError("begin", err)
	}
	writes, err := s.flush(ctx, plan)
	if err == nil {
		if err = s.conn.CommitTransaction(ctx); err != nil {
			err = types.NewBackingStoreError("commit", err)
		}
	}
	if err != nil {
		s.abort(ctx, plan, err, true)
		s.metrics.Commit(metrics.ResultRolledBack, time.Since(start))
		return err
	}
	s.finish(plan)
	s.tx = types.TxCommitted
	s.metrics.Commit(metrics.ResultCommitted, time.Since(start))
	log.Debug(ctx, log.KV{K: "msg", V: "committed"}, log.KV{K: "session", V: s.id},
		log.KV{K: "inserts", V: len(plan.inserts)}, log.KV{K: "deletes", V: len(plan.deletes)},
		log.KV{K: "writes", V: writes})
	return nil
}

// plan checks the pending work and orders it. It does not touch the store.
func (s *Session) plan() (flushPlan, error) {
	for _, e := range s.tracked() {
		if e.state != types.Managed {
			continue
		}
		for _, a := range e.desc.OwningRefs() {
			t, ok := e.refs[a.Name].Peek()
			if !ok || t == nil {
				continue
			}
			if t.state == types.Transient {
				return flushPlan{}, illegal("commit", e, fmt.Sprintf("%s references transient %s", a.Name, t))
			}
			if t.state == types.Removed && t.session == s {
				return flushPlan{}, illegal("commit", e, fmt.Sprintf("%s references removed %s", a.Name, t))
			}
		}
	}
	inserts, deferred, err := orderInserts(s.inserts)
	if err != nil {
		return flushPlan{}, err
	}
	return flushPlan{inserts: inserts, deferred: deferred, deletes: orderDeletes(s.removes)}, nil
}

// flush applies the plan inside the open transaction and returns the number
// of writes issued.
func (s *Session) flush(ctx context.Context, plan flushPlan) (int, error) {
	writes := 0
	for _, e := range plan.inserts {
		row := e.row()
		for _, col := range plan.nulled(e) {
			row.Values[col] = nil
		}
		id, err := s.conn.ApplyInsert(ctx, row)
		if err != nil {
			return writes, types.NewBackingStoreError("insert "+e.String(), err)
		}
		writes++
		if types.IsZeroID(e.ID()) {
			v, err := e.desc.PrimaryKey().Coerce(id)
			if err != nil || types.IsZeroID(v) {
				return writes, types.NewBackingStoreError("insert "+e.String(),
					fmt.Errorf("%w: store returned %v", types.ErrInvalidID, id))
			}
			e.values[e.desc.PrimaryKey().Name] = v
			e.generatedID = true
		}
	}
	s.metrics.Write("insert", len(plan.inserts))

	updates := s.dirtyEntities()
	for _, e := range updates {
		if err := s.conn.ApplyUpdate(ctx, e.row()); err != nil {
			return writes, types.NewBackingStoreError("update "+e.String(), err)
		}
		writes++
	}
	for _, d := range plan.deferred {
		if err := s.conn.ApplyUpdate(ctx, d.entity.row()); err != nil {
			return writes, types.NewBackingStoreError("update "+d.entity.String()+"."+d.assoc.Name, err)
		}
		writes++
	}
	s.metrics.Write("update", len(updates)+len(plan.deferred))

	for _, e := range plan.deletes {
		key, _ := e.Key()
		if err := s.conn.ApplyDelete(ctx, key); err != nil {
			return writes, types.NewBackingStoreError("delete "+key.String(), err)
		}
		writes++
	}
	s.metrics.Write("delete", len(plan.deletes))
	return writes, nil
}

// abort rolls the store back when a transaction is open and restores the
// pre-commit view of the session.
func (s *Session) abort(ctx context.Context, plan flushPlan, cause error, rollback bool) {
	if rollback {
		if err := s.conn.RollbackTransaction(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "rollback failed"}, log.KV{K: "session", V: s.id})
		}
	}
	for _, e := range plan.inserts {
		s.untrack(e)
		e.release(types.Transient)
		if e.generatedID {
			delete(e.values, e.desc.PrimaryKey().Name)
			e.generatedID = false
		}
	}
	for _, e := range plan.deletes {
		e.state = types.Managed
	}
	s.inserts, s.removes = nil, nil
	s.tx = types.TxRolledBack
	log.Error(ctx, cause, log.KV{K: "msg", V: "commit rolled back"}, log.KV{K: "session", V: s.id},
		log.KV{K: "inserts", V: len(plan.inserts)}, log.KV{K: "deletes", V: len(plan.deletes)})
}

// finish records the committed state: inserted entities are registered under
// their final identity, snapshots advance and deleted entities detach.
func (s *Session) finish(plan flushPlan) {
	for _, e := range plan.inserts {
		e.pendingInsert = false
		if key, ok := e.Key(); ok {
			s.identity[key] = e
		}
	}
	for _, e := range plan.deletes {
		s.untrack(e)
		e.release(types.Detached)
	}
	for _, e := range s.identity {
		if e.state == types.Managed {
			e.snapshot = e.row()
		}
	}
	s.inserts, s.removes = nil, nil
}

func (s *Session) anyDirty() bool {
	for _, e := range s.identity {
		if e.state == types.Managed && !e.pendingInsert && e.dirty() {
			return true
		}
	}
	return false
}

// dirtyEntities returns the managed, already-stored entities whose state
// differs from their snapshot, in key order.
func (s *Session) dirtyEntities() []*Entity {
	var out []*Entity
	for _, e := range s.identity {
		if e.state == types.Managed && !e.pendingInsert && e.dirty() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
