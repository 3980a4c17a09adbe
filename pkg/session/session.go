package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Session is a unit of work over one backing-store connection. It owns an
// identity map holding at most one instance per Key, the pending inserts and
// deletes, and the transaction state of the last commit.
type Session struct {
	id       string
	factory  *Factory
	registry *schema.Registry
	conn     types.Conn
	metrics  *metrics.Collector

	identity map[types.Key]*Entity
	inserts  []*Entity // pending inserts in persist order
	removes  []*Entity // pending deletes in removal order
	tx       types.TxState
	closed   bool
}

func newSession(f *Factory, conn types.Conn) *Session {
	return &Session{
		id:       newID(),
		factory:  f,
		registry: f.registry,
		conn:     conn,
		metrics:  f.metrics,
		identity: make(map[types.Key]*Entity),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// TxState returns the transaction state of the session.
func (s *Session) TxState() types.TxState { return s.tx }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed }

// Contains reports whether e is tracked by this session.
func (s *Session) Contains(e *Entity) bool {
	return e != nil && e.session == s && (e.state == types.Managed || e.state == types.Removed)
}

// New returns a Transient entity of kind. It is not tracked until persisted.
func (s *Session) New(kind types.Kind) (*Entity, error) {
	desc, err := s.registry.Descriptor(kind)
	if err != nil {
		return nil, err
	}
	return NewEntity(desc), nil
}

// Find returns the canonical instance for (kind, id). The identity map is
// consulted first; on a miss the row is fetched, materialized as Managed and
// registered. Entities removed in this session are reported as not found.
func (s *Session) Find(ctx context.Context, kind types.Kind, id any) (*Entity, error) {
	if s.closed {
		return nil, types.ErrSessionClosed
	}
	desc, err := s.registry.Descriptor(kind)
	if err != nil {
		return nil, err
	}
	pk, err := desc.PrimaryKey().Coerce(id)
	if err != nil || types.IsZeroID(pk) {
		return nil, fmt.Errorf("%w: %s %v", types.ErrInvalidID, kind, id)
	}
	return s.find(ctx, desc, pk)
}

func (s *Session) find(ctx context.Context, desc *schema.Descriptor, id any) (*Entity, error) {
	key := desc.Key(id)
	if e, ok := s.identity[key]; ok {
		s.metrics.Lookup(string(desc.Kind), true)
		if e.state == types.Removed {
			return nil, types.NewNotFoundError(key)
		}
		return e, nil
	}
	e, err := s.fetch(ctx, desc, key)
	if err != nil {
		return nil, err
	}
	s.adopt(ctx, e)
	return e, nil
}

// fetch loads the row for key, which the caller has checked is not in the
// identity map, and builds its instance without registering it.
func (s *Session) fetch(ctx context.Context, desc *schema.Descriptor, key types.Key) (*Entity, error) {
	s.metrics.Lookup(string(desc.Kind), false)
	row, err := s.conn.FetchByIdentity(ctx, desc.Kind, key.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NewNotFoundError(key)
		}
		return nil, types.NewBackingStoreError("fetch "+key.String(), err)
	}
	e, _, err := s.build(desc, row)
	return e, err
}

// Query fetches the rows of kind matching pred and returns their canonical
// instances. Rows already in the identity map keep their in-memory state;
// entities removed in this session are left out.
func (s *Session) Query(ctx context.Context, kind types.Kind, pred types.Predicate) ([]*Entity, error) {
	if s.closed {
		return nil, types.ErrSessionClosed
	}
	desc, err := s.registry.Descriptor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.FetchByQuery(ctx, kind, pred)
	if errors.Is(err, types.ErrInvalidPredicate) {
		return nil, err
	}
	if err != nil {
		return nil, types.NewBackingStoreError("query "+string(kind), err)
	}
	return s.materializeAll(ctx, desc, rows)
}

// Persist makes a Transient entity Managed and schedules its insert, then
// cascades persist along loaded associations. Entities already managed by
// this session are left as they are. The whole cascade is checked before
// anything is registered, so a failure leaves the session unchanged.
func (s *Session) Persist(ctx context.Context, e *Entity) error {
	if s.closed {
		return types.ErrSessionClosed
	}
	if e == nil {
		return fmt.Errorf("%w: persist nil entity", types.ErrInvalidValue)
	}
	var fresh []*Entity
	batch := make(map[types.Key]*Entity)
	err := cascade(ctx, schema.CascadePersist, e, false, func(x *Entity) error {
		switch x.state {
		case types.Managed:
			if x.session != s {
				return illegal("persist", x, "managed by another session")
			}
			return nil
		case types.Removed:
			return illegal("persist", x, "scheduled for removal")
		case types.Detached:
			return illegal("persist", x, "detached entities must be merged")
		}
		if err := s.checkNew(x, batch); err != nil {
			return err
		}
		fresh = append(fresh, x)
		return nil
	})
	if err != nil {
		return err
	}
	for _, x := range fresh {
		s.track(x)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "persist"}, log.KV{K: "session", V: s.id},
		log.KV{K: "entity", V: e.String()}, log.KV{K: "scheduled", V: len(fresh)})
	return nil
}

// checkNew validates a Transient entity about to be tracked: its key must
// be free and its required fields set.
func (s *Session) checkNew(x *Entity, batch map[types.Key]*Entity) error {
	pk := x.desc.PrimaryKey()
	if types.IsZeroID(x.ID()) && !pk.Generated {
		return fmt.Errorf("%w: %s requires %s", types.ErrInvalidID, x.Kind(), pk.Name)
	}
	if err := requireFields(x); err != nil {
		return err
	}
	if key, ok := x.Key(); ok {
		if other, taken := s.identity[key]; taken && other != x {
			return illegal("persist", x, "another instance with this identity is managed")
		}
		if other, taken := batch[key]; taken && other != x {
			return illegal("persist", x, "two instances share this identity")
		}
		batch[key] = x
	}
	return nil
}

// track registers a new entity as Managed with a pending insert.
func (s *Session) track(x *Entity) {
	if types.IsZeroID(x.ID()) && x.desc.PrimaryKey().Type == schema.TypeString {
		x.values[x.desc.PrimaryKey().Name] = newID()
		x.generatedID = true
	}
	x.state = types.Managed
	x.pendingInsert = true
	x.bind(s)
	if key, ok := x.Key(); ok {
		s.identity[key] = x
	}
	s.inserts = append(s.inserts, x)
}

// Merge copies the state of a Detached or Transient entity onto the managed
// instance with the same identity, loading or creating that instance as
// needed, cascades merge along loaded associations, and returns the managed
// instance. The argument is not modified. A Detached entity whose row no
// longer exists yields a NotFoundError.
func (s *Session) Merge(ctx context.Context, e *Entity) (*Entity, error) {
	if s.closed {
		return nil, types.ErrSessionClosed
	}
	if e == nil {
		return nil, fmt.Errorf("%w: merge nil entity", types.ErrInvalidValue)
	}
	plan := newMergePlan()
	err := cascade(ctx, schema.CascadeMerge, e, false, func(src *Entity) error {
		return s.planMerge(ctx, plan, src)
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkMergeRefs(plan); err != nil {
		return nil, err
	}
	s.applyMerge(ctx, plan)
	dst := plan.target(e)
	log.Debug(ctx, log.KV{K: "msg", V: "merge"}, log.KV{K: "session", V: s.id},
		log.KV{K: "entity", V: dst.String()}, log.KV{K: "copied", V: len(plan.order)})
	return dst, nil
}

// Remove schedules a Managed entity for deletion and cascades remove along
// associations configured for it, loading lazy associations as needed.
// Removing an entity whose insert is still pending cancels the insert and
// returns it to Transient.
func (s *Session) Remove(ctx context.Context, e *Entity) error {
	if s.closed {
		return types.ErrSessionClosed
	}
	if e == nil || e.session != s {
		return illegal("remove", e, "not managed by this session")
	}
	switch e.state {
	case types.Removed:
		return nil
	case types.Managed:
	default:
		return illegal("remove", e, "not managed by this session")
	}
	var doomed []*Entity
	err := cascade(ctx, schema.CascadeRemove, e, true, func(x *Entity) error {
		if x.session == s && x.state == types.Managed {
			doomed = append(doomed, x)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, x := range doomed {
		if x.pendingInsert {
			s.untrack(x)
			x.release(types.Transient)
			if x.generatedID {
				delete(x.values, x.desc.PrimaryKey().Name)
				x.generatedID = false
			}
			continue
		}
		x.state = types.Removed
		s.removes = append(s.removes, x)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "remove"}, log.KV{K: "session", V: s.id},
		log.KV{K: "entity", V: e.String()}, log.KV{K: "cascaded", V: len(doomed) - 1})
	return nil
}

// Detach stops tracking one Managed or Removed entity. Pending work for it is
// dropped and its unresolved proxies are invalidated.
func (s *Session) Detach(ctx context.Context, e *Entity) error {
	if s.closed {
		return types.ErrSessionClosed
	}
	if !s.Contains(e) {
		return illegal("detach", e, "not managed by this session")
	}
	s.untrack(e)
	e.release(types.Detached)
	log.Debug(ctx, log.KV{K: "msg", V: "detach"}, log.KV{K: "session", V: s.id}, log.KV{K: "entity", V: e.String()})
	return nil
}

// Close detaches every tracked entity, invalidates unresolved proxies,
// discards pending work and releases the backing-store connection. Close is
// idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, e := range s.tracked() {
		e.release(types.Detached)
	}
	s.identity = make(map[types.Key]*Entity)
	s.inserts, s.removes = nil, nil
	err := s.conn.Close()
	s.factory.release(s)
	log.Debug(ctx, log.KV{K: "msg", V: "session closed"}, log.KV{K: "session", V: s.id})
	if err != nil {
		return types.NewBackingStoreError("close", err)
	}
	return nil
}

// tracked lists every entity the session manages, including pending
// inserts that have no identity yet.
func (s *Session) tracked() []*Entity {
	out := make([]*Entity, 0, len(s.identity)+len(s.inserts))
	seen := make(map[*Entity]bool, len(s.identity))
	for _, e := range s.identity {
		seen[e] = true
		out = append(out, e)
	}
	for _, e := range s.inserts {
		if !seen[e] {
			out = append(out, e)
		}
	}
	return out
}

// untrack removes e from the identity map and the pending lists.
func (s *Session) untrack(e *Entity) {
	if key, ok := e.Key(); ok && s.identity[key] == e {
		delete(s.identity, key)
	}
	s.inserts = without(s.inserts, e)
	s.removes = without(s.removes, e)
}

func without(list []*Entity, e *Entity) []*Entity {
	for i, x := range list {
		if x == e {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// materialize turns a fetched row into the canonical Managed instance. An
// identity already in the map wins over the row.
func (s *Session) materialize(ctx context.Context, desc *schema.Descriptor, row types.Row) (*Entity, error) {
	e, key, err := s.build(desc, row)
	if err != nil {
		return nil, err
	}
	if cur, ok := s.identity[key]; ok {
		return cur, nil
	}
	s.adopt(ctx, e)
	return e, nil
}

// build decodes row into a new Managed instance of desc. The instance is not
// bound to the session and not registered; see adopt.
func (s *Session) build(desc *schema.Descriptor, row types.Row) (*Entity, types.Key, error) {
	pk := desc.PrimaryKey()
	id, err := pk.Coerce(row.Get(pk.ColumnName()))
	if err != nil || types.IsZeroID(id) {
		return nil, types.Key{}, types.NewBackingStoreError("decode "+string(desc.Kind), fmt.Errorf("%w: row without primary key", types.ErrInvalidID))
	}
	key := desc.Key(id)

	e := NewEntity(desc)
	for _, f := range desc.AllFields() {
		raw := row.Get(f.ColumnName())
		if raw == nil {
			continue
		}
		v, err := f.Coerce(raw)
		if err != nil {
			return nil, types.Key{}, types.NewBackingStoreError("decode "+key.String(), err)
		}
		e.values[f.Name] = v
	}
	for _, a := range desc.Associations {
		switch {
		case a.IsOwningOne():
			e.refs[a.Name].setKey(row.Get(a.ForeignKey))
		case a.Multiplicity == schema.One:
			e.refs[a.Name].state = Unresolved
		default:
			e.colls[a.Name].state = Unresolved
		}
	}
	e.state = types.Managed
	return e, key, nil
}

// adopt registers a built instance and loads its eager associations.
func (s *Session) adopt(ctx context.Context, e *Entity) {
	s.register(e)
	s.loadEager(ctx, e)
}

// register binds a built instance to the session, records its snapshot and
// puts it in the identity map.
func (s *Session) register(e *Entity) {
	key, _ := e.Key()
	e.bind(s)
	e.snapshot = e.row()
	s.identity[key] = e
}

// loadEager resolves the eager associations of e. Failures are logged and
// leave the association lazy.
func (s *Session) loadEager(ctx context.Context, e *Entity) {
	for _, a := range e.desc.Associations {
		if a.Fetch != schema.Eager {
			continue
		}
		if _, err := associated(ctx, e, a, true); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "eager load failed, left lazy"},
				log.KV{K: "entity", V: e.String()}, log.KV{K: "association", V: a.Name})
		}
	}
}

func (s *Session) materializeAll(ctx context.Context, desc *schema.Descriptor, rows []types.Row) ([]*Entity, error) {
	out := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		e, err := s.materialize(ctx, desc, row)
		if err != nil {
			return nil, err
		}
		if e.state == types.Removed {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// resolveRef loads the target of a to-one proxy through the identity map.
func (s *Session) resolveRef(ctx context.Context, r *Ref) (*Entity, error) {
	desc, err := s.registry.Descriptor(r.assoc.Target)
	if err != nil {
		return nil, err
	}
	s.metrics.LazyLoad(string(r.owner.Kind()), r.assoc.Name)
	if r.assoc.IsOwningOne() {
		if r.fk == nil {
			return nil, nil
		}
		return s.find(ctx, desc, r.fk)
	}
	items, err := s.fetchMembers(ctx, desc, r.assoc, r.owner)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// resolveCollection loads the members of a to-many proxy.
func (s *Session) resolveCollection(ctx context.Context, c *Collection) ([]*Entity, error) {
	desc, err := s.registry.Descriptor(c.assoc.Target)
	if err != nil {
		return nil, err
	}
	s.metrics.LazyLoad(string(c.owner.Kind()), c.assoc.Name)
	return s.fetchMembers(ctx, desc, c.assoc, c.owner)
}

// fetchMembers returns the entities of desc whose foreign key points at
// owner, plus pending inserts in this session that reference owner through
// the mapped-by association.
func (s *Session) fetchMembers(ctx context.Context, desc *schema.Descriptor, a schema.Association, owner *Entity) ([]*Entity, error) {
	var items []*Entity
	if !owner.pendingInsert && owner.ID() != nil {
		rows, err := s.conn.FetchByForeignKey(ctx, desc.Kind, a.ForeignKey, owner.ID())
		if err != nil {
			return nil, types.NewBackingStoreError("fetch "+owner.String()+"."+a.Name, err)
		}
		if items, err = s.materializeAll(ctx, desc, rows); err != nil {
			return nil, err
		}
	}
	if a.MappedBy == "" {
		return items, nil
	}
	present := make(map[*Entity]bool, len(items))
	for _, it := range items {
		present[it] = true
	}
	for _, p := range s.inserts {
		if p.Kind() != desc.Kind || present[p] {
			continue
		}
		if t, ok := p.refs[a.MappedBy].Peek(); ok && t == owner {
			items = append(items, p)
		}
	}
	return items, nil
}

func illegal(op string, e *Entity, reason string) error {
	name, state := "<nil>", types.Transient
	if e != nil {
		name, state = e.String(), e.state
	}
	return &types.IllegalStateError{Op: op, Entity: name, State: state, Reason: reason}
}

// newID returns a UUID v7 string.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
