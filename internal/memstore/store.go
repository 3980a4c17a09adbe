// Package memstore implements an in-memory backing store. Rows are held per
// kind and keyed by normalized primary key. Each connection stages its
// transactional writes in a private overlay that is applied to the shared
// tables on commit. With a directory configured, every table is loaded from
// and written back to a JSONL file so data survives restarts.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/larder/internal/predicate"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Store errors.
var (
	ErrClosed       = errors.New("store is closed")
	ErrDuplicateKey = errors.New("duplicate primary key")
	ErrTxActive     = errors.New("transaction already active")
	ErrNoTx         = errors.New("no active transaction")
)

// Store is a types.Store over in-memory tables. It is safe for concurrent
// use; the connections it hands out are not.
type Store struct {
	mu      sync.RWMutex
	reg     *schema.Registry
	tables  map[types.Kind]map[any]types.Row
	seq     map[types.Kind]int64
	matcher *predicate.Matcher
	dir     string
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithDir persists every table as <table>.jsonl under dir.
func WithDir(dir string) Option {
	return func(s *Store) { s.dir = dir }
}

// New returns a Store for the kinds of reg, loading existing JSONL tables
// when a directory is configured.
func New(reg *schema.Registry, opts ...Option) (*Store, error) {
	s := &Store{
		reg:     reg,
		tables:  make(map[types.Kind]map[any]types.Row),
		seq:     make(map[types.Kind]int64),
		matcher: predicate.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, kind := range reg.Kinds() {
		s.tables[kind] = make(map[any]types.Row)
	}
	if s.dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	for _, kind := range reg.Kinds() {
		desc, _ := reg.Descriptor(kind)
		rows, err := readTable(s.dir, desc)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id := types.NormalizeID(row.Get(desc.PrimaryKey().ColumnName()))
			if types.IsZeroID(id) {
				continue
			}
			s.tables[kind][id] = row
			s.bumpSeq(kind, id)
		}
	}
	return s, nil
}

// Connect returns a connection for one session.
func (s *Store) Connect(context.Context) (types.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &conn{store: s}, nil
}

// Close releases the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of committed rows of kind.
func (s *Store) Len(kind types.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[kind])
}

// committed returns the committed row for (kind, id).
func (s *Store) committed(kind types.Kind, id any) (types.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tables[kind][id]
	return r, ok
}

// snapshot returns the committed rows of kind keyed by ID.
func (s *Store) snapshot(kind types.Kind) map[any]types.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[any]types.Row, len(s.tables[kind]))
	for id, r := range s.tables[kind] {
		out[id] = r
	}
	return out
}

// nextID allocates a generated integer key. Keys handed to rolled-back
// inserts are not reused.
func (s *Store) nextID(kind types.Kind) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[kind]++
	return s.seq[kind]
}

// bumpSeq keeps the sequence ahead of explicitly assigned integer keys. The
// caller holds s.mu or owns s exclusively.
func (s *Store) bumpSeq(kind types.Kind, id any) {
	if n, ok := id.(int64); ok && n > s.seq[kind] {
		s.seq[kind] = n
	}
}

// apply makes staged changes visible: the touched tables are rebuilt as
// copies, persisted, and only then swapped in. A nil row deletes. On error
// the shared tables are unchanged.
func (s *Store) apply(changes map[types.Kind]map[any]*types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := make(map[types.Kind]map[any]types.Row, len(changes))
	for kind, rows := range changes {
		table := make(map[any]types.Row, len(s.tables[kind])+len(rows))
		for id, r := range s.tables[kind] {
			table[id] = r
		}
		for id, r := range rows {
			if r == nil {
				delete(table, id)
				continue
			}
			table[id] = *r
		}
		next[kind] = table
	}
	if s.dir != "" {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	for kind, table := range next {
		s.tables[kind] = table
		for id := range changes[kind] {
			s.bumpSeq(kind, id)
		}
	}
	return nil
}

// persist writes the given tables to disk. Every temp file is staged before
// any table file is replaced; when a rename fails, tables already replaced
// are rewritten from the committed rows. The caller holds s.mu.
func (s *Store) persist(next map[types.Kind]map[any]types.Row) error {
	kinds := make([]types.Kind, 0, len(next))
	for kind := range next {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	staged := make([]string, 0, len(kinds))
	discard := func() {
		for _, name := range staged {
			os.Remove(name)
		}
	}
	for _, kind := range kinds {
		desc, _ := s.reg.Descriptor(kind)
		name, err := stageTable(s.dir, desc, sortedRows(next[kind]))
		if err != nil {
			discard()
			return fmt.Errorf("persist %s: %w", kind, err)
		}
		staged = append(staged, name)
	}

	for i, kind := range kinds {
		desc, _ := s.reg.Descriptor(kind)
		if err := publishTable(s.dir, desc, staged[i]); err != nil {
			staged = staged[i+1:]
			discard()
			err = fmt.Errorf("persist %s: %w", kind, err)
			for _, done := range kinds[:i] {
				d, _ := s.reg.Descriptor(done)
				if rerr := writeTable(s.dir, d, sortedRows(s.tables[done])); rerr != nil {
					err = errors.Join(err, fmt.Errorf("restore %s: %w", done, rerr))
				}
			}
			return err
		}
	}
	return nil
}

// sortedRows returns the rows ordered by primary key: integers numerically,
// everything else by text.
func sortedRows(rows map[any]types.Row) []types.Row {
	ids := make([]any, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	out := make([]types.Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, rows[id].Clone())
	}
	return out
}

func lessID(a, b any) bool {
	ai, aok := a.(int64)
	bi, bok := b.(int64)
	if aok && bok {
		return ai < bi
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
