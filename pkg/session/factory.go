package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/clue/log"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// ErrFactoryClosed is returned by Open after Close.
var ErrFactoryClosed = errors.New("session factory is closed")

// Factory opens sessions against one backing store for one registry. A
// Factory is safe for concurrent use; the sessions it opens are not.
type Factory struct {
	registry *schema.Registry
	store    types.Store
	metrics  *metrics.Collector

	mu     sync.Mutex
	open   int
	closed bool
}

// Option configures a Factory.
type Option func(*Factory)

// WithMetrics records session and commit metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Factory) { f.metrics = c }
}

// NewFactory returns a Factory for registry over store.
func NewFactory(registry *schema.Registry, store types.Store, opts ...Option) (*Factory, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", types.ErrInvalidDescriptor)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", types.ErrBackingStore)
	}
	f := &Factory{registry: registry, store: store}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Registry returns the entity registry sessions resolve kinds against.
func (f *Factory) Registry() *schema.Registry { return f.registry }

// Open connects to the store and returns a new session with an empty
// identity map.
func (f *Factory) Open(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	conn, err := f.store.Connect(ctx)
	if err != nil {
		return nil, types.NewBackingStoreError("connect", err)
	}
	s := newSession(f, conn)
	f.open++
	f.metrics.SessionOpened()
	log.Debug(ctx, log.KV{K: "msg", V: "session opened"}, log.KV{K: "session", V: s.id})
	return s, nil
}

// WithSession opens a session, runs fn and closes the session whatever fn
// returns. Errors from fn and Close are joined.
func (f *Factory) WithSession(ctx context.Context, fn func(*Session) error) (err error) {
	s, err := f.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close(ctx))
	}()
	return fn(s)
}

// OpenSessions returns the number of sessions opened and not yet closed.
func (f *Factory) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Close closes the backing store. Sessions still open keep their
// connections until they are closed.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.store.Close()
}

func (f *Factory) release(*Session) {
	f.mu.Lock()
	f.open--
	f.mu.Unlock()
	f.metrics.SessionClosed()
}
