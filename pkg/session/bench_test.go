package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func BenchmarkFindIdentityHit(b *testing.B) {
	ctx := context.Background()
	f, store := newTestFactory(b)
	seedShop(store)
	s, err := f.Open(ctx)
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = s.Close(ctx) }()
	if _, err := s.Find(ctx, "Order", 1); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for b.Loop() {
		if _, err := s.Find(ctx, "Order", 1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFindFreshSession(b *testing.B) {
	ctx := context.Background()
	f, store := newTestFactory(b)
	seedShop(store)

	b.ResetTimer()
	for b.Loop() {
		err := f.WithSession(ctx, func(s *Session) error {
			_, err := s.Find(ctx, "LineItem", 1)
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCommitOrderWithItems(b *testing.B) {
	for _, n := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			ctx := context.Background()
			f, _ := newTestFactory(b)
			b.ResetTimer()
			for b.Loop() {
				err := f.WithSession(ctx, func(s *Session) error {
					order, err := s.New("Order")
					if err != nil {
						return err
					}
					for i := range n {
						item, err := s.New("LineItem")
						if err != nil {
							return err
						}
						if err := item.Set("sku", fmt.Sprintf("sku-%d", i)); err != nil {
							return err
						}
						if err := item.Set("quantity", i+1); err != nil {
							return err
						}
						if err := order.Collection("items").Add(ctx, item); err != nil {
							return err
						}
					}
					if err := s.Persist(ctx, order); err != nil {
						return err
					}
					return s.Commit(ctx)
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkMergeDetached(b *testing.B) {
	ctx := context.Background()
	f, store := newTestFactory(b)
	seedShop(store)

	var detached *Entity
	err := f.WithSession(ctx, func(s *Session) error {
		var err error
		detached, err = s.Find(ctx, "Customer", "c1")
		return err
	})
	if err != nil {
		b.Fatal(err)
	}
	if detached.State() != types.Detached {
		b.Fatalf("state = %v, want detached", detached.State())
	}

	b.ResetTimer()
	for b.Loop() {
		err := f.WithSession(ctx, func(s *Session) error {
			_, err := s.Merge(ctx, detached)
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
