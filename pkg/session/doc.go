// Package session implements the unit of work of larder: a Session tracks
// materialized entities in an identity map, hands out lazy association
// proxies, cascades persist/merge/remove along owned associations, and
// flushes pending changes to a backing store atomically on Commit.
//
// A Session is not safe for concurrent use. Open one per logical thread of
// control from a Factory and close it on every exit path:
//
//	err := factory.WithSession(ctx, func(s *session.Session) error {
//	    order, err := s.Find(ctx, "Order", 1)
//	    if err != nil {
//	        return err
//	    }
//	    items, err := order.Collection("items").Get(ctx)
//	    ...
//	    return s.Commit(ctx)
//	})
package session
