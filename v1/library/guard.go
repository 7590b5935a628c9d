package library

import (
	"context"

	"github.com/mirkobrombin/go-shelf/v1/lock"
	"github.com/mirkobrombin/go-shelf/v1/watchbus"
)

type step[T any] func(ctx context.Context) (T, error)

// withLock runs fn while holding key. The lock is released on every exit
// path, panics included.
func withLock[T any](l lock.Locker, key string, opts lock.Options, fn step[T]) step[T] {
	return func(ctx context.Context) (T, error) {
		var out T
		err := lock.Do(ctx, l, key, opts, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	}
}

// withInvalidation evicts the owner's cached views and publishes a change
// event once fn has succeeded. Both run even if ctx was canceled after the
// write landed.
func (s *Service) withInvalidation(typ watchbus.EventType, fn step[*Association]) step[*Association] {
	return func(ctx context.Context) (*Association, error) {
		a, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		s.afterMutation(context.WithoutCancel(ctx), typ, a)
		return a, nil
	}
}

func (s *Service) afterMutation(ctx context.Context, typ watchbus.EventType, a *Association) {
	s.views.InvalidateUser(ctx, a.UserID)
	if s.opts.feed == nil {
		return
	}
	ev := watchbus.Event{
		Type:          typ,
		UserID:        a.UserID,
		AssociationID: a.ID,
		BookID:        a.BookID,
		State:         string(a.State),
		CurrentPage:   a.CurrentPage,
	}
	if err := watchbus.PublishEvent(ctx, s.opts.feed, ev); err != nil {
		s.logger.Warn("publish change event failed", "user", a.UserID, "association", a.ID, "error", err)
	}
}
