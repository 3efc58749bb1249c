package overrides

import (
	"context"
	"errors"

	"metrobot/internal/fswatch"
	logx "metrobot/pkg/logx"
)

// Watch reloads the store whenever the override file changes on disk and
// returns when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	return fswatch.File(ctx, s.path, fswatch.DefaultDebounce, s.log.With(logx.String("op", "watch")), func(ctx context.Context) {
		changed, err := s.Load(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			s.log.Debug("override reload skipped; store busy")
		case err != nil:
			s.log.Warn("override reload failed", logx.Err(err))
		case changed:
			s.log.Info("override reload applied", logx.String("path", s.path))
		}
	})
}
