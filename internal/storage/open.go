package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"metrobot/internal/change"
	logx "metrobot/pkg/logx"
)

// Store is the persistence API used by the pipeline and the notifier.
type Store interface {
	// AppendChanges records events in order.
	AppendChanges(ctx context.Context, events []change.Event) error
	// RecentChanges returns up to limit events, newest first. limit <= 0
	// returns everything.
	RecentChanges(ctx context.Context, limit int) ([]change.Event, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// newestFirst reverses events in place and trims to limit.
func newestFirst(events []change.Event, limit int) []change.Event {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
