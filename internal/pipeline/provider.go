package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"metrobot/internal/status"
)

// RawStatusProvider yields the current raw network payload.
type RawStatusProvider interface {
	Fetch(ctx context.Context) (status.RawNetwork, error)
}

// SnapshotCombiner merges static topology into a raw payload.
type SnapshotCombiner interface {
	Combine(raw status.RawNetwork, at time.Time) status.Snapshot
}

// FileProvider reads the payload from a JSON file written by an external fetcher.
type FileProvider struct {
	Path string
}

func (p FileProvider) Fetch(ctx context.Context) (status.RawNetwork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read raw payload: %w", err)
	}
	return status.ParseRaw(b)
}
