package cache

import (
	"context"
	"time"
)

// ReportCache holds serialized report payloads. Reports are recomputable, so
// cache failures are soft: callers log and fall through to the store.
type ReportCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
