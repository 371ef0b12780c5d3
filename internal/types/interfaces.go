// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

type SubscriptionStore interface {
	// Match returns every subscription whose key matches the glob pattern.
	Match(ctx context.Context, pattern string) ([]*WatchSubscription, error)
	Get(ctx context.Context, key string) (*WatchSubscription, error)
	// AdvanceWatermark reports true only when the store acknowledged the write.
	AdvanceWatermark(ctx context.Context, key string, next int64) (bool, error)
	Expire(ctx context.Context, key string, after time.Duration) (bool, error)
}

type EventLog interface {
	Append(ctx context.Context, key string, at int64, ttl time.Duration) error
	Timestamps(ctx context.Context, key string) ([]int64, error)
}

type SyncStore interface {
	PublishSyncRequest(ctx context.Context, channel string, req SyncRequest) error
	SyncRecord(ctx context.Context, key string) (*TimeSyncSample, error)
}

type WatchLogStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// PushSink is a keyed write/delete sink. Remove drops the key and everything
// nested below it.
type PushSink interface {
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

type NotificationSource interface {
	Notifications(ctx context.Context) (<-chan Notification, error)
}
