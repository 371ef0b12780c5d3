package clock

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/types"
)

// Synchronizer keeps an Estimate of the authoritative clock by publishing
// sync requests and timing the records written back in response.
type Synchronizer struct {
	store   types.SyncStore
	channel string
	policy  Policy
	id      types.SyncID
	now     func() time.Time

	mu       sync.RWMutex
	estimate Estimate
}

func New(store types.SyncStore, channel string, policy Policy) *Synchronizer {
	return &Synchronizer{
		store:   store,
		channel: channel,
		policy:  policy,
		id:      types.NewSyncID(),
		now:     time.Now,
	}
}

func (s *Synchronizer) ID() types.SyncID {
	return s.id
}

// Run publishes a request, waits one period, and repeats until ctx is done.
// Rounds never overlap: the next publish is only issued after the previous
// one returned.
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		if err := s.Request(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("sync request failed", "channel", s.channel, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.policy.Period):
		}
	}
}

// Request publishes one sync request stamped with the local time.
func (s *Synchronizer) Request(ctx context.Context) error {
	req := types.SyncRequest{
		RequestAt: s.now().UnixMilli(),
		SyncID:    s.id,
		Expire:    2 * s.policy.Period.Milliseconds(),
	}
	if err := s.store.PublishSyncRequest(ctx, s.channel, req); err != nil {
		return fmt.Errorf("publish sync request: %w", err)
	}
	return nil
}

// SyncIDFromKey extracts the sync id from a key shaped
// "<prefix>.<syncId>.<writtenAt>".
func SyncIDFromKey(key string) (types.SyncID, bool) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return types.SyncID(parts[1]), true
}

// HandleResponse processes the sync record written under key. Records
// answering another instance's request are ignored.
func (s *Synchronizer) HandleResponse(ctx context.Context, key string) error {
	now := s.now().UnixMilli()

	id, ok := SyncIDFromKey(key)
	if !ok || id != s.id {
		return nil
	}

	rec, err := s.store.SyncRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("read sync record %s: %w", key, err)
	}
	latency := now - rec.RequestAt

	s.mu.Lock()
	before := s.estimate.Offset
	accepted := s.estimate.Observe(latency, rec.WrittenAt, now, s.policy)
	current := s.estimate
	s.mu.Unlock()

	metrics.IncClockSample(accepted)
	if !accepted {
		slog.Debug("sync sample discarded", "latency_ms", latency)
		return nil
	}
	metrics.SetClock(current.Offset, current.Latency)
	if math.Round(before) != math.Round(current.Offset) {
		slog.Info("settling time offset", "offset_ms", current.Offset, "latency_ms", current.Latency)
	}
	return nil
}

func (s *Synchronizer) Estimate() Estimate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.estimate
}

// Offset returns the current smoothed offset in milliseconds.
func (s *Synchronizer) Offset() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.estimate.Offset
}
