package clock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pushrelay/internal/types"
)

type fakeSyncStore struct {
	mu        sync.Mutex
	published []types.SyncRequest
	channels  []string
	records   map[string]*types.TimeSyncSample
	reads     int
	err       error
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{records: make(map[string]*types.TimeSyncSample)}
}

func (f *fakeSyncStore) PublishSyncRequest(_ context.Context, channel string, req types.SyncRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.channels = append(f.channels, channel)
	f.published = append(f.published, req)
	return nil
}

func (f *fakeSyncStore) SyncRecord(_ context.Context, key string) (*types.TimeSyncSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	rec, ok := f.records[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSyncStore) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func fixedNow(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestSyncIDFromKey(t *testing.T) {
	id, ok := SyncIDFromKey("sy-.abc123.1494145143663")
	require.True(t, ok)
	assert.Equal(t, types.SyncID("abc123"), id)

	_, ok = SyncIDFromKey("sy-abc123")
	assert.False(t, ok)
}

func TestRequest_PublishesWithDoubledExpiry(t *testing.T) {
	store := newFakeSyncStore()
	s := New(store, "ts-sync", testPolicy())
	s.now = fixedNow(1000)

	require.NoError(t, s.Request(context.Background()))

	require.Len(t, store.published, 1)
	assert.Equal(t, "ts-sync", store.channels[0])
	assert.Equal(t, int64(1000), store.published[0].RequestAt)
	assert.Equal(t, s.ID(), store.published[0].SyncID)
	assert.Equal(t, int64(60000), store.published[0].Expire)
}

func TestRequest_WrapsStoreError(t *testing.T) {
	store := newFakeSyncStore()
	store.err = errors.New("connection refused")
	s := New(store, "ts-sync", testPolicy())

	err := s.Request(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)
}

func TestHandleResponse_IgnoresOtherInstances(t *testing.T) {
	store := newFakeSyncStore()
	s := New(store, "ts-sync", testPolicy())

	require.NoError(t, s.HandleResponse(context.Background(), "sy-.someoneelse.123"))
	assert.Zero(t, store.reads)
	assert.Zero(t, s.Estimate().Observations)
}

func TestHandleResponse_FirstRoundTripDiscarded(t *testing.T) {
	store := newFakeSyncStore()
	s := New(store, "ts-sync", testPolicy())
	key := "sy-." + string(s.ID()) + ".1100"
	store.records[key] = &types.TimeSyncSample{RequestAt: 1000, SyncID: s.ID(), WrittenAt: 1100}
	s.now = fixedNow(1040)

	require.NoError(t, s.HandleResponse(context.Background(), key))
	est := s.Estimate()
	assert.Equal(t, 1, est.Observations)
	assert.Zero(t, est.Offset)
	assert.Zero(t, est.Latency)

	// second round trip seeds: latency 40, offset 1100-1040-20
	require.NoError(t, s.HandleResponse(context.Background(), key))
	est = s.Estimate()
	assert.Equal(t, 2, est.Observations)
	assert.InDelta(t, 40.0, est.Latency, 1e-9)
	assert.InDelta(t, 40.0, est.Offset, 1e-9)
	assert.InDelta(t, 40.0, s.Offset(), 1e-9)
}

func TestHandleResponse_MissingRecord(t *testing.T) {
	store := newFakeSyncStore()
	s := New(store, "ts-sync", testPolicy())

	err := s.HandleResponse(context.Background(), "sy-."+string(s.ID())+".1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRun_PublishesUntilCancelled(t *testing.T) {
	store := newFakeSyncStore()
	p := testPolicy()
	p.Period = 10 * time.Millisecond
	s := New(store, "ts-sync", p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return store.publishCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
