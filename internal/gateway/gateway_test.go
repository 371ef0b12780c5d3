package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/user/pushrelay/internal/classifier"
	"github.com/user/pushrelay/internal/config"
	"github.com/user/pushrelay/internal/delivery"
	"github.com/user/pushrelay/internal/store/memstore"
	"github.com/user/pushrelay/internal/types"
	"github.com/user/pushrelay/internal/watchlog"
)

const (
	subKey  = "watch:ITEM42.set"
	logKey  = "log:ITEM42.set"
	pushKey = "ITEM42/u1"
)

type testRelay struct {
	gw    *Gateway
	store *memstore.Store
	sink  *memstore.PushSink
	cfg   *config.Config
}

// newTestRelay builds a gateway over one memstore. wrap, when non-nil,
// decorates the store handed to the dispatcher as its subscription store.
func newTestRelay(t *testing.T, wrap func(*memstore.Store) types.SubscriptionStore) *testRelay {
	t.Helper()
	cfg := config.Default()
	cfg.Prefixes.Item = "ITEM"

	store := memstore.New(cfg.Partitions)
	var subs types.SubscriptionStore = store
	if wrap != nil {
		subs = wrap(store)
	}
	sink := store.PushSink()
	gw := New(Options{
		Source:         store,
		Classifier:     classifier.New(classifier.RulesFromConfig(cfg), nil),
		Subscriptions:  subs,
		Events:         store,
		PushSink:       sink,
		Registry:       delivery.NewStandardRegistry(sink, nil, 2*time.Second),
		WatchLog:       watchlog.New(store, cfg.Prefixes.WatchLog, time.Hour),
		LogLifetime:    time.Hour,
		RejectionGrace: time.Hour,
		MaxConcurrent:  4,
	})
	gw.Queue.Start(context.Background())
	t.Cleanup(gw.Queue.Stop)
	return &testRelay{gw: gw, store: store, sink: sink, cfg: cfg}
}

func (r *testRelay) notify(t *testing.T, partition int, method, key string) {
	t.Helper()
	n := types.Notification{
		Channel: "__keyevent@" + strconv.Itoa(partition) + "__:" + method,
		Payload: key,
	}
	if err := r.gw.Handle(context.Background(), n); err != nil {
		t.Fatalf("handle %s %s: %v", method, key, err)
	}
	if !r.gw.Queue.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for dispatch")
	}
}

func (r *testRelay) subscribe(t *testing.T, sub *types.WatchSubscription) {
	t.Helper()
	if err := r.store.PutSubscription(subKey, sub); err != nil {
		t.Fatal(err)
	}
}

func (r *testRelay) logAt(t *testing.T, at ...int64) {
	t.Helper()
	for _, ts := range at {
		if err := r.store.Append(context.Background(), logKey, ts, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
}

func (r *testRelay) nextEvent(t *testing.T) int64 {
	t.Helper()
	sub, err := r.store.Get(context.Background(), subKey)
	if err != nil {
		t.Fatal(err)
	}
	return sub.NextEvent
}

func (r *testRelay) entries() []types.WatchLogEntry {
	var out []types.WatchLogEntry
	for _, rec := range r.store.WatchLog() {
		out = append(out, rec.Packet)
	}
	return out
}

func pushSub(next int64) *types.WatchSubscription {
	return &types.WatchSubscription{
		ID:        "w1",
		Event:     "set",
		Options:   types.WatchOptions{Type: types.DeliveryPush, PushID: "p1", UQ: "u1"},
		NextEvent: next,
	}
}

func webhookSub(url string) *types.WatchSubscription {
	return &types.WatchSubscription{
		ID:      "w1",
		Event:   "set",
		Options: types.WatchOptions{Type: types.DeliveryWebhook, URL: url, Method: "POST", UQ: "u1"},
	}
}

func TestGatewayItemChangeIsLogged(t *testing.T) {
	r := newTestRelay(t, nil)

	before := time.Now().UnixMilli()
	r.notify(t, r.cfg.Partitions.Item, "set", "ITEM42")

	values, err := r.store.Timestamps(context.Background(), logKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 {
		t.Fatalf("expected 1 logged timestamp, got %v", values)
	}
	if values[0] < before || values[0] > time.Now().UnixMilli() {
		t.Errorf("timestamp %d outside test window", values[0])
	}
}

func TestGatewayIgnoresUnwatchedMethod(t *testing.T) {
	r := newTestRelay(t, nil)

	r.notify(t, r.cfg.Partitions.Item, "hset", "ITEM42")

	values, _ := r.store.Timestamps(context.Background(), "log:ITEM42.hset")
	if len(values) != 0 {
		t.Errorf("expected nothing logged, got %v", values)
	}
}

func TestGatewayPushDelivery(t *testing.T) {
	r := newTestRelay(t, nil)
	r.subscribe(t, pushSub(0))
	r.logAt(t, 1000)

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)

	value, ok := r.store.PushValue(pushKey)
	if !ok {
		t.Fatalf("expected push value at %s, keys: %v", pushKey, r.store.PushKeys())
	}
	if string(value) != "[1000]" {
		t.Errorf("expected [1000], got %s", value)
	}
	if next := r.nextEvent(t); next != 1001 {
		t.Errorf("expected nextevent 1001, got %d", next)
	}

	entries := r.entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 watch log entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.OK || e.Error != types.OutcomeEmitted || e.Code != types.CodeCreated {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Watchable != "ITEM42" || e.UQ != "u1" || e.PushID != "p1" {
		t.Errorf("unexpected entry identity %+v", e)
	}
}

func TestGatewayNoRedelivery(t *testing.T) {
	r := newTestRelay(t, nil)
	r.subscribe(t, pushSub(150))
	r.logAt(t, 100, 200, 300)

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)

	value, _ := r.store.PushValue(pushKey)
	if string(value) != "[200,300]" {
		t.Errorf("expected [200,300], got %s", value)
	}
	if next := r.nextEvent(t); next != 301 {
		t.Errorf("expected nextevent 301, got %d", next)
	}

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)
	if n := len(r.entries()); n != 1 {
		t.Errorf("expected no second dispatch, got %d entries", n)
	}
}

func TestGatewayWatermarkMonotonic(t *testing.T) {
	r := newTestRelay(t, nil)
	r.subscribe(t, pushSub(0))

	var last int64
	for _, ts := range []int64{500, 300, 900, 700} {
		r.logAt(t, ts)
		r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)
		next := r.nextEvent(t)
		if next < last {
			t.Fatalf("watermark went backwards: %d -> %d", last, next)
		}
		last = next
	}
	if last != 901 {
		t.Errorf("expected final watermark 901, got %d", last)
	}
}

func TestGatewayWebhookRejectionExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"gone away"}`))
	}))
	defer srv.Close()

	r := newTestRelay(t, nil)
	r.subscribe(t, webhookSub(srv.URL))
	r.logAt(t, 1000)

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)

	if _, ok := r.store.ExpiresAt(subKey); !ok {
		t.Error("expected subscription to be scheduled for expiry")
	}
	if next := r.nextEvent(t); next != 0 {
		t.Errorf("expected watermark unchanged, got %d", next)
	}
	entries := r.entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].OK || entries[0].Error != "gone away" || entries[0].Code != http.StatusOK {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[0].Method != "post" || entries[0].URL == "" {
		t.Errorf("expected webhook target recorded, got %+v", entries[0])
	}
}

func TestGatewayWebhookTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newTestRelay(t, nil)
	r.subscribe(t, webhookSub(srv.URL))
	r.logAt(t, 1000)

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)

	if _, ok := r.store.ExpiresAt(subKey); ok {
		t.Error("transport failure must not expire the subscription")
	}
	if next := r.nextEvent(t); next != 0 {
		t.Errorf("expected watermark unchanged, got %d", next)
	}
	entries := r.entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Code != http.StatusServiceUnavailable || entries[0].Error != "Service Unavailable" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestGatewayWebhookDelivered(t *testing.T) {
	var got types.DispatchPacket
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := newTestRelay(t, nil)
	r.subscribe(t, webhookSub(srv.URL))
	r.logAt(t, 1000, 1200)

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)

	if got.NextEvent != 1201 || len(got.Value) != 2 || got.Watchable != "ITEM42" {
		t.Errorf("unexpected packet %+v", got)
	}
	if next := r.nextEvent(t); next != 1201 {
		t.Errorf("expected nextevent 1201, got %d", next)
	}
}

func TestGatewayExpiryCleansPushSink(t *testing.T) {
	r := newTestRelay(t, nil)
	ctx := context.Background()
	r.sink.Set(ctx, "ITEM___7/u1", []byte("[1]"))
	r.sink.Set(ctx, "ITEM___7/u2", []byte("[2]"))
	r.sink.Set(ctx, "ITEM8/u1", []byte("[3]"))

	r.notify(t, r.cfg.Partitions.Watchable, "expired", "watch:ITEM$7.set")

	keys := r.store.PushKeys()
	if len(keys) != 1 || keys[0] != "ITEM8/u1" {
		t.Errorf("expected only ITEM8/u1 to remain, got %v", keys)
	}
}

type recordingClock struct {
	mu   sync.Mutex
	keys []string
}

func (c *recordingClock) HandleResponse(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	return nil
}

func TestGatewaySyncResponseForwarded(t *testing.T) {
	r := newTestRelay(t, nil)
	clock := &recordingClock{}
	r.gw.clock = clock

	r.notify(t, r.cfg.Partitions.Sync, "set", "sy-.abc.123")

	if len(clock.keys) != 1 || clock.keys[0] != "sy-.abc.123" {
		t.Errorf("expected sync key forwarded, got %v", clock.keys)
	}
}

func TestGatewayStartPipeline(t *testing.T) {
	r := newTestRelay(t, nil)
	r.subscribe(t, pushSub(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.gw.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.gw.Stop()

	r.store.SetItem("ITEM42", "set")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.store.PushValue(pushKey); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("push value never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if next := r.nextEvent(t); next == 0 {
		t.Error("expected watermark to advance")
	}
}

func TestDispatchUnknownType(t *testing.T) {
	r := newTestRelay(t, nil)
	sub := pushSub(0)
	sub.Options.Type = "sms"
	r.subscribe(t, sub)
	sub.Key = subKey

	entry, err := r.gw.Dispatcher().Dispatch(context.Background(), "ITEM42", 1, sub, []int64{1000})
	if err != nil {
		t.Fatal(err)
	}
	if entry.OK || entry.Code != types.CodeInternal || entry.Error != "unknown watch type sms" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if next := r.nextEvent(t); next != 0 {
		t.Errorf("expected watermark unchanged, got %d", next)
	}
}

func TestDispatchPushFailureKeepsWatermark(t *testing.T) {
	r := newTestRelay(t, nil)
	r.sink.Err = errors.New("sink unavailable")
	r.subscribe(t, pushSub(0))
	r.logAt(t, 1000)

	r.notify(t, r.cfg.Partitions.Log, "zadd", logKey)

	if next := r.nextEvent(t); next != 0 {
		t.Errorf("expected watermark unchanged, got %d", next)
	}
	if _, ok := r.store.ExpiresAt(subKey); ok {
		t.Error("push failure must not expire the subscription")
	}
	entries := r.entries()
	if len(entries) != 1 || entries[0].OK || entries[0].Error != "sink unavailable" {
		t.Errorf("unexpected entries %+v", entries)
	}
}

// unackedStore never acknowledges a watermark update.
type unackedStore struct {
	*memstore.Store
}

func (unackedStore) AdvanceWatermark(context.Context, string, int64) (bool, error) {
	return false, nil
}

func TestDispatchWatermarkNotAcknowledged(t *testing.T) {
	r := newTestRelay(t, func(s *memstore.Store) types.SubscriptionStore {
		return unackedStore{s}
	})
	r.subscribe(t, pushSub(0))

	sub, err := r.store.Get(context.Background(), subKey)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := r.gw.Dispatcher().Dispatch(context.Background(), "ITEM42", 1, sub, []int64{1000})
	if err != nil {
		t.Fatal(err)
	}
	if entry.OK || entry.Error != msgWatermarkFailed || entry.Code != types.CodeInternal {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestProcessJobRefiltersAgainstFreshWatermark(t *testing.T) {
	r := newTestRelay(t, nil)
	r.subscribe(t, pushSub(2000))

	job := &Job{
		ID:            types.NewJobID(),
		Key:           subKey,
		SubscriberKey: "ITEM42",
		Values:        []int64{1000, 3000},
		Ctx:           context.Background(),
	}
	if err := r.gw.Dispatcher().ProcessJob(job); err != nil {
		t.Fatal(err)
	}

	value, _ := r.store.PushValue(pushKey)
	if string(value) != "[3000]" {
		t.Errorf("expected [3000], got %s", value)
	}
	if next := r.nextEvent(t); next != 3001 {
		t.Errorf("expected nextevent 3001, got %d", next)
	}
}

func TestProcessJobSubscriptionGone(t *testing.T) {
	r := newTestRelay(t, nil)

	job := &Job{ID: types.NewJobID(), Key: subKey, SubscriberKey: "ITEM42", Values: []int64{1000}}
	if err := r.gw.Dispatcher().ProcessJob(job); err != nil {
		t.Fatalf("expected nil for missing subscription, got %v", err)
	}
	if n := len(r.entries()); n != 0 {
		t.Errorf("expected no watch log entries, got %d", n)
	}
}
