// Package memstore implements the relay's store contracts in memory. It
// raises the same keyevent notifications a keyspace-notifying store would
// for its own writes, so the whole pipeline can run without a server.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/user/pushrelay/internal/config"
	"github.com/user/pushrelay/internal/types"
)

type record struct {
	value    []byte
	expireAt time.Time
	timer    *time.Timer
}

func (r *record) expired(now time.Time) bool {
	return !r.expireAt.IsZero() && !now.Before(r.expireAt)
}

type sortedSet struct {
	scores   []int64
	expireAt time.Time
}

// SyncPublish is one sync request seen by the store.
type SyncPublish struct {
	Channel string
	Request types.SyncRequest
}

type subscriber struct {
	ch   chan types.Notification
	done <-chan struct{}
}

// Store is safe for concurrent use.
type Store struct {
	partitions config.Partitions

	mu        sync.Mutex
	subs      map[string]*record
	logs      map[string]*sortedSet
	syncs     map[string][]byte
	published []SyncPublish
	watchLog  map[string]*record
	push      map[string][]byte

	// OnSyncRequest, when set, is called after every published sync request.
	OnSyncRequest func(SyncPublish)

	emitMu      sync.RWMutex
	subscribers []*subscriber
}

func New(partitions config.Partitions) *Store {
	return &Store{
		partitions: partitions,
		subs:       make(map[string]*record),
		logs:       make(map[string]*sortedSet),
		syncs:      make(map[string][]byte),
		watchLog:   make(map[string]*record),
		push:       make(map[string][]byte),
	}
}

// Notifications streams keyevent notifications until ctx is cancelled, after
// which the channel is closed.
func (s *Store) Notifications(ctx context.Context) (<-chan types.Notification, error) {
	sub := &subscriber{ch: make(chan types.Notification, 64), done: ctx.Done()}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		s.mu.Lock()
		for i, other := range s.subscribers {
			if other == sub {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

func (s *Store) emit(partition int, method, key string) {
	n := types.Notification{
		Pattern: "__keyevent@" + strconv.Itoa(partition) + "__:*",
		Channel: "__keyevent@" + strconv.Itoa(partition) + "__:" + method,
		Payload: key,
	}
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	s.mu.Lock()
	subs := append([]*subscriber(nil), s.subscribers...)
	s.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- n:
		case <-sub.done:
		}
	}
}

// SetItem simulates a write to a data item.
func (s *Store) SetItem(key, method string) {
	s.emit(s.partitions.Item, method, key)
}

// PutSubscription stores sub under key without raising a notification.
func (s *Store) PutSubscription(key string, sub *types.WatchSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.subs[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.subs[key] = &record{value: data}
	return nil
}

func (s *Store) liveSub(key string) (*record, bool) {
	r, ok := s.subs[key]
	if !ok || r.expired(time.Now()) {
		return nil, false
	}
	return r, true
}

func decodeSub(key string, data []byte) (*types.WatchSubscription, error) {
	var sub types.WatchSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", key, err)
	}
	sub.Key = key
	return &sub, nil
}

func (s *Store) Match(_ context.Context, pattern string) ([]*types.WatchSubscription, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		if _, ok := s.liveSub(key); ok && g.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]*types.WatchSubscription, 0, len(keys))
	for _, key := range keys {
		sub, err := decodeSub(key, s.subs[key].value)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, key string) (*types.WatchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.liveSub(key)
	if !ok {
		return nil, types.ErrNotFound
	}
	return decodeSub(key, r.value)
}

// AdvanceWatermark raises nextevent to next. A watermark already at or past
// next is acknowledged unchanged; a missing record is not acknowledged.
func (s *Store) AdvanceWatermark(_ context.Context, key string, next int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.liveSub(key)
	if !ok {
		return false, nil
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(r.value))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return false, fmt.Errorf("decode subscription %s: %w", key, err)
	}
	if cur, ok := doc["nextevent"].(json.Number); ok {
		if n, err := cur.Int64(); err == nil && n >= next {
			return true, nil
		}
	}
	doc["nextevent"] = next
	data, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	r.value = data
	return true, nil
}

func (s *Store) Expire(_ context.Context, key string, after time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.liveSub(key)
	if !ok {
		return false, nil
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.expireAt = time.Now().Add(after)
	r.timer = time.AfterFunc(after, func() { s.expireSub(key, r) })
	return true, nil
}

// ExpireNow expires a subscription immediately, as the store's own TTL would.
func (s *Store) ExpireNow(key string) bool {
	s.mu.Lock()
	r, ok := s.subs[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	s.expireSub(key, r)
	return true
}

func (s *Store) expireSub(key string, r *record) {
	s.mu.Lock()
	if s.subs[key] != r {
		s.mu.Unlock()
		return
	}
	delete(s.subs, key)
	s.mu.Unlock()
	s.emit(s.partitions.Watchable, "expired", key)
}

// HasSubscription reports whether key is stored and not expired.
func (s *Store) HasSubscription(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveSub(key)
	return ok
}

// ExpiresAt returns the scheduled expiry of a subscription, if any.
func (s *Store) ExpiresAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.subs[key]
	if !ok || r.expireAt.IsZero() {
		return time.Time{}, false
	}
	return r.expireAt, true
}

func (s *Store) Append(_ context.Context, key string, at int64, ttl time.Duration) error {
	s.mu.Lock()
	set, ok := s.logs[key]
	if !ok || (!set.expireAt.IsZero() && !time.Now().Before(set.expireAt)) {
		set = &sortedSet{}
		s.logs[key] = set
	}
	i := sort.Search(len(set.scores), func(i int) bool { return set.scores[i] > at })
	set.scores = append(set.scores, 0)
	copy(set.scores[i+1:], set.scores[i:])
	set.scores[i] = at
	if ttl > 0 {
		set.expireAt = time.Now().Add(ttl)
	}
	s.mu.Unlock()

	s.emit(s.partitions.Log, "zadd", key)
	return nil
}

func (s *Store) Timestamps(_ context.Context, key string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.logs[key]
	if !ok || (!set.expireAt.IsZero() && !time.Now().Before(set.expireAt)) {
		return nil, nil
	}
	return append([]int64(nil), set.scores...), nil
}

func (s *Store) PublishSyncRequest(_ context.Context, channel string, req types.SyncRequest) error {
	p := SyncPublish{Channel: channel, Request: req}
	s.mu.Lock()
	s.published = append(s.published, p)
	hook := s.OnSyncRequest
	s.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

// SyncPublishes returns every sync request published so far.
func (s *Store) SyncPublishes() []SyncPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncPublish(nil), s.published...)
}

// WriteSyncRecord plays the authoritative source answering a sync request.
func (s *Store) WriteSyncRecord(key string, sample types.TimeSyncSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.syncs[key] = data
	s.mu.Unlock()
	s.emit(s.partitions.Sync, "set", key)
	return nil
}

func (s *Store) SyncRecord(_ context.Context, key string) (*types.TimeSyncSample, error) {
	s.mu.Lock()
	data, ok := s.syncs[key]
	s.mu.Unlock()
	if !ok {
		return nil, types.ErrNotFound
	}
	var sample types.TimeSyncSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("decode sync record %s: %w", key, err)
	}
	return &sample, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	r := &record{value: append([]byte(nil), value...)}
	if ttl > 0 {
		r.expireAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.watchLog[key] = r
	s.mu.Unlock()
	return nil
}

// WatchLog returns the live watch-log records keyed by store key.
func (s *Store) WatchLog() map[string]types.WatchLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.WatchLogRecord, len(s.watchLog))
	now := time.Now()
	for key, r := range s.watchLog {
		if r.expired(now) {
			continue
		}
		var rec types.WatchLogRecord
		if err := json.Unmarshal(r.value, &rec); err == nil {
			out[key] = rec
		}
	}
	return out
}

// WatchLogTTL returns the remaining lifetime of a watch-log key.
func (s *Store) WatchLogTTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.watchLog[key]
	if !ok || r.expireAt.IsZero() {
		return 0, false
	}
	return time.Until(r.expireAt), true
}

// PushSink returns a view of the store usable as a types.PushSink.
func (s *Store) PushSink() *PushSink {
	return &PushSink{s: s}
}

// PushValue returns the value written to the push sink under key.
func (s *Store) PushValue(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.push[key]
	return v, ok
}

// PushKeys lists every key present in the push sink.
func (s *Store) PushKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.push))
	for k := range s.push {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type PushSink struct {
	s *Store
	// Err, when set, is returned from every Set.
	Err error
}

func (p *PushSink) Set(_ context.Context, key string, value []byte) error {
	if p.Err != nil {
		return p.Err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.push[key] = append([]byte(nil), value...)
	return nil
}

func (p *PushSink) Remove(_ context.Context, key string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for k := range p.s.push {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(p.s.push, k)
		}
	}
	return nil
}
