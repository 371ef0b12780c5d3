// Package redisstore implements the relay's store contracts on Redis. Each
// logical partition maps to its own database number.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/user/pushrelay/internal/config"
	"github.com/user/pushrelay/internal/types"
)

// keyspaceEvents enables keyevent notifications for expiry, generic,
// string and sorted-set commands.
const keyspaceEvents = "Exg$z"

const scanCount = 100

type Options struct {
	Addr                string
	Password            string
	Partitions          config.Partitions
	PushPrefix          string
	EnableNotifications bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		Partitions:          cfg.Partitions,
		PushPrefix:          cfg.Push.Prefix,
		EnableNotifications: cfg.Redis.EnableNotifications,
	}
}

type Store struct {
	opts    Options
	clients map[int]*redis.Client

	item      *redis.Client
	log       *redis.Client
	sync      *redis.Client
	watchable *redis.Client
	watchLog  *redis.Client
}

func New(opts Options) *Store {
	s := &Store{opts: opts, clients: make(map[int]*redis.Client)}
	client := func(db int) *redis.Client {
		if c, ok := s.clients[db]; ok {
			return c
		}
		c := redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       db,
		})
		s.clients[db] = c
		return c
	}
	p := opts.Partitions
	s.item = client(p.Item)
	s.log = client(p.Log)
	s.sync = client(p.Sync)
	s.watchable = client(p.Watchable)
	s.watchLog = client(p.WatchLog)
	return s
}

// Ping checks every partition connection.
func (s *Store) Ping(ctx context.Context) error {
	for db, c := range s.clients {
		if err := c.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis db %d: %w", db, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func scanKeys(ctx context.Context, c *redis.Client, pattern string) ([]string, error) {
	var keys []string
	iter := c.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func decodeSub(key string, data []byte) (*types.WatchSubscription, error) {
	var sub types.WatchSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", key, err)
	}
	sub.Key = key
	return &sub, nil
}

func (s *Store) Match(ctx context.Context, pattern string) ([]*types.WatchSubscription, error) {
	keys, err := scanKeys(ctx, s.watchable, pattern)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.watchable.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	out := make([]*types.WatchSubscription, 0, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		sub, err := decodeSub(keys[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, key string) (*types.WatchSubscription, error) {
	data, err := s.watchable.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", key, err)
	}
	return decodeSub(key, data)
}

// AdvanceWatermark rewrites nextevent under WATCH so a concurrent writer
// aborts the transaction instead of being overwritten. The record's TTL is
// kept. A watermark already at or past next is acknowledged unchanged.
func (s *Store) AdvanceWatermark(ctx context.Context, key string, next int64) (bool, error) {
	var acked bool
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("decode subscription %s: %w", key, err)
		}
		if cur, ok := doc["nextevent"].(json.Number); ok {
			if n, err := cur.Int64(); err == nil && n >= next {
				acked = true
				return nil
			}
		}
		doc["nextevent"] = next
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		var set *redis.StatusCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			set = pipe.SetArgs(ctx, key, data, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		acked = set.Val() == "OK"
		return nil
	}

	err := s.watchable.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance watermark %s: %w", key, err)
	}
	return acked, nil
}

func (s *Store) Expire(ctx context.Context, key string, after time.Duration) (bool, error) {
	ok, err := s.watchable.Expire(ctx, key, after).Result()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return ok, nil
}

// Append adds at to the sorted set under key. Members carry a unique suffix
// so two events in the same millisecond stay distinct.
func (s *Store) Append(ctx context.Context, key string, at int64, ttl time.Duration) error {
	member := strconv.FormatInt(at, 10) + "-" + uuid.NewString()
	_, err := s.log.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at), Member: member})
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (s *Store) Timestamps(ctx context.Context, key string) ([]int64, error) {
	zs, err := s.log.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := make([]int64, len(zs))
	for i, z := range zs {
		out[i] = int64(z.Score)
	}
	return out, nil
}

func (s *Store) PublishSyncRequest(ctx context.Context, channel string, req types.SyncRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.sync.Publish(ctx, channel, data).Err()
}

func (s *Store) SyncRecord(ctx context.Context, key string) (*types.TimeSyncSample, error) {
	data, err := s.sync.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record %s: %w", key, err)
	}
	var sample types.TimeSyncSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("decode sync record %s: %w", key, err)
	}
	return &sample, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.watchLog.Set(ctx, key, value, ttl).Err()
}

// Notifications subscribes to keyevent channels for the item, log, sync and
// watchable partitions.
func (s *Store) Notifications(ctx context.Context) (<-chan types.Notification, error) {
	if s.opts.EnableNotifications {
		if err := s.item.ConfigSet(ctx, "notify-keyspace-events", keyspaceEvents).Err(); err != nil {
			return nil, fmt.Errorf("enable keyspace notifications: %w", err)
		}
	}

	p := s.opts.Partitions
	seen := make(map[int]bool)
	var patterns []string
	for _, db := range []int{p.Item, p.Log, p.Sync, p.Watchable} {
		if seen[db] {
			continue
		}
		seen[db] = true
		patterns = append(patterns, "__keyevent@"+strconv.Itoa(db)+"__:*")
	}

	ps := s.item.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", strings.Join(patterns, " "), err)
	}

	out := make(chan types.Notification, 256)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				n := types.Notification{Pattern: m.Pattern, Channel: m.Channel, Payload: m.Payload}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PushSink returns the default push backend: plain keys under the push
// prefix in the watchable partition.
func (s *Store) PushSink() *PushSink {
	return &PushSink{client: s.watchable, prefix: s.opts.PushPrefix}
}

type PushSink struct {
	client *redis.Client
	prefix string
}

func (p *PushSink) Set(ctx context.Context, key string, value []byte) error {
	return p.client.Set(ctx, p.prefix+key, value, 0).Err()
}

// Remove deletes key and every key nested below it.
func (p *PushSink) Remove(ctx context.Context, key string) error {
	full := p.prefix + key
	nested, err := scanKeys(ctx, p.client, escapeGlob(full)+"/*")
	if err != nil {
		return fmt.Errorf("scan push keys under %s: %w", full, err)
	}
	return p.client.Del(ctx, append([]string{full}, nested...)...).Err()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
