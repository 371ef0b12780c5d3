// Package correlator pairs a logged event key with the subscriptions
// watching it and works out which timestamps each has not yet received.
package correlator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/user/pushrelay/internal/config"
	"github.com/user/pushrelay/internal/types"
)

// Match is one subscription with timestamps still to deliver.
type Match struct {
	Key           string
	SubscriberKey string
	Subscription  *types.WatchSubscription
	Values        []int64
	NextEvent     int64
}

type Correlator struct {
	subs     types.SubscriptionStore
	log      types.EventLog
	prefixes config.Prefixes
}

func New(subs types.SubscriptionStore, log types.EventLog, prefixes config.Prefixes) *Correlator {
	return &Correlator{subs: subs, log: log, prefixes: prefixes}
}

// SplitLogKey splits "<log-prefix><itemKey>.<method>" into its item key and
// method. The method is whatever follows the last dot.
func SplitLogKey(logKey, logPrefix string) (itemKey, method string, ok bool) {
	rest := strings.TrimPrefix(logKey, logPrefix)
	i := strings.LastIndex(rest, ".")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// MatchPattern is the wildcard selecting every subscription on itemKey.method.
func MatchPattern(watchablePrefix, itemKey, method string) string {
	return watchablePrefix + "*" + itemKey + "." + method + "*"
}

// SubscriberKey strips the watchable prefix and everything from the first
// dot, leaving the subscriber identifier.
func SubscriberKey(storeKey, watchablePrefix string) string {
	head, _, _ := strings.Cut(storeKey, ".")
	return strings.TrimPrefix(head, watchablePrefix)
}

// Qualifying returns the values at or after next, preserving order.
func Qualifying(values []int64, next int64) []int64 {
	var out []int64
	for _, v := range values {
		if v >= next {
			out = append(out, v)
		}
	}
	return out
}

// NextWatermark is one past the latest of values.
func NextWatermark(values []int64) int64 {
	var latest int64
	for i, v := range values {
		if i == 0 || v > latest {
			latest = v
		}
	}
	return latest + 1
}

// Correlate loads the timestamps and matching subscriptions for logKey and
// returns those subscriptions with something left to deliver. Subscriptions
// already past every timestamp are omitted.
func (c *Correlator) Correlate(ctx context.Context, logKey string) ([]Match, error) {
	itemKey, method, ok := SplitLogKey(logKey, c.prefixes.Log)
	if !ok {
		return nil, fmt.Errorf("malformed log key %q", logKey)
	}

	var (
		values []int64
		subs   []*types.WatchSubscription
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		values, err = c.log.Timestamps(gctx, logKey)
		if err != nil {
			return fmt.Errorf("load timestamps for %s: %w", logKey, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		subs, err = c.subs.Match(gctx, MatchPattern(c.prefixes.Watchable, itemKey, method))
		if err != nil {
			return fmt.Errorf("match subscriptions for %s: %w", logKey, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var matches []Match
	for _, sub := range subs {
		q := Qualifying(values, sub.NextEvent)
		if len(q) == 0 {
			continue
		}
		matches = append(matches, Match{
			Key:           sub.Key,
			SubscriberKey: SubscriberKey(sub.Key, c.prefixes.Watchable),
			Subscription:  sub,
			Values:        q,
			NextEvent:     NextWatermark(q),
		})
	}
	return matches, nil
}
