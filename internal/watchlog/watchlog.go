// Package watchlog records one audit entry per dispatch attempt.
package watchlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/types"
)

// Sink receives a copy of every record written.
type Sink interface {
	Send(ctx context.Context, key string, rec types.WatchLogRecord) error
}

type Logger struct {
	store  types.WatchLogStore
	prefix string
	ttl    time.Duration
	sinks  []Sink
	jitter func() int
}

func New(store types.WatchLogStore, prefix string, ttl time.Duration, sinks ...Sink) *Logger {
	return &Logger{
		store:  store,
		prefix: prefix,
		ttl:    ttl,
		sinks:  sinks,
		jitter: func() int { return rand.Intn(1001) },
	}
}

// Key joins the subscriber key, log time and disambiguator under prefix.
func Key(prefix, subscriberKey string, logTime int64, n int) string {
	return prefix + strings.Join([]string{subscriberKey, strconv.FormatInt(logTime, 10), strconv.Itoa(n)}, ".")
}

// Log writes entry with the logger's fixed TTL and returns the key used.
// Sink failures are logged and do not fail the write.
func (l *Logger) Log(ctx context.Context, subscriberKey string, logTime int64, entry types.WatchLogEntry) (string, error) {
	rec := types.WatchLogRecord{Packet: entry, LogTime: logTime}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal watch log: %w", err)
	}
	key := Key(l.prefix, subscriberKey, logTime, l.jitter())
	err = l.store.Put(ctx, key, data, l.ttl)
	metrics.IncWatchLogWrite("store", err)
	if err != nil {
		return "", fmt.Errorf("write watch log %s: %w", key, err)
	}

	for _, s := range l.sinks {
		serr := s.Send(ctx, key, rec)
		metrics.IncWatchLogWrite("archive", serr)
		if serr != nil {
			slog.Warn("watch log archive failed", "key", key, "error", serr)
		}
	}
	return key, nil
}
