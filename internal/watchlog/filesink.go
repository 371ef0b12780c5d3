package watchlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/pushrelay/internal/types"
)

// FileSink is a JSONL-backed append-only mirror of the watch log.
// Records are stored per subscriber in <root>/<subscriber>.jsonl.
type FileSink struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileSink creates a FileSink rooted at the given directory.
func NewFileSink(root string) *FileSink {
	return &FileSink{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// getLock returns the per-subscriber mutex, creating one if it doesn't exist.
func (f *FileSink) getLock(watchable string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lock, ok := f.locks[watchable]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	f.locks[watchable] = lock
	return lock
}

func (f *FileSink) path(watchable string) string {
	return filepath.Join(f.root, url.PathEscape(watchable)+".jsonl")
}

// Send appends rec to its subscriber's file.
func (f *FileSink) Send(_ context.Context, _ string, rec types.WatchLogRecord) error {
	watchable := rec.Packet.Watchable
	lock := f.getLock(watchable)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("create watch log dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal watch log record: %w", err)
	}

	file, err := os.OpenFile(f.path(watchable), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open watch log file: %w", err)
	}
	defer file.Close()

	data = append(data, '\n')
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write watch log record: %w", err)
	}
	return nil
}

// read loads every record for watchable. Caller must hold the lock.
func (f *FileSink) read(watchable string) ([]types.WatchLogRecord, error) {
	file, err := os.Open(f.path(watchable))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open watch log file: %w", err)
	}
	defer file.Close()

	var recs []types.WatchLogRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec types.WatchLogRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal watch log record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan watch log file: %w", err)
	}
	return recs, nil
}

// Tail returns the last limit records for watchable, oldest first.
func (f *FileSink) Tail(_ context.Context, watchable string, limit int) ([]types.WatchLogRecord, error) {
	lock := f.getLock(watchable)
	lock.Lock()
	defer lock.Unlock()

	recs, err := f.read(watchable)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// Count returns the number of records for watchable.
func (f *FileSink) Count(ctx context.Context, watchable string) (int, error) {
	recs, err := f.Tail(ctx, watchable, 0)
	return len(recs), err
}
