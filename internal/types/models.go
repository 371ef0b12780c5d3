// internal/types/models.go
package types

import "errors"

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

type DeliveryType string

const (
	DeliveryPush    DeliveryType = "push"
	DeliveryWebhook DeliveryType = "webhook"
	// DeliveryURL is the name older clients register webhooks under.
	DeliveryURL DeliveryType = "url"
)

// Watch-log outcomes and codes.
const (
	OutcomePending = "pending"
	OutcomeEmitted = "emitted"

	CodeCreated  = 201
	CodeInternal = 500
)

type WatchOptions struct {
	Type    DeliveryType `json:"type"`
	URL     string       `json:"url,omitempty"`
	Method  string       `json:"method,omitempty"`
	Message string       `json:"message,omitempty"`
	PushID  string       `json:"pushid,omitempty"`
	UQ      string       `json:"uq,omitempty"`
}

// WatchSubscription is one registered watcher. Key is the record's store key
// and is not part of the stored document.
type WatchSubscription struct {
	Key       string       `json:"-"`
	ID        string       `json:"id"`
	Alias     string       `json:"alias,omitempty"`
	Event     string       `json:"event"`
	Options   WatchOptions `json:"options"`
	NextEvent int64        `json:"nextevent"`
}

type LogEvent struct {
	Key        string  `json:"key"`
	Timestamps []int64 `json:"timestamps"`
}

// DispatchPacket is the wire contract delivered to push and webhook sinks.
type DispatchPacket struct {
	ID        string       `json:"id"`
	Alias     string       `json:"alias"`
	Value     []int64      `json:"value"`
	Watchable string       `json:"watchable"`
	Event     string       `json:"event"`
	Message   string       `json:"message"`
	PushID    string       `json:"pushId"`
	NextEvent int64        `json:"nextevent"`
	Type      DeliveryType `json:"type"`
	UQ        string       `json:"uq"`
}

type WatchLogEntry struct {
	ID        string       `json:"id"`
	Alias     string       `json:"alias"`
	Watchable string       `json:"watchable"`
	Event     string       `json:"event"`
	PushID    string       `json:"pushId"`
	Error     string       `json:"error"`
	Type      DeliveryType `json:"type"`
	OK        bool         `json:"ok"`
	Code      int          `json:"code"`
	Value     []int64      `json:"value"`
	UQ        string       `json:"uq"`
	URL       string       `json:"url,omitempty"`
	Method    string       `json:"method,omitempty"`
}

// WatchLogRecord is the persisted shape of a watch-log entry.
type WatchLogRecord struct {
	Packet  WatchLogEntry `json:"packet"`
	LogTime int64         `json:"logTime"`
}

type SyncRequest struct {
	RequestAt int64  `json:"requestAt"`
	SyncID    SyncID `json:"syncId"`
	Expire    int64  `json:"expire"`
}

type TimeSyncSample struct {
	RequestAt int64  `json:"requestAt"`
	SyncID    SyncID `json:"syncId"`
	WrittenAt int64  `json:"writtenAt"`
}

// Notification is one raw keyspace event as received from the store.
type Notification struct {
	Pattern string
	Channel string
	Payload string
}
