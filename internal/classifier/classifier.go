// Package classifier sorts raw keyspace notifications into the events the
// relay acts on.
package classifier

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/user/pushrelay/internal/config"
	"github.com/user/pushrelay/internal/types"
)

type Kind int

const (
	Ignored Kind = iota
	ItemChanged
	LogAppended
	SyncResponse
	WatchableExpired
)

func (k Kind) String() string {
	switch k {
	case ItemChanged:
		return "item_changed"
	case LogAppended:
		return "log_appended"
	case SyncResponse:
		return "sync_response"
	case WatchableExpired:
		return "watchable_expired"
	default:
		return "ignored"
	}
}

// OffsetSource supplies the current clock offset in milliseconds.
type OffsetSource interface {
	Offset() float64
}

// Rules are the partition, method and prefix triples that identify each kind.
type Rules struct {
	Partitions config.Partitions
	Prefixes   config.Prefixes
	ItemEvents []string
}

func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		Partitions: cfg.Partitions,
		Prefixes:   cfg.Prefixes,
		ItemEvents: cfg.ItemEvents,
	}
}

// LogKey returns the event-log key for a method applied to itemKey.
func (r Rules) LogKey(itemKey, method string) string {
	return r.Prefixes.Log + itemKey + "." + method
}

type Event struct {
	Kind   Kind
	Method string
	Key    string
	// At is the authoritative-clock time of an ItemChanged event.
	At int64
}

type Classifier struct {
	rules  Rules
	events map[string]bool
	clock  OffsetSource
	now    func() time.Time
}

// New returns a classifier. clock may be nil, in which case item changes are
// stamped with the local time.
func New(rules Rules, clock OffsetSource) *Classifier {
	events := make(map[string]bool, len(rules.ItemEvents))
	for _, e := range rules.ItemEvents {
		events[e] = true
	}
	return &Classifier{rules: rules, events: events, clock: clock, now: time.Now}
}

func (c *Classifier) Rules() Rules {
	return c.rules
}

// ParseChannel splits a keyevent channel such as "__keyevent@3__:expired"
// into its partition number and method.
func ParseChannel(channel string) (partition int, method string, ok bool) {
	at := strings.LastIndex(channel, "@")
	sep := strings.LastIndex(channel, "__:")
	if at < 0 || sep < 0 {
		return 0, "", false
	}
	rest := channel[at+1:]
	end := strings.Index(rest, "__")
	if end < 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, "", false
	}
	return n, channel[sep+3:], true
}

// Classify maps a notification to at most one Kind. Anything that matches no
// rule, including unparseable channels, is Ignored.
func (c *Classifier) Classify(n types.Notification) Event {
	partition, method, ok := ParseChannel(n.Channel)
	if !ok {
		return Event{Kind: Ignored, Key: n.Payload}
	}
	p, pre, key := c.rules.Partitions, c.rules.Prefixes, n.Payload

	ev := Event{Method: method, Key: key}
	switch {
	case partition == p.Item && c.events[method] && strings.HasPrefix(key, pre.Item):
		ev.Kind = ItemChanged
		ev.At = c.stamp()
	case partition == p.Log && method == "zadd" && strings.HasPrefix(key, pre.Log):
		ev.Kind = LogAppended
	case partition == p.Sync && method == "set" && strings.HasPrefix(key, pre.Sync):
		ev.Kind = SyncResponse
	case partition == p.Watchable && method == "expired" && strings.HasPrefix(key, pre.Watchable):
		ev.Kind = WatchableExpired
	default:
		ev.Kind = Ignored
	}
	return ev
}

func (c *Classifier) stamp() int64 {
	now := c.now().UnixMilli()
	if c.clock == nil {
		return now
	}
	return now + int64(math.Round(c.clock.Offset()))
}
