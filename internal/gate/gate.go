// Package gate authenticates subscriber channels with a shared-secret
// handshake and tracks which push ids currently have a live channel.
package gate

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/types"
)

// ErrNotConnected is returned by Send when no channel is registered.
var ErrNotConnected = errors.New("no live channel")

// Close reasons sent to the peer when a channel is terminated.
const (
	ReasonTimeout       = "handshake timeout"
	ReasonPassMismatch  = "pass mismatch"
	ReasonIDMismatch    = "id mismatch"
	ReasonMissingPushID = "missing pushId"
	ReasonMalformed     = "malformed handshake"
)

// Channel is one duplex connection to a subscriber.
type Channel interface {
	ID() types.ChannelID
	Send(v any) error
	Close(reason string) error
}

// Handshake is the first message a client sends.
type Handshake struct {
	Pass   string `json:"pass"`
	ID     string `json:"id"`
	PushID string `json:"pushId"`
}

// Ack answers a successful handshake.
type Ack struct {
	OK         bool            `json:"ok"`
	Connection types.ChannelID `json:"connection"`
}

type Connection struct {
	ChannelID     types.ChannelID
	PushID        string
	Authenticated bool
	// Handled is set once the handshake or the timeout has been processed.
	Handled bool
}

type session struct {
	conn  Connection
	ch    Channel
	timer *time.Timer
}

type Gate struct {
	secret   string
	timeout  time.Duration
	registry *Registry

	mu       sync.Mutex
	sessions map[types.ChannelID]*session
}

func New(secret string, timeout time.Duration) *Gate {
	return &Gate{
		secret:   secret,
		timeout:  timeout,
		registry: NewRegistry(),
		sessions: make(map[types.ChannelID]*session),
	}
}

// Open starts the handshake window for a newly accepted channel.
func (g *Gate) Open(ch Channel) {
	id := ch.ID()
	s := &session{conn: Connection{ChannelID: id}, ch: ch}

	g.mu.Lock()
	g.sessions[id] = s
	s.timer = time.AfterFunc(g.timeout, func() { g.expire(id, s) })
	g.mu.Unlock()
}

func (g *Gate) expire(id types.ChannelID, s *session) {
	g.mu.Lock()
	if g.sessions[id] != s || s.conn.Handled {
		g.mu.Unlock()
		return
	}
	s.conn.Handled = true
	delete(g.sessions, id)
	g.mu.Unlock()

	metrics.IncHandshake("timeout")
	slog.Info("handshake timed out", "channel", string(id))
	if err := s.ch.Close(ReasonTimeout); err != nil {
		slog.Debug("close after timeout", "channel", string(id), "error", err)
	}
}

func (g *Gate) check(id types.ChannelID, data []byte) (Handshake, string) {
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return hs, ReasonMalformed
	}
	if subtle.ConstantTimeCompare([]byte(hs.Pass), []byte(g.secret)) != 1 {
		return hs, ReasonPassMismatch
	}
	if hs.ID != string(id) {
		return hs, ReasonIDMismatch
	}
	if hs.PushID == "" {
		return hs, ReasonMissingPushID
	}
	return hs, ""
}

// HandleMessage processes a message received on channel id. Only the first
// message is a handshake; later messages from an authenticated channel are
// ignored.
func (g *Gate) HandleMessage(id types.ChannelID, data []byte) error {
	g.mu.Lock()
	s, ok := g.sessions[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown channel %s", id)
	}
	if s.conn.Handled {
		g.mu.Unlock()
		return nil
	}
	s.conn.Handled = true
	s.timer.Stop()

	hs, reason := g.check(id, data)
	if reason != "" {
		delete(g.sessions, id)
		g.mu.Unlock()

		metrics.IncHandshake("rejected")
		slog.Info("handshake rejected", "channel", string(id), "reason", reason)
		return s.ch.Close(reason)
	}

	s.conn.Authenticated = true
	s.conn.PushID = hs.PushID
	evicted := g.registry.Put(hs.PushID, s.ch)
	count := g.registry.Len()
	g.mu.Unlock()

	metrics.IncHandshake("accepted")
	metrics.SetConnections(count)
	if evicted != nil {
		slog.Info("push id moved to new channel", "push_id", hs.PushID, "old_channel", string(evicted.ID()), "channel", string(id))
	}
	return s.ch.Send(Ack{OK: true, Connection: id})
}

// Close forgets channel id, whatever state it was in.
func (g *Gate) Close(id types.ChannelID) {
	g.mu.Lock()
	if s, ok := g.sessions[id]; ok {
		s.timer.Stop()
		s.conn.Handled = true
		delete(g.sessions, id)
	}
	_, removed := g.registry.Remove(id)
	count := g.registry.Len()
	g.mu.Unlock()

	if removed {
		metrics.SetConnections(count)
	}
}

// Connection returns the state of an open channel.
func (g *Gate) Connection(id types.ChannelID) (Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return Connection{}, false
	}
	return s.conn, true
}

// Send delivers v on the channel registered for pushID.
func (g *Gate) Send(pushID string, v any) error {
	ch, ok := g.registry.Lookup(pushID)
	if !ok {
		return fmt.Errorf("%w for push id %s", ErrNotConnected, pushID)
	}
	return ch.Send(v)
}

func (g *Gate) PushIDs() []string {
	return g.registry.PushIDs()
}

func (g *Gate) Count() int {
	return g.registry.Len()
}
