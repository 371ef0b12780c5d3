package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/user/pushrelay/internal/types"
)

// LiveChannels sends a value to the channel registered for a push id.
type LiveChannels interface {
	Send(pushID string, v any) error
}

// SanitizeKey makes a subscriber key safe for push-sink paths.
func SanitizeKey(key string) string {
	return strings.ReplaceAll(key, "$", "___")
}

// PushKey is the sink key a packet's values are written under.
func PushKey(watchable, uq string) string {
	return SanitizeKey(watchable) + "/" + uq
}

// Push writes packet values to a keyed sink and, when the subscriber has an
// authenticated live channel, forwards the packet there too.
type Push struct {
	sink types.PushSink
	live LiveChannels
}

// NewPush returns a push strategy. live may be nil.
func NewPush(sink types.PushSink, live LiveChannels) *Push {
	return &Push{sink: sink, live: live}
}

func (p *Push) Deliver(ctx context.Context, packet *types.DispatchPacket, sub *types.WatchSubscription) Outcome {
	value, err := json.Marshal(packet.Value)
	if err != nil {
		return Outcome{Result: Failed, Message: err.Error()}
	}
	if err := p.sink.Set(ctx, PushKey(packet.Watchable, packet.UQ), value); err != nil {
		return Outcome{Result: Failed, Message: err.Error()}
	}

	if p.live != nil && packet.PushID != "" {
		if err := p.live.Send(packet.PushID, packet); err != nil {
			slog.Debug("live push skipped", "push_id", packet.PushID, "error", err)
		}
	}
	return Outcome{Result: Delivered, Message: types.OutcomeEmitted}
}
