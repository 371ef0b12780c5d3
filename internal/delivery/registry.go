package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/pushrelay/internal/types"
)

// ErrUnknownType is returned for a subscription whose delivery type has no
// registered strategy.
var ErrUnknownType = errors.New("unknown watch type")

type Result int

const (
	Delivered Result = iota
	// Rejected means the subscriber answered and refused the packet.
	Rejected
	// Failed means the packet never reached the subscriber.
	Failed
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Outcome describes one delivery attempt. Message is the text recorded in
// the watch log; Code is the transport status when one is known.
type Outcome struct {
	Result  Result
	Message string
	Code    int
	URL     string
	Method  string
}

// Strategy delivers a packet for one subscription.
type Strategy interface {
	Deliver(ctx context.Context, packet *types.DispatchPacket, sub *types.WatchSubscription) Outcome
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, packet *types.DispatchPacket, sub *types.WatchSubscription) Outcome

func (f StrategyFunc) Deliver(ctx context.Context, packet *types.DispatchPacket, sub *types.WatchSubscription) Outcome {
	return f(ctx, packet, sub)
}

// Registry routes packets to the strategy registered for the subscription's
// delivery type.
type Registry struct {
	mu         sync.RWMutex
	strategies map[types.DeliveryType]Strategy
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[types.DeliveryType]Strategy),
	}
}

// Register adds a strategy for a delivery type, replacing any existing one.
func (r *Registry) Register(t types.DeliveryType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t] = s
}

// Lookup returns the strategy for t, or an error wrapping ErrUnknownType.
func (r *Registry) Lookup(t types.DeliveryType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[t]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownType, t)
	}
	return s, nil
}

// Deliver looks up the subscription's strategy and runs it.
func (r *Registry) Deliver(ctx context.Context, packet *types.DispatchPacket, sub *types.WatchSubscription) (Outcome, error) {
	s, err := r.Lookup(sub.Options.Type)
	if err != nil {
		return Outcome{}, err
	}
	return s.Deliver(ctx, packet, sub), nil
}

// NewStandardRegistry registers the push strategy and the webhook strategy
// under both of its type names.
func NewStandardRegistry(sink types.PushSink, live LiveChannels, webhookTimeout time.Duration) *Registry {
	r := NewRegistry()
	r.Register(types.DeliveryPush, NewPush(sink, live))
	webhook := NewWebhook(webhookTimeout)
	r.Register(types.DeliveryWebhook, webhook)
	r.Register(types.DeliveryURL, webhook)
	return r
}
