package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/pushrelay/internal/correlator"
	"github.com/user/pushrelay/internal/delivery"
	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/types"
	"github.com/user/pushrelay/internal/watchlog"
)

const msgWatermarkFailed = "failed to update next event"

// Dispatcher delivers correlated timestamps to one subscription, advances
// its watermark and records the attempt in the watch log.
type Dispatcher struct {
	subs     types.SubscriptionStore
	registry *delivery.Registry
	watchLog *watchlog.Logger
	grace    time.Duration
}

// NewDispatcher creates a Dispatcher. grace is how long a subscription whose
// webhook rejected a packet survives before it expires.
func NewDispatcher(subs types.SubscriptionStore, registry *delivery.Registry, watchLog *watchlog.Logger, grace time.Duration) *Dispatcher {
	return &Dispatcher{
		subs:     subs,
		registry: registry,
		watchLog: watchLog,
		grace:    grace,
	}
}

// NewPacket builds the packet sent to a subscriber. next is the watermark
// the subscription moves to once the packet is delivered.
func NewPacket(subscriberKey string, sub *types.WatchSubscription, values []int64, next int64) *types.DispatchPacket {
	return &types.DispatchPacket{
		ID:        sub.ID,
		Alias:     sub.Alias,
		Value:     values,
		Watchable: subscriberKey,
		Event:     sub.Event,
		Message:   sub.Options.Message,
		PushID:    sub.Options.PushID,
		NextEvent: next,
		Type:      sub.Options.Type,
		UQ:        sub.Options.UQ,
	}
}

// ProcessJob is the queue processor. It reloads the subscription so that a
// watermark advanced by an earlier job in the same lane is honoured, then
// dispatches whatever is still undelivered.
func (d *Dispatcher) ProcessJob(job *Job) error {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := d.subs.Get(ctx, job.Key)
	if errors.Is(err, types.ErrNotFound) {
		slog.Debug("subscription gone before dispatch", "watchable", job.SubscriberKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload subscription %s: %w", job.Key, err)
	}

	values := correlator.Qualifying(job.Values, sub.NextEvent)
	if len(values) == 0 {
		return nil
	}
	_, err = d.Dispatch(ctx, job.SubscriberKey, job.LogTime, sub, values)
	return err
}

// Dispatch delivers values to sub and writes the watch-log entry describing
// the attempt. Delivery failures are reported through the entry; the error
// is only non-nil when the entry itself could not be written.
func (d *Dispatcher) Dispatch(ctx context.Context, subscriberKey string, logTime int64, sub *types.WatchSubscription, values []int64) (types.WatchLogEntry, error) {
	next := correlator.NextWatermark(values)
	packet := NewPacket(subscriberKey, sub, values, next)
	entry := types.WatchLogEntry{
		ID:        packet.ID,
		Alias:     packet.Alias,
		Watchable: packet.Watchable,
		Event:     packet.Event,
		PushID:    packet.PushID,
		Error:     types.OutcomePending,
		Type:      packet.Type,
		Code:      types.CodeCreated,
		Value:     packet.Value,
		UQ:        packet.UQ,
	}
	deliveryType := string(sub.Options.Type)

	start := time.Now()
	out, err := d.registry.Deliver(ctx, packet, sub)
	if err != nil {
		entry.Error = err.Error()
		entry.Code = types.CodeInternal
		metrics.IncDispatch(deliveryType, "unknown_type")
		slog.Warn("dispatch skipped", "watchable", subscriberKey, "error", err)
		return entry, d.log(ctx, subscriberKey, logTime, entry)
	}
	metrics.ObserveDispatch(deliveryType, time.Since(start).Seconds())
	metrics.IncDispatch(deliveryType, out.Result.String())

	entry.Error = out.Message
	entry.URL = out.URL
	entry.Method = out.Method
	if out.Code != 0 {
		entry.Code = out.Code
	}

	switch out.Result {
	case delivery.Delivered:
		entry.OK = true
		d.advance(ctx, sub.Key, next, &entry)
	case delivery.Rejected:
		ok, err := d.subs.Expire(ctx, sub.Key, d.grace)
		if err != nil || !ok {
			slog.Warn("failed to expire rejected subscription", "watchable", subscriberKey, "error", err)
		}
	case delivery.Failed:
		slog.Warn("delivery failed", "watchable", subscriberKey, "type", deliveryType, "code", out.Code, "error", out.Message)
	}

	return entry, d.log(ctx, subscriberKey, logTime, entry)
}

// advance moves the watermark to next. Anything short of an acknowledged
// update marks the entry as an internal failure.
func (d *Dispatcher) advance(ctx context.Context, key string, next int64, entry *types.WatchLogEntry) {
	ok, err := d.subs.AdvanceWatermark(ctx, key, next)
	if err == nil && ok {
		return
	}
	entry.OK = false
	entry.Error = msgWatermarkFailed
	entry.Code = types.CodeInternal
	metrics.IncWatermarkFailure()
	slog.Error(msgWatermarkFailed, "key", key, "next", next, "error", err)
}

func (d *Dispatcher) log(ctx context.Context, subscriberKey string, logTime int64, entry types.WatchLogEntry) error {
	if d.watchLog == nil {
		return nil
	}
	_, err := d.watchLog.Log(ctx, subscriberKey, logTime, entry)
	return err
}
