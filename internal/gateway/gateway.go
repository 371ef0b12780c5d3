package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/pushrelay/internal/classifier"
	"github.com/user/pushrelay/internal/correlator"
	"github.com/user/pushrelay/internal/delivery"
	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/types"
	"github.com/user/pushrelay/internal/watchlog"
)

// SyncHandler consumes sync-response keys.
type SyncHandler interface {
	HandleResponse(ctx context.Context, key string) error
}

// Options wires a Gateway to its stores and collaborators. Clock and
// PushSink may be nil.
type Options struct {
	Source         types.NotificationSource
	Classifier     *classifier.Classifier
	Subscriptions  types.SubscriptionStore
	Events         types.EventLog
	Clock          SyncHandler
	PushSink       types.PushSink
	Registry       *delivery.Registry
	WatchLog       *watchlog.Logger
	LogLifetime    time.Duration
	RejectionGrace time.Duration
	MaxConcurrent  int64
}

// Gateway turns the store's notification stream into relay work. Every
// notification is handled on its own goroutine; deliveries are funnelled
// through per-subscription queue lanes.
type Gateway struct {
	source      types.NotificationSource
	classifier  *classifier.Classifier
	events      types.EventLog
	correlator  *correlator.Correlator
	clock       SyncHandler
	sink        types.PushSink
	dispatcher  *Dispatcher
	logLifetime time.Duration
	Queue       *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway from opts.
func New(opts Options) *Gateway {
	concurrency := opts.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 2
	}
	rules := opts.Classifier.Rules()
	dispatcher := NewDispatcher(opts.Subscriptions, opts.Registry, opts.WatchLog, opts.RejectionGrace)
	q := NewQueue(concurrency)
	q.SetProcessor(dispatcher.ProcessJob)
	return &Gateway{
		source:      opts.Source,
		classifier:  opts.Classifier,
		events:      opts.Events,
		correlator:  correlator.New(opts.Subscriptions, opts.Events, rules.Prefixes),
		clock:       opts.Clock,
		sink:        opts.PushSink,
		dispatcher:  dispatcher,
		logLifetime: opts.LogLifetime,
		Queue:       q,
	}
}

// Dispatcher returns the gateway's dispatcher.
func (g *Gateway) Dispatcher() *Dispatcher {
	return g.dispatcher
}

// Start subscribes to the notification source and starts the queue. The
// gateway runs until ctx is cancelled or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)

	ch, err := g.source.Notifications(g.ctx)
	if err != nil {
		g.cancel()
		return fmt.Errorf("subscribe to notifications: %w", err)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for n := range ch {
			g.wg.Add(1)
			go func(n types.Notification) {
				defer g.wg.Done()
				if err := g.Handle(g.ctx, n); err != nil {
					slog.Warn("notification failed", "channel", n.Channel, "key", n.Payload, "error", err)
				}
			}(n)
		}
	}()
	return nil
}

// Stop cancels the gateway context, waits for notification handlers, then
// stops the queue.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.Queue.Stop()
}

// Handle classifies one notification and performs the work for its kind.
func (g *Gateway) Handle(ctx context.Context, n types.Notification) error {
	ev := g.classifier.Classify(n)
	if ev.Kind == classifier.Ignored {
		return nil
	}
	metrics.IncNotification(ev.Kind.String())

	switch ev.Kind {
	case classifier.ItemChanged:
		key := g.classifier.Rules().LogKey(ev.Key, ev.Method)
		if err := g.events.Append(ctx, key, ev.At, g.logLifetime); err != nil {
			return fmt.Errorf("log event %s: %w", key, err)
		}
		return nil
	case classifier.LogAppended:
		return g.relay(ctx, ev.Key)
	case classifier.SyncResponse:
		if g.clock == nil {
			return nil
		}
		return g.clock.HandleResponse(ctx, ev.Key)
	case classifier.WatchableExpired:
		return g.cleanup(ctx, ev.Key)
	}
	return nil
}

// relay correlates logKey and queues one job per subscription with
// undelivered timestamps.
func (g *Gateway) relay(ctx context.Context, logKey string) error {
	logTime := time.Now().UnixMilli()
	matches, err := g.correlator.Correlate(ctx, logKey)
	if err != nil {
		return err
	}
	for _, m := range matches {
		job := NewJob(logKey, logTime, m)
		if err := g.Queue.Enqueue(job); err != nil {
			slog.Warn("dispatch not queued", "watchable", m.SubscriberKey, "error", err)
		}
	}
	return nil
}

// cleanup removes the push-sink entries of an expired subscription.
func (g *Gateway) cleanup(ctx context.Context, key string) error {
	if g.sink == nil {
		return nil
	}
	sub := correlator.SubscriberKey(key, g.classifier.Rules().Prefixes.Watchable)
	if err := g.sink.Remove(ctx, delivery.SanitizeKey(sub)); err != nil {
		return fmt.Errorf("remove push entries for %s: %w", sub, err)
	}
	slog.Debug("removed push entries", "watchable", sub)
	return nil
}
