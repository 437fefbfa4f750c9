package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

const (
	DefaultChannel     = "livegrid:events"
	DefaultHistorySize = 256

	publishTimeout = 5 * time.Second
)

var ErrSubscriptionClosed = errors.New("event subscription closed")

// Handler receives events synchronously on the emitting goroutine and must
// not block.
type Handler func(domain.StreamEvent)

// EventBusOptions configures history size and publish behaviour.
type EventBusOptions struct {
	Channel     string
	HistorySize int
	Metrics     *monitoring.PrometheusCollector
	Now         func() time.Time
}

// EventBus fans stream events out to local handlers and replicates them to
// other instances over a shared pub/sub channel. Frames carrying this
// instance's origin are dropped on receipt so nothing is delivered twice.
type EventBus struct {
	store      ports.SharedStore
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
	metrics    *monitoring.PrometheusCollector
	now        func() time.Time

	mu       sync.Mutex
	ring     []domain.StreamEvent
	start    int
	count    int
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool

	publishes sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

// NewEventBus creates a bus publishing on store. Call Run to receive remote events.
func NewEventBus(
	store ports.SharedStore,
	instanceID string,
	logger *zap.SugaredLogger,
	opts EventBusOptions,
) *EventBus {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &EventBus{
		store:      store,
		channel:    opts.Channel,
		instanceID: instanceID,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		ring:       make([]domain.StreamEvent, opts.HistorySize),
		handlers:   make(map[uint64]Handler),
		ready:      make(chan struct{}),
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Subscribe registers handler until the returned function is called.
func (eb *EventBus) Subscribe(handler Handler) (unsubscribe func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.handlers[id] = handler
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.handlers, id)
			eb.mu.Unlock()
		})
	}
}

// Emit stamps the event with this instance's origin, records and delivers it
// locally, then publishes it to other instances in the background. Publish
// failures are logged and never reach the caller.
func (eb *EventBus) Emit(ctx context.Context, event domain.StreamEvent) {
	event.Origin = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now().UTC()
	}

	if err := event.Validate(); err != nil {
		eb.logger.Errorw("refusing to emit invalid event", "type", event.Type, "error", err)
		return
	}

	eb.deliver(event, false)

	data, err := json.Marshal(event)
	if err != nil {
		eb.logger.Errorw("failed to marshal event", "type", event.Type, "stream_id", event.StreamID, "error", err)
		return
	}

	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.publishes.Add(1)
	eb.mu.Unlock()

	go func() {
		defer eb.publishes.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if err := eb.store.Publish(pubCtx, eb.channel, data); err != nil {
			eb.metrics.RecordPublishFailure()
			eb.logger.Warnw("failed to publish event",
				"type", event.Type,
				"stream_id", event.StreamID,
				"error", err,
			)
		}
	}()
}

func (eb *EventBus) deliver(event domain.StreamEvent, remote bool) {
	eb.mu.Lock()
	eb.record(event)
	size := eb.count
	ids := make([]uint64, 0, len(eb.handlers))
	for id := range eb.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = eb.handlers[id]
	}
	eb.mu.Unlock()

	eb.metrics.RecordEvent(event.Type, remote)
	eb.metrics.SetHistorySize(size)

	for _, h := range handlers {
		eb.invoke(h, event)
	}
}

func (eb *EventBus) invoke(h Handler, event domain.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Errorw("event handler panicked", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}

// record appends to the ring, overwriting the oldest entry when full.
// Caller holds eb.mu.
func (eb *EventBus) record(event domain.StreamEvent) {
	capacity := len(eb.ring)
	if eb.count < capacity {
		eb.ring[(eb.start+eb.count)%capacity] = event
		eb.count++
		return
	}
	eb.ring[eb.start] = event
	eb.start = (eb.start + 1) % capacity
}

// History returns up to limit of the most recent events, oldest first. A
// limit <= 0 returns the whole window.
func (eb *EventBus) History(limit int) []domain.StreamEvent {
	return eb.filterHistory(limit, func(domain.StreamEvent) bool { return true })
}

// StreamHistory is History restricted to one stream.
func (eb *EventBus) StreamHistory(id domain.StreamID, limit int) []domain.StreamEvent {
	return eb.filterHistory(limit, func(e domain.StreamEvent) bool { return e.StreamID == id })
}

func (eb *EventBus) filterHistory(limit int, keep func(domain.StreamEvent) bool) []domain.StreamEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	capacity := len(eb.ring)
	out := make([]domain.StreamEvent, 0, eb.count)
	for i := 0; i < eb.count; i++ {
		e := eb.ring[(eb.start+i)%capacity]
		if keep(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Ready is closed once Run has subscribed to the shared channel.
func (eb *EventBus) Ready() <-chan struct{} {
	return eb.ready
}

// Run relays events published by other instances until ctx is cancelled.
// Remote events go into the local history and reach local handlers but are
// never republished.
func (eb *EventBus) Run(ctx context.Context) error {
	sub, err := eb.store.Subscribe(ctx, eb.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	defer sub.Close()

	eb.readyOnce.Do(func() { close(eb.ready) })
	eb.logger.Infow("event bus listening", "channel", eb.channel, "instance_id", eb.instanceID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrSubscriptionClosed
			}
			eb.handleFrame(msg)
		}
	}
}

func (eb *EventBus) handleFrame(data []byte) {
	var envelope struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		eb.metrics.RecordDroppedFrame("malformed")
		eb.logger.Warnw("dropping malformed event frame", "error", err)
		return
	}
	if envelope.Origin == eb.instanceID {
		eb.metrics.RecordDroppedFrame("self")
		return
	}

	var event domain.StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		eb.metrics.RecordDroppedFrame("invalid")
		eb.logger.Warnw("dropping invalid event frame",
			"origin", envelope.Origin,
			"error", err,
		)
		return
	}

	eb.deliver(event, true)
}

// Close stops background publishing and waits for in-flight publishes.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	eb.closed = true
	eb.mu.Unlock()

	eb.publishes.Wait()
	return nil
}
