package broadcast

import (
	"sync"

	"livegrid/internal/core/domain"
	"livegrid/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

// EvictReason says why a subscriber was dropped.
type EvictReason string

const (
	// ReasonStreamStopped: the scoped stream emitted its terminal event.
	ReasonStreamStopped EvictReason = "stream_stopped"
	// ReasonDeliveryFailed: the subscriber could not accept an event.
	ReasonDeliveryFailed EvictReason = "delivery_failed"
)

// Subscriber is one live push target. Deliver must not block; a transport
// that cannot keep up returns an error and is evicted.
type Subscriber interface {
	ID() string
	// Scope is the stream the subscriber listens to, or "" for none.
	Scope() domain.StreamID
	Deliver(event domain.StreamEvent) error
	// Evict is called once, outside the registry lock, after removal.
	Evict(reason EvictReason)
}

// Registry holds the subscribers of one transport. Broadcast iterates a
// snapshot and applies removals only after the whole pass, so handles can
// be added or removed concurrently with delivery.
type Registry struct {
	transport string
	logger    *zap.SugaredLogger
	metrics   *monitoring.PrometheusCollector

	mu   sync.Mutex
	subs map[string]Subscriber
}

// NewRegistry creates an empty registry for one transport.
func NewRegistry(transport string, logger *zap.SugaredLogger, metrics *monitoring.PrometheusCollector) *Registry {
	return &Registry{
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		subs:      make(map[string]Subscriber),
	}
}

// Add registers s, replacing any handle with the same id.
func (r *Registry) Add(s Subscriber) {
	r.mu.Lock()
	_, replaced := r.subs[s.ID()]
	r.subs[s.ID()] = s
	r.mu.Unlock()

	if !replaced {
		r.metrics.SubscriberAdded(r.transport)
	}
}

// Remove drops the handle immediately without calling Evict.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		r.metrics.SubscriberRemoved(r.transport)
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast delivers event to every subscriber scoped to its stream.
func (r *Registry) Broadcast(event domain.StreamEvent) {
	r.mu.Lock()
	snapshot := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if s.Scope() != "" && s.Scope() == event.StreamID {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.Unlock()

	type removal struct {
		sub    Subscriber
		reason EvictReason
	}
	var removals []removal

	for _, s := range snapshot {
		if err := s.Deliver(event); err != nil {
			r.logger.Debugw("delivery failed, evicting subscriber",
				"transport", r.transport,
				"subscriber_id", s.ID(),
				"stream_id", event.StreamID,
				"error", err,
			)
			removals = append(removals, removal{s, ReasonDeliveryFailed})
			continue
		}
		if event.Terminal() {
			removals = append(removals, removal{s, ReasonStreamStopped})
		}
	}

	for _, rm := range removals {
		r.mu.Lock()
		current, ok := r.subs[rm.sub.ID()]
		// The id may have been re-registered with a new handle mid-pass.
		owned := ok && current == rm.sub
		if owned {
			delete(r.subs, rm.sub.ID())
		}
		r.mu.Unlock()

		if !owned {
			continue
		}
		r.metrics.SubscriberRemoved(r.transport)
		r.metrics.RecordEviction(r.transport, string(rm.reason))
		rm.sub.Evict(rm.reason)
	}
}
