package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

// Handler consumes decoded messages for a topic. A returned error is captured
// and reported; it never stops the stream.
type Handler func(ctx context.Context, msg schema.InboundMessage) error

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id    uint64
	topic schema.Topic
}

// Topic returns the subscribed topic.
func (s Subscription) Topic() schema.Topic { return s.topic }

type registration struct {
	id      uint64
	topic   schema.Topic
	handler Handler
	active  bool
}

// Registry maps topics to handlers in registration order.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []*registration
	topics  []schema.Topic
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers handler for topic. added reports whether the topic had no
// active handler before this call.
func (r *Registry) Subscribe(topic schema.Topic, handler Handler) (sub Subscription, added bool, err error) {
	if strings.TrimSpace(string(topic)) == "" {
		return Subscription{}, false, errs.New("registry", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if handler == nil {
		return Subscription{}, false, errs.New("registry", errs.CodeInvalid,
			errs.WithTopic(string(topic)), errs.WithMessage("handler required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	added = !r.activeLocked(topic)
	if !r.knownLocked(topic) {
		r.topics = append(r.topics, topic)
	}
	r.nextID++
	entry := &registration{id: r.nextID, topic: topic, handler: handler, active: true}
	r.entries = append(r.entries, entry)
	return Subscription{id: entry.id, topic: topic}, added, nil
}

// Unsubscribe deactivates the subscription. removed reports whether the topic
// has no active handler left. Unknown or repeated handles are ignored.
func (r *Registry) Unsubscribe(sub Subscription) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.id != sub.id {
			continue
		}
		if !entry.active {
			return false
		}
		entry.active = false
		return !r.activeLocked(entry.topic)
	}
	return false
}

// ActiveTopics lists topics with at least one active handler in first-subscription order.
func (r *Registry) ActiveTopics() []schema.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Topic, 0, len(r.topics))
	for _, topic := range r.topics {
		if r.activeLocked(topic) {
			out = append(out, topic)
		}
	}
	return out
}

// HandlersFor returns a snapshot of the active handlers for topic in registration order.
func (r *Registry) HandlersFor(topic schema.Topic) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Handler
	for _, entry := range r.entries {
		if entry.active && entry.topic == topic {
			out = append(out, entry.handler)
		}
	}
	return out
}

// Compact drops inactive subscriptions and topics left without handlers.
// Only the reconnect replay cycle calls it.
func (r *Registry) Compact() {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries[:0]
	for _, entry := range r.entries {
		if entry.active {
			entries = append(entries, entry)
		}
	}
	for i := len(entries); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = entries

	topics := r.topics[:0]
	for _, topic := range r.topics {
		if r.activeLocked(topic) {
			topics = append(topics, topic)
		}
	}
	r.topics = topics
}

// Len reports the number of stored subscriptions, active or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) activeLocked(topic schema.Topic) bool {
	for _, entry := range r.entries {
		if entry.active && entry.topic == topic {
			return true
		}
	}
	return false
}

func (r *Registry) knownLocked(topic schema.Topic) bool {
	for _, known := range r.topics {
		if known == topic {
			return true
		}
	}
	return false
}
