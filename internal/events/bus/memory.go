package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used by single-node deployments
// and tests. Delivery semantics mirror NATS: plain subscriptions fan out,
// queue-group subscriptions round-robin across members, and subject patterns
// support the * (one token) and > (tail) wildcards.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	cursor map[string]int // queue-group key -> next round-robin offset
	log    *logger.Logger
	closed bool
}

// memorySubscription binds a handler to a subject pattern. A non-empty queue
// makes it a queue-group member.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

func (s *memorySubscription) Subject() string { return s.subject }

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe deactivates the subscription and detaches it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		cursor: make(map[string]int),
		log:    log.Component("bus"),
	}
}

// Subscribe registers a fan-out subscription on a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.register(subject, "", handler)
}

// QueueSubscribe registers a queue-group subscription: each published event
// reaches exactly one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue group name required")
	}
	return b.register(subject, queue, handler)
}

func (b *MemoryEventBus) register(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	b.log.Debug("subscribed",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Publish delivers the event to every matching fan-out subscription and to
// one member of each matching queue group. Handlers run on their own
// goroutines so a slow handler never stalls the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	tokens := strings.Split(subject, ".")
	groups := make(map[string][]*memorySubscription)

	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatch(tokens, sub.tokens) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + "|" + sub.subject
			groups[key] = append(groups[key], sub)
			continue
		}
		b.dispatch(ctx, sub, subject, event)
	}

	for key, members := range groups {
		idx := b.cursor[key] % len(members)
		b.cursor[key] = idx + 1
		b.dispatch(ctx, members[idx], subject, event)
	}
	return nil
}

func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	go func() {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}()
}

// Close deactivates every subscription. Publish and Subscribe fail afterwards.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.cursor = make(map[string]int)
	b.log.Info("memory event bus closed")
}

// IsConnected reports whether the bus accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatch walks the subject tokens against the pattern tokens.
// "*" consumes exactly one token; ">" consumes the remainder and must be last.
func subjectMatch(subject, pattern []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i < len(subject)
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}
