package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsSubscription binds one NATS subscription to the subject it serves.
// Assignment inboxes and checkpoint streams carry in-flight mission state,
// so queue-group subscriptions drain buffered deliveries before detaching;
// plain subscriptions detach immediately.
type natsSubscription struct {
	subject string
	queued  bool
	sub     *nats.Subscription
}

// Subject returns the subject this subscription is bound to.
func (s *natsSubscription) Subject() string {
	return s.subject
}

// Unsubscribe detaches from the subject. Queue-group members drain first so
// a mission already handed to this member is processed, not dropped.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	if s.queued {
		if err := s.sub.Drain(); err != nil {
			return fmt.Errorf("draining subscription on %s: %w", s.subject, err)
		}
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", s.subject, err)
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
