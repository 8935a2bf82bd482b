package events

import (
	"sync"
	"time"
)

// Kind identifies a marketplace event published on the bus.
type Kind string

const (
	KindPaymentSettled  Kind = "payment.settled"
	KindPaymentFailed   Kind = "payment.failed"
	KindPaymentRefunded Kind = "payment.refunded"
	KindPayoutScheduled Kind = "payout.scheduled"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Kind           Kind      `json:"kind"`
	OccurredAt     time.Time `json:"occurred_at"`
	PaymentID      string    `json:"payment_id,omitempty"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	SellerID       string    `json:"seller_id,omitempty"`
	BuyerID        string    `json:"buyer_id,omitempty"`
	AmountCents    int64     `json:"amount_cents,omitempty"`
	Currency       string    `json:"currency,omitempty"`
}

// Publisher is the side handlers depend on. It is injected explicitly so test
// doubles can intercept emissions without touching process-wide state.
type Publisher interface {
	Publish(event Event)
}

const (
	defaultSubscriberBuffer = 16
)

// Bus is an in-process publish/subscribe fan-out. Publishing never blocks; a
// subscriber that falls behind loses the oldest undelivered event.
type Bus struct {
	mu               sync.RWMutex
	subs             map[uint64]*Subscription
	nextID           uint64
	subscriberBuffer int
}

type Subscription struct {
	bus   *Bus
	id    uint64
	kinds map[Kind]struct{}
	ch    chan Event
	once  sync.Once
}

func NewBus() *Bus {
	return &Bus{
		subs:             make(map[uint64]*Subscription),
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

// Publish delivers the event to every subscription matching its kind.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// drop oldest, then retry once
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Subscribe registers interest in the given kinds; no kinds means all kinds.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, b.subscriberBuffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

func (s *Subscription) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
