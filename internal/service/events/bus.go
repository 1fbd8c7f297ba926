// Package events fans job updates out to the live subscriptions of a
// recipient. Delivery is best effort: no queueing, no replay.
package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
)

const defaultBufferSize = 32

// Subscription is one live listener. C is closed when the subscription is
// cancelled.
type Subscription struct {
	ID        string
	Recipient string
	C         <-chan models.JobUpdateEvent

	ch     chan models.JobUpdateEvent
	cancel func()
}

// Cancel removes the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]*Subscription
	bufferSize int
	dropped    atomic.Int64
	metrics    *metrics.Metrics
	logger     logger.Logger
}

func NewBus(log logger.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		subs:       make(map[string]map[string]*Subscription),
		bufferSize: defaultBufferSize,
		metrics:    m,
		logger:     log.Named("events"),
	}
}

// Subscribe registers a listener for recipient.
func (b *Bus) Subscribe(recipient string) *Subscription {
	recipient = normalize(recipient)
	ch := make(chan models.JobUpdateEvent, b.bufferSize)
	sub := &Subscription{
		ID:        uuid.NewString(),
		Recipient: recipient,
		C:         ch,
		ch:        ch,
	}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() { b.remove(sub) })
	}

	b.mu.Lock()
	if b.subs[recipient] == nil {
		b.subs[recipient] = make(map[string]*Subscription)
	}
	b.subs[recipient][sub.ID] = sub
	b.mu.Unlock()

	b.metrics.SubscriberDelta(1)
	b.logger.Debug("Subscribed", logger.String("recipient", recipient), logger.String("subscriptionId", sub.ID))
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.Recipient]; ok {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(b.subs, sub.Recipient)
		}
	}
	close(sub.ch)
	b.metrics.SubscriberDelta(-1)
}

// EmitUpdate delivers event to every subscription of recipient and returns
// how many received it. A full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) EmitUpdate(recipient string, event models.JobUpdateEvent) int {
	recipient = normalize(recipient)
	if event.Type == "" {
		event.Type = models.EventTypeJobUpdate
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs[recipient] {
		select {
		case sub.ch <- event:
			delivered++
		default:
			b.dropped.Add(1)
			b.logger.Warn("Dropped job update for slow subscriber",
				logger.String("subscriptionId", sub.ID),
				logger.String("jobId", event.JobID),
			)
		}
	}
	return delivered
}

// SubscriberCount returns the live subscriptions of recipient.
func (b *Bus) SubscriberCount(recipient string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[normalize(recipient)])
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// normalize treats recipients as case-insensitive email addresses.
func normalize(recipient string) string {
	return strings.ToLower(strings.TrimSpace(recipient))
}
