// Package events carries the publish/subscribe stream that downstream
// consumers (dashboard, commands, points) read moderation outcomes from.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/chat"
)

// ModerationEvent is emitted for every non-pass decision.
type ModerationEvent struct {
	MessageID  string          `json:"message_id"`
	UserID     string          `json:"user_id"`
	FilterID   string          `json:"filter_id"`
	Action     chat.ActionKind `json:"action"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
	Timestamp  time.Time       `json:"ts"`
}

// AppealDecision is the verdict on one appeal.
type AppealDecision string

const (
	AppealAccepted AppealDecision = "accepted"
	AppealRejected AppealDecision = "rejected"
)

// AppealEvent is emitted when an appeal is resolved.
type AppealEvent struct {
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Reason    string         `json:"reason"`
	Decision  AppealDecision `json:"decision"`
	Timestamp time.Time      `json:"ts"`
}

// Event is the union delivered to subscribers; exactly one field is set.
type Event struct {
	Moderation *ModerationEvent `json:"moderation,omitempty"`
	Appeal     *AppealEvent     `json:"appeal,omitempty"`
}

// subscriberBuffer bounds each subscriber's pending events. Slow
// subscribers drop their oldest events rather than blocking publishers.
const subscriberBuffer = 128

// Bus fans events out to subscribers without ever blocking the pipeline.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
	logger      *zap.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers a consumer and returns its channel.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, ch)

	return ch
}

// PublishModeration emits a moderation event.
func (b *Bus) PublishModeration(event ModerationEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.publish(Event{Moderation: &event})
}

// PublishAppeal emits an appeal event.
func (b *Bus) PublishAppeal(event AppealEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.publish(Event{Appeal: &event})
}

func (b *Bus) publish(event Event) {
	b.mu.Lock()
	subscribers := append([]chan Event(nil), b.subscribers...)
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			// Drop the oldest pending event to make room.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- event:
			default:
				b.logger.Debug("Subscriber still full, event dropped")
			}
		}
	}
}
