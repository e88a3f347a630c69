// internal/service/events.go
package service

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// DefaultSubscriberBuffer is the channel capacity given to each subscriber.
const DefaultSubscriberBuffer = 256

type subscriber struct {
	sessionID string
	ch        chan schemas.Event
}

// EventHub fans progress events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type EventHub struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	isShutdown  bool

	dropped atomic.Uint64
}

// NewEventHub initializes the hub.
func NewEventHub(logger *zap.Logger, bufferSize int) *EventHub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &EventHub{
		logger:      logger.Named("event_hub"),
		bufferSize:  bufferSize,
		subscribers: make(map[uint64]*subscriber),
	}
}

// Publish delivers ev to every subscriber of its session and to every
// subscriber of all sessions.
func (h *EventHub) Publish(ev schemas.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.isShutdown {
		return
	}
	for _, sub := range h.subscribers {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if n := h.dropped.Add(1); n%100 == 1 {
				h.logger.Debug("Subscriber buffer full, dropping event.",
					zap.String("session_id", ev.SessionID),
					zap.String("type", string(ev.Type)),
					zap.Uint64("dropped_total", n))
			}
		}
	}
}

// Subscribe returns a channel of events for sessionID, or for all sessions
// when sessionID is empty, and a function that cancels the subscription.
func (h *EventHub) Subscribe(sessionID string) (<-chan schemas.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isShutdown {
		closedCh := make(chan schemas.Event)
		close(closedCh)
		return closedCh, func() {}
	}

	id := h.nextID
	h.nextID++
	sub := &subscriber{sessionID: sessionID, ch: make(chan schemas.Event, h.bufferSize)}
	h.subscribers[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *EventHub) Dropped() uint64 { return h.dropped.Load() }

// Shutdown closes every subscriber channel. Later subscriptions receive a closed channel.
func (h *EventHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isShutdown {
		return
	}
	h.isShutdown = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}
