package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibilidm/botd/backend/metrics"
	"bilibilidm/botd/backend/store"
)

// Event is one outbound notification to the host: an inbound message,
// a feed change, or a lifecycle transition.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Bus fans events out to host subscribers and appends them to the
// bot_events history. Slow subscribers lose events rather than block
// the pollers.
type Bus struct {
	log   *zap.Logger
	store *store.Store

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func New(storeDB *store.Store, log *zap.Logger) *Bus {
	return &Bus{
		log:   log,
		store: storeDB,
		subs:  map[int]chan Event{},
	}
}

func (b *Bus) Publish(eventType string, payload any) {
	event := Event{Type: eventType, Time: time.Now().UTC(), Payload: payload}

	if raw, err := json.Marshal(payload); err == nil {
		if err := b.store.CreateBotEvent(context.Background(), eventType, string(raw)); err != nil {
			b.log.Warn("persist event failed", zap.String("type", eventType), zap.Error(err))
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Warn("subscriber lagging, event dropped",
				zap.Int("subscriber", id), zap.String("type", eventType))
		}
	}
}

// Subscribe registers a buffered subscriber. The returned cancel func
// must be called when the consumer goes away.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	metrics.EventSubscribers.Inc()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
			metrics.EventSubscribers.Dec()
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
		metrics.EventSubscribers.Dec()
	}
}
