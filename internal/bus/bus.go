// Package bus provides the in-process telemetry pub/sub. Delivery is
// best effort: a slow subscriber drops messages rather than stalling
// the trading path.
package bus

import (
	"sync"

	"intraday_trader/internal/core"
)

type subscriber struct {
	id int
	ch chan interface{}
}

// Bus implements core.IEventBus.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	topics  map[string][]subscriber
	dropped map[string]int64
	logger  core.ILogger
	closed  bool
}

func New(logger core.ILogger) *Bus {
	return &Bus{
		topics:  make(map[string][]subscriber),
		dropped: make(map[string]int64),
		logger:  logger.WithField("component", "bus"),
	}
}

// Publish delivers msg to every subscriber of topic. Never blocks.
func (b *Bus) Publish(topic string, msg interface{}) {
	b.mu.RLock()
	subs := b.topics[topic]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			b.mu.Lock()
			b.dropped[topic]++
			n := b.dropped[topic]
			b.mu.Unlock()
			if n%1000 == 1 {
				b.logger.Warn("dropping messages for slow subscriber", "topic", topic, "dropped", n)
			}
		}
	}
}

// Subscribe returns a receive channel for topic and a cancel func that
// detaches and closes it. The channel buffers up to `buffer` messages.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan interface{}, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan interface{}, buffer)}
	b.topics[topic] = append(b.topics[topic], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == sub.id {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Dropped reports how many messages were dropped for topic.
func (b *Bus) Dropped(topic string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[topic]
}

// Close detaches and closes all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.topics, topic)
	}
}
