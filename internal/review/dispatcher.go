package review

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
)

const defaultDispatcherBuffer = 64

// feedMessage carries exactly one published item.
type feedMessage struct {
	comment *annotations.Comment
	record  *annotations.Record
}

// dispatcher fans published items out to the subscribers of a document.
// Sends never block; a subscriber that falls behind its buffer misses items.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan feedMessage
}

func newDispatcher(bufferSize int) *dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultDispatcherBuffer
	}
	return &dispatcher{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  bufferSize,
	}
}

func (d *dispatcher) subscribe(ctx context.Context, key Key) (<-chan feedMessage, func()) {
	if !key.Valid() {
		ch := make(chan feedMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		id:     d.nextSequence(),
		stream: make(chan feedMessage, d.bufferSize),
	}
	topic := key.String()
	d.register(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(topic, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *dispatcher) publish(key Key, message feedMessage) int {
	if !key.Valid() {
		return 0
	}
	d.mu.RLock()
	subscribers := d.subscribers[key.String()]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return 0
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	delivered := 0
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
			delivered++
		default:
		}
	}
	return delivered
}

func (d *dispatcher) subscriberCount(key Key) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key.String()])
}

func (d *dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *dispatcher) register(topic string, subscriber *feedSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*feedSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
