package transport

import (
	"context"
	"reflect"
	"sync"
)

const subscriberQueueDepth = 256

type queuedMessage struct {
	channel string
	payload []byte
}

type subscriber struct {
	listener Listener
	queue    chan queuedMessage
	done     chan struct{}
}

// Memory is an in-process broadcast transport: each subscriber owns a
// buffered queue drained by a dedicated goroutine, giving per-channel FIFO
// delivery from a single publisher without blocking Publish on slow
// consumers (§4.B "Ordering").
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	closed      bool
	status      chan StatusEvent
}

// NewMemory constructs an in-memory transport. It reports itself connected
// immediately since there is no external dependency to probe.
func NewMemory() *Memory {
	m := &Memory{
		subscribers: make(map[string][]*subscriber),
		status:      make(chan StatusEvent, 1),
	}
	m.status <- StatusEvent{Connected: true}
	return m
}

// Publish fans the payload out to every subscriber currently registered on
// channel (fire-and-forget, best-effort per §4.B).
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscriber, len(m.subscribers[channel]))
	copy(subs, m.subscribers[channel])
	m.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- queuedMessage{channel: channel, payload: payload}:
		case <-s.done:
		}
	}
	return nil
}

// Subscribe registers a listener on channel. Each listener gets its own
// delivery goroutine so one slow handler cannot stall others.
func (m *Memory) Subscribe(_ context.Context, channel string, listener Listener) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sub := &subscriber{
		listener: listener,
		queue:    make(chan queuedMessage, subscriberQueueDepth),
		done:     make(chan struct{}),
	}
	m.subscribers[channel] = append(m.subscribers[channel], sub)
	m.mu.Unlock()

	go sub.run()
	return nil
}

func (s *subscriber) run() {
	for {
		select {
		case msg := <-s.queue:
			s.listener(msg.channel, msg.payload)
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes a previously registered listener. Listener equality
// is compared via reflect since Go function values aren't comparable.
func (m *Memory) Unsubscribe(channel string, listener Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[channel]
	target := reflect.ValueOf(listener).Pointer()
	for i, s := range subs {
		if reflect.ValueOf(s.listener).Pointer() == target {
			close(s.done)
			m.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Status returns the connectivity status channel. The in-memory transport
// never disconnects.
func (m *Memory) Status() <-chan StatusEvent {
	return m.status
}

// Close tears down every subscriber goroutine.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subscribers {
		for _, s := range subs {
			close(s.done)
		}
	}
	m.subscribers = make(map[string][]*subscriber)
	return nil
}
