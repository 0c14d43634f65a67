// Package bus implements the Message Bus (§4.C): fan-out of decoded
// envelopes to typed handlers running on the cooperative scheduler, built
// atop the transport adapter.
package bus

import (
	"context"
	"reflect"
	"sync"

	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/transport"
	"github.com/sirupsen/logrus"
)

// Handler processes a decoded envelope. Handlers run on the bus's
// executor and must not block beyond a few tens of milliseconds; offload
// longer work to a scheduler.Queue.
type Handler func(ctx context.Context, env envelope.Envelope)

// Bus fans out envelopes delivered on the underlying transport to
// registered handlers.
type Bus struct {
	transport transport.Adapter
	executor  *scheduler.Executor
	log       *logrus.Entry
	senderID  string

	mu          sync.RWMutex
	handlers    map[string][]Handler
	transportLs map[string]transport.Listener
}

// New constructs a bus over a transport adapter and executor. senderID
// identifies this process in outgoing envelopes.
func New(t transport.Adapter, executor *scheduler.Executor, senderID string, log *logrus.Entry) *Bus {
	return &Bus{
		transport: t,
		executor:  executor,
		senderID:  senderID,
		log:       log,
		handlers:    make(map[string][]Handler),
		transportLs: make(map[string]transport.Listener),
	}
}

// Broadcast publishes a typed payload on channel as an envelope.
func (b *Bus) Broadcast(ctx context.Context, channel, typeTag string, payload any, correlationID string) error {
	env, err := envelope.New(typeTag, b.senderID, payload, correlationID)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, channel, data)
}

// Subscribe registers handler for channel, decoding each delivered message
// into an envelope before dispatching to the handler on the executor. Only
// the first Subscribe call for a given channel opens a transport-level
// subscription; later calls just add another fan-out handler.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	_, alreadyBound := b.transportLs[channel]
	b.handlers[channel] = append(b.handlers[channel], handler)
	b.mu.Unlock()

	if alreadyBound {
		return nil
	}

	listener := func(ch string, payload []byte) {
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			b.log.WithError(err).WithField("channel", ch).Warn("bus: dropping malformed envelope")
			return
		}

		b.mu.RLock()
		handlers := make([]Handler, len(b.handlers[channel]))
		copy(handlers, b.handlers[channel])
		b.mu.RUnlock()

		for _, h := range handlers {
			handler := h
			b.executor.Submit(func(ctx context.Context) {
				handler(ctx, env)
			})
		}
	}

	b.mu.Lock()
	b.transportLs[channel] = listener
	b.mu.Unlock()

	return b.transport.Subscribe(ctx, channel, listener)
}

// Unsubscribe removes handler from channel. Handler identity is compared
// by function pointer, matching the teacher's function-comparison
// limitation noted in pkg/pgnotify/bus.go. When the last handler for a
// channel is removed, the transport-level subscription is torn down too.
func (b *Bus) Unsubscribe(channel string, handler Handler) error {
	b.mu.Lock()
	handlers := b.handlers[channel]
	target := reflect.ValueOf(handler).Pointer()
	for i, h := range handlers {
		if reflect.ValueOf(h).Pointer() == target {
			handlers = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	b.handlers[channel] = handlers
	remaining := len(handlers)
	transportListener := b.transportLs[channel]
	if remaining == 0 {
		delete(b.transportLs, channel)
		delete(b.handlers, channel)
	}
	b.mu.Unlock()

	if remaining == 0 && transportListener != nil {
		return b.transport.Unsubscribe(channel, transportListener)
	}
	return nil
}

// Status exposes transport connectivity events.
func (b *Bus) Status() <-chan transport.StatusEvent {
	return b.transport.Status()
}

// Close tears down the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}
