// Package transport implements the Transport Adapter (§4.B): a uniform
// publish/subscribe/unsubscribe contract over an in-process broadcast
// transport or Redis pub/sub, with a runtime probe selecting between them.
package transport

import (
	"context"
	"errors"
)

// Listener receives raw published bytes for a channel.
type Listener func(channel string, payload []byte)

// StatusEvent reports a transport connectivity change (§4.B "Failure
// semantics": disconnects are reported via a status channel).
type StatusEvent struct {
	Connected bool
	Err       error
}

// Adapter is the uniform transport contract. Implementations: in-memory
// (Memory) and Redis (Redis).
type Adapter interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, listener Listener) error
	Unsubscribe(channel string, listener Listener) error
	Status() <-chan StatusEvent
	Close() error
}

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("transport: adapter closed")
