// ABOUTME: Transport abstraction over message delivery
// ABOUTME: In-memory pair used by tests and single-process setups

package transport

import (
	"context"
	"sync"
)

// Transport delivers envelopes between two endpoints.
type Transport interface {
	// Send delivers a message to the peer.
	Send(ctx context.Context, m Message) error

	// Receive blocks until a message arrives, the context is done, or
	// the transport closes.
	Receive(ctx context.Context) (Message, error)

	// Close tears the transport down. Subsequent sends fail with
	// ErrClosed.
	Close() error
}

// memTransport is one end of an in-memory pair.
type memTransport struct {
	out chan Message
	in  chan Message

	closed chan struct{}
	once   sync.Once
}

// Pair returns two connected in-memory transports. Messages sent on
// one arrive on the other.
func Pair(buffer int) (Transport, Transport) {
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	closed := make(chan struct{})

	a := &memTransport{out: ab, in: ba, closed: closed}
	b := &memTransport{out: ba, in: ab, closed: closed}
	return a, b
}

func (t *memTransport) Send(ctx context.Context, m Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	select {
	case t.out <- m:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case m := <-t.in:
		return m, nil
	case <-t.closed:
		// Drain anything already buffered before reporting closure.
		select {
		case m := <-t.in:
			return m, nil
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
