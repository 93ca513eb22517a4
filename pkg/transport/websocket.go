// ABOUTME: WebSocket client transport with exponential reconnect
// ABOUTME: One write mutex per connection; reads run in a pump goroutine

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nainya/collabsync/internal/logger"
)

// WSConfig tunes the WebSocket client.
type WSConfig struct {
	// URL is the relay endpoint (ws://host:port/ws).
	URL string

	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration

	// ReconnectMaxElapsed bounds total reconnect effort; zero retries
	// forever.
	ReconnectMaxElapsed time.Duration

	// ReceiveBuffer is the inbound message channel depth.
	ReceiveBuffer int
}

// DefaultWSConfig returns production defaults.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ReceiveBuffer:    256,
	}
}

// WSTransport is a reconnecting WebSocket client. Sends during a
// reconnect window fail; the read pump resumes transparently once the
// connection is back.
type WSTransport struct {
	cfg WSConfig
	log *logger.Logger

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn

	inbound chan Message
	closed  chan struct{}
	once    sync.Once
}

// DialWS connects to a relay, retrying with exponential backoff until
// the context is done.
func DialWS(ctx context.Context, cfg WSConfig, log *logger.Logger) (*WSTransport, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	t := &WSTransport{
		cfg:     cfg,
		log:     log.TransportLogger(cfg.URL),
		inbound: make(chan Message, cfg.ReceiveBuffer),
		closed:  make(chan struct{}),
	}

	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	go t.readPump(ctx)
	return t, nil
}

func (t *WSTransport) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = t.cfg.ReconnectMaxElapsed

	return backoff.Retry(func() error {
		conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
		if err != nil {
			t.log.Warn("dial failed, retrying").Err(err).Send()
			return err
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		return nil
	}, backoff.WithContext(b, ctx))
}

// readPump reads frames into the inbound channel, reconnecting on
// failure until the transport or context closes.
func (t *WSTransport) readPump(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return
			case <-ctx.Done():
				return
			default:
			}

			t.log.Warn("connection lost, reconnecting").Err(err).Send()
			if err := t.connect(ctx); err != nil {
				t.log.Error("reconnect failed").Err(err).Send()
				t.Close()
				return
			}
			continue
		}

		m, err := Decode(data)
		if err != nil {
			t.log.Warn("dropping undecodable frame").Err(err).Send()
			continue
		}

		select {
		case t.inbound <- m:
		case <-t.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send writes an envelope to the connection.
func (t *WSTransport) Send(ctx context.Context, m Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next inbound message.
func (t *WSTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case m := <-t.inbound:
		return m, nil
	case <-t.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close shuts the transport down.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		t.mu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.mu.Unlock()
	})
	return err
}
