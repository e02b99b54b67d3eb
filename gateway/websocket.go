package gateway

import (
	"context"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second

	// DefaultReadLimit caps a single inbound message. READY and
	// GUILD_CREATE for large guilds can be several megabytes.
	DefaultReadLimit = 32 << 20

	receiveBuffer = 64
)

// WebsocketDialer dials gateway connections with gorilla/websocket.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	ReadLimit    int64
}

// NewWebsocketDialer returns a WebsocketDialer with default timeouts.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		WriteTimeout: DefaultWriteTimeout,
		ReadLimit:    DefaultReadLimit,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf(
				"error dialing %s (status %d): %w",
				url,
				resp.StatusCode,
				err,
			)
		}
		return nil, fmt.Errorf("error dialing %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return newWebsocketTransport(conn, d.WriteTimeout), nil
}

// websocketTransport implements [Transport] over a gorilla connection.
type websocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	incoming   chan Message
	disconnect chan Disconnect
	done       chan struct{}
	closeOnce  sync.Once
	closed     bool
}

func newWebsocketTransport(
	conn *websocket.Conn,
	writeTimeout time.Duration,
) *websocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	t := &websocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		incoming:     make(chan Message, receiveBuffer),
		disconnect:   make(chan Disconnect, 1),
		done:         make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *websocketTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return nil
}

func (t *websocketTransport) Receive() <-chan Message {
	return t.incoming
}

func (t *websocketTransport) Disconnected() <-chan Disconnect {
	return t.disconnect
}

func (t *websocketTransport) Close(code int, reason string) error {
	return t.shutdown(Disconnect{Code: code, Reason: reason}, true)
}

func (t *websocketTransport) Terminate() error {
	return t.shutdown(Disconnect{Reason: "terminated"}, false)
}

// shutdown marks the transport closed, optionally sends a close frame,
// then emits ev as the transport's one disconnect event.
func (t *websocketTransport) shutdown(ev Disconnect, sendClose bool) error {
	var err error
	t.closeOnce.Do(
		func() {
			t.writeMu.Lock()
			t.closed = true
			if sendClose {
				err = t.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(ev.Code, ev.Reason),
					time.Now().Add(t.writeTimeout),
				)
			}
			t.writeMu.Unlock()
			close(t.done)
			err = errors.Join(err, t.conn.Close())
			t.disconnect <- ev
		},
	)
	return err
}

func (t *websocketTransport) readLoop() {
	defer close(t.incoming)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			ev := Disconnect{Err: err}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				ev.Code = closeErr.Code
				ev.Reason = closeErr.Text
				ev.Err = nil
			}
			_ = t.shutdown(ev, false)
			return
		}
		select {
		case t.incoming <- Message{Data: data}:
		case <-t.done:
			return
		}
	}
}
