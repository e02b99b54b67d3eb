package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Close codes sent by the gateway.
// See: https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-close-event-codes
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014

	// closeReconnect is what we send when closing a socket we intend to
	// resume. Closing with 1000 or 1001 invalidates the session.
	closeReconnect = 4900
)

// fatalCloseCode reports whether the gateway closed the connection for a
// reason reconnecting won't fix.
func fatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	}
	return false
}

// sessionEndingCloseCode reports whether the close code invalidates the
// session, so the next connection must identify.
func sessionEndingCloseCode(code int) bool {
	return code == CloseInvalidSeq || code == CloseSessionTimedOut
}

// Message is a raw message read from a [Transport].
type Message struct {
	Data []byte
}

// Disconnect describes why a [Transport] closed. Code is the websocket
// close code, or 0 if the connection failed without a close frame.
type Disconnect struct {
	Code   int
	Reason string
	Err    error
}

func (d Disconnect) String() string {
	if d.Err != nil {
		return fmt.Sprintf("code=%d reason=%q err=%s", d.Code, d.Reason, d.Err)
	}
	return fmt.Sprintf("code=%d reason=%q", d.Code, d.Reason)
}

// Transport is a single gateway socket. The [Manager] only talks to this
// interface, and never to the websocket library directly.
type Transport interface {
	// Send writes one text message.
	// Returns ErrTransportClosed if the transport is no longer active.
	Send(ctx context.Context, data []byte) error

	// Receive returns a channel of incoming messages, closed when the
	// transport closes.
	Receive() <-chan Message

	// Disconnected returns a channel that emits exactly one Disconnect
	// when the transport closes, for any reason.
	Disconnected() <-chan Disconnect

	// Close sends a close frame with the given code and shuts down.
	// Safe to call multiple times.
	Close(code int, reason string) error

	// Terminate drops the connection without a close handshake.
	// Safe to call multiple times.
	Terminate() error
}

// Dialer opens a [Transport] to a gateway URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, url string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}
