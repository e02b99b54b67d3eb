package gateway

import (
	"errors"
	"github.com/jonboulle/clockwork"
	"time"
)

// DefaultHeartbeatMargin is shaved off the server-supplied heartbeat
// interval, so beats don't race the server-side timeout.
const DefaultHeartbeatMargin = 5 * time.Millisecond

// ErrHeartbeatNotAcked is returned by [Heartbeat.Beat] when the previous
// heartbeat was never acknowledged, meaning the connection is dead.
var ErrHeartbeatNotAcked = errors.New("previous heartbeat was not acknowledged")

// Heartbeat tracks the heartbeat schedule and the single in-flight
// heartbeat of one connection. It belongs to the connection that started
// it and is stopped when that connection is torn down.
//
// Heartbeat is not safe for concurrent use; the [Manager] loop owns it.
type Heartbeat struct {
	clock    clockwork.Clock
	margin   time.Duration
	interval time.Duration
	ticker   clockwork.Ticker
	pending  bool
	sentAt   time.Time
	latency  time.Duration
}

func newHeartbeat(clock clockwork.Clock, margin time.Duration) *Heartbeat {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Heartbeat{clock: clock, margin: margin}
}

// Start arms the ticker for subsequent beats. The first beat is due
// immediately, so the caller sends it right after Start returns.
func (h *Heartbeat) Start(interval time.Duration) {
	if h.ticker != nil {
		h.ticker.Stop()
	}
	h.interval = interval
	period := interval - h.margin
	if period <= 0 {
		period = interval
	}
	h.ticker = h.clock.NewTicker(period)
}

// C returns the channel on which scheduled beats are delivered. Before
// Start (or after Stop) it returns nil, which blocks forever in a select.
func (h *Heartbeat) C() <-chan time.Time {
	if h == nil || h.ticker == nil {
		return nil
	}
	return h.ticker.Chan()
}

// Beat marks a scheduled heartbeat as sent. If the previous beat is still
// waiting on an ack, nothing is marked and ErrHeartbeatNotAcked is returned.
func (h *Heartbeat) Beat() error {
	if h.pending {
		return ErrHeartbeatNotAcked
	}
	h.Sent()
	return nil
}

// Sent marks an unscheduled heartbeat (requested by the server, or a ping)
// as sent. An existing pending beat keeps its original send time.
func (h *Heartbeat) Sent() {
	if h.pending {
		return
	}
	h.pending = true
	h.sentAt = h.clock.Now()
}

// Ack clears the pending flag and returns the round trip time of the
// acknowledged beat. The bool is false for an ack with nothing pending.
func (h *Heartbeat) Ack() (time.Duration, bool) {
	if !h.pending {
		return 0, false
	}
	h.pending = false
	h.latency = h.clock.Now().Sub(h.sentAt)
	return h.latency, true
}

func (h *Heartbeat) Pending() bool {
	return h.pending
}

func (h *Heartbeat) Latency() time.Duration {
	return h.latency
}

func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

// Stop cancels the ticker and clears the pending flag. Safe to call more
// than once.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
	h.pending = false
}
