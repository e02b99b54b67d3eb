package gateway

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"time"
)

// newReconnectBackOff returns the reconnect delay schedule: a fixed
// delay, or doubling from ReconnectDelay up to MaxReconnectDelay when
// that's larger. Reset it once a connection succeeds.
func newReconnectBackOff(cfg Config, clock clockwork.Clock) backoff.BackOff {
	if cfg.MaxReconnectDelay <= cfg.ReconnectDelay {
		return backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ReconnectDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxReconnectDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return b
}

func timerC(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}
