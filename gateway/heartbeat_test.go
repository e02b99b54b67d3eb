package gateway

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	hb := newHeartbeat(clock, DefaultHeartbeatMargin)
	assert.Nil(t, hb.C(), "channel should be nil before Start")

	hb.Start(41250 * time.Millisecond)
	tk := clock.nextTicker(t)
	assert.Equal(t, 41245*time.Millisecond, tk.d)
	assert.NotNil(t, hb.C())

	require.NoError(t, hb.Beat())
	assert.True(t, hb.Pending())
	assert.ErrorIs(t, hb.Beat(), ErrHeartbeatNotAcked)

	clock.Advance(80 * time.Millisecond)
	rtt, ok := hb.Ack()
	require.True(t, ok)
	assert.Equal(t, 80*time.Millisecond, rtt)
	assert.Equal(t, rtt, hb.Latency())
	assert.False(t, hb.Pending())

	_, ok = hb.Ack()
	assert.False(t, ok, "ack without a pending beat")

	require.NoError(t, hb.Beat())
	hb.Stop()
	assert.True(t, tk.stopped.Load())
	assert.False(t, hb.Pending())
	assert.Nil(t, hb.C())
	hb.Stop()

	var nilHB *Heartbeat
	assert.Nil(t, nilHB.C())
	nilHB.Stop()
}

func TestHeartbeat_SentKeepsPendingTime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	hb := newHeartbeat(clock, DefaultHeartbeatMargin)
	hb.Start(time.Second)

	hb.Sent()
	clock.Advance(30 * time.Millisecond)
	hb.Sent()
	clock.Advance(20 * time.Millisecond)

	rtt, ok := hb.Ack()
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, rtt)
}

func TestHeartbeat_ShortInterval(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	hb := newHeartbeat(clock, DefaultHeartbeatMargin)
	hb.Start(3 * time.Millisecond)
	assert.Equal(t, 3*time.Millisecond, clock.nextTicker(t).d)
}
