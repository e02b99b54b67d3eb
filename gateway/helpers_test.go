package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(
			slog.NewTextHandler(
				testWriter{t},
				&slog.HandlerOptions{Level: slog.LevelDebug},
			),
		)
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer is a bytes.Buffer safe for a logger writing on another
// goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// fakeClock wraps a clockwork fake clock, publishing each ticker and
// timer the manager creates so tests can wait for them and fire them.
type fakeClock struct {
	clockwork.FakeClock
	tickers chan *fakeTicker
	timers  chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		FakeClock: clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		tickers:   make(chan *fakeTicker, 32),
		timers:    make(chan *fakeTimer, 32),
	}
}

func (c *fakeClock) NewTicker(d time.Duration) clockwork.Ticker {
	tk := &fakeTicker{Ticker: c.FakeClock.NewTicker(d), clock: c, d: d}
	c.tickers <- tk
	return tk
}

func (c *fakeClock) NewTimer(d time.Duration) clockwork.Timer {
	tm := &fakeTimer{Timer: c.FakeClock.NewTimer(d), clock: c, d: d}
	c.timers <- tm
	return tm
}

func (c *fakeClock) nextTicker(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case tk := <-c.tickers:
		return tk
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a ticker")
		return nil
	}
}

func (c *fakeClock) nextTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-c.timers:
		return tm
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a timer")
		return nil
	}
}

type fakeTicker struct {
	clockwork.Ticker
	clock   *fakeClock
	d       time.Duration
	stopped atomic.Bool
}

func (t *fakeTicker) Stop() {
	t.stopped.Store(true)
	t.Ticker.Stop()
}

// tick advances the clock by the ticker's period, firing it once.
func (t *fakeTicker) tick() {
	t.clock.Advance(t.d)
}

type fakeTimer struct {
	clockwork.Timer
	clock   *fakeClock
	d       time.Duration
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped.Store(true)
	return t.Timer.Stop()
}

// fire advances the clock by the timer's duration, firing it.
func (t *fakeTimer) fire() {
	t.clock.Advance(t.d)
}

// fakeTransport records what the manager sends, and lets the test push
// inbound frames and disconnects.
type fakeTransport struct {
	url        string
	sent       chan []byte
	incoming   chan Message
	disconnect chan Disconnect
	closed     chan struct{}
	closeOnce  sync.Once
	closeCode  atomic.Int64
	terminated atomic.Bool
}

func newFakeTransport(url string) *fakeTransport {
	return &fakeTransport{
		url:        url,
		sent:       make(chan []byte, 64),
		incoming:   make(chan Message, 64),
		disconnect: make(chan Disconnect, 1),
		closed:     make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) Receive() <-chan Message {
	return f.incoming
}

func (f *fakeTransport) Disconnected() <-chan Disconnect {
	return f.disconnect
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.closeOnce.Do(
		func() {
			f.closeCode.Store(int64(code))
			close(f.closed)
		},
	)
	return nil
}

func (f *fakeTransport) Terminate() error {
	f.closeOnce.Do(
		func() {
			f.terminated.Store(true)
			close(f.closed)
		},
	)
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push queues an inbound frame. d is marshaled as-is.
func (f *fakeTransport) push(t *testing.T, op Opcode, name string, seq *int64, d any) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	data, err := json.Marshal(Frame{Op: op, T: name, S: seq, D: raw})
	require.NoError(t, err)
	f.incoming <- Message{Data: data}
}

func (f *fakeTransport) pushRaw(data []byte) {
	f.incoming <- Message{Data: data}
}

func (f *fakeTransport) remoteClose(code int, reason string) {
	f.disconnect <- Disconnect{Code: code, Reason: reason}
}

// sentFrame is an outbound payload as decoded by the test.
type sentFrame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (f *fakeTransport) nextSent(t *testing.T) sentFrame {
	t.Helper()
	select {
	case data := <-f.sent:
		var sf sentFrame
		require.NoError(t, json.Unmarshal(data, &sf))
		return sf
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an outbound payload")
		return sentFrame{}
	}
}

func (f *fakeTransport) expectNothingSent(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.sent:
		t.Fatalf("unexpected outbound payload: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeDialer struct {
	transports chan *fakeTransport
	failures   chan error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		transports: make(chan *fakeTransport, 16),
		failures:   make(chan error, 16),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case err := <-d.failures:
		return nil, err
	default:
	}
	tr := newFakeTransport(url)
	d.transports <- tr
	return tr, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.transports:
		return tr
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

var errDialRefused = errors.New("connection refused")

func seq(n int64) *int64 {
	return &n
}

func compressJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}
