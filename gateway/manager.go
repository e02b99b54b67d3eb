package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/trace"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultGatewayURL     = "wss://gateway.discord.gg"
	DefaultAPIVersion     = 10
	DefaultReconnectDelay = 5 * time.Second
	DefaultClientName     = "disco"
)

var (
	// ErrFatalClose is returned by [Manager.Connect] when the gateway
	// closes the connection with a code reconnecting can't recover from
	// (bad token, invalid shard or intents).
	ErrFatalClose = errors.New("gateway closed the connection with a fatal code")

	// ErrAlreadyConnected is returned by [Manager.Connect] when it's
	// already running.
	ErrAlreadyConnected = errors.New("gateway manager is already connected")

	// ErrReconnectAttemptsExceeded is returned by [Manager.Connect] when
	// Config.MaxReconnectAttempts consecutive attempts have failed.
	ErrReconnectAttemptsExceeded = errors.New("gateway reconnect attempts exceeded")

	// ErrNotConnected is returned for operations needing a live connection.
	ErrNotConnected = errors.New("gateway is not connected")
)

// Config configures a [Manager]. Zero values fall back to the defaults.
type Config struct {
	GatewayURL string
	APIVersion int

	// ReconnectDelay is the wait before reconnecting after a connection
	// is lost.
	ReconnectDelay time.Duration

	// MaxReconnectDelay, when greater than ReconnectDelay, doubles the
	// delay after each consecutive failed attempt, up to this value.
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts, when positive, ends Connect after that many
	// consecutive reconnects without reaching CONNECTED.
	MaxReconnectAttempts int

	HeartbeatMargin time.Duration
	Compress        bool
	LargeThreshold  int
	ClientName      string
}

func DefaultConfig() Config {
	return Config{
		GatewayURL:      DefaultGatewayURL,
		APIVersion:      DefaultAPIVersion,
		ReconnectDelay:  DefaultReconnectDelay,
		HeartbeatMargin: DefaultHeartbeatMargin,
		Compress:        true,
		ClientName:      DefaultClientName,
	}
}

func (c Config) withDefaults() Config {
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	if c.APIVersion == 0 {
		c.APIVersion = DefaultAPIVersion
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatMargin < 0 {
		c.HeartbeatMargin = 0
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	return c
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("gateway_url", c.GatewayURL),
		slog.Int("api_version", c.APIVersion),
		slog.Duration("reconnect_delay", c.ReconnectDelay),
		slog.Duration("max_reconnect_delay", c.MaxReconnectDelay),
		slog.Int("max_reconnect_attempts", c.MaxReconnectAttempts),
		slog.Bool("compress", c.Compress),
		slog.String("client_name", c.ClientName),
	)
}

// closeReason records why the manager tore a connection down.
type closeReason int

const (
	reasonNone closeReason = iota
	reasonRemoteClosed
	reasonTransportError
	reasonDialFailed
	reasonReconnectRequested
	reasonSessionInvalidated
	reasonHeartbeatTimeout
	reasonShutdown
)

func (r closeReason) String() string {
	switch r {
	case reasonRemoteClosed:
		return "remote_closed"
	case reasonTransportError:
		return "transport_error"
	case reasonDialFailed:
		return "dial_failed"
	case reasonReconnectRequested:
		return "reconnect_requested"
	case reasonSessionInvalidated:
		return "session_invalidated"
	case reasonHeartbeatTimeout:
		return "heartbeat_timeout"
	case reasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

type Option func(m *Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock sets the clock heartbeats and reconnect delays are
// scheduled on.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

func WithDecompressor(d Decompressor) Option {
	return func(m *Manager) {
		m.codec = NewCodec(d)
	}
}

// connection is one dialed transport. gen increases with every dial, and
// anything delivered for an older generation is dropped.
type connection struct {
	gen       uint64
	transport Transport
	done      chan struct{}
}

// inbound is a message or disconnect forwarded from a connection to the
// manager loop.
type inbound struct {
	gen        uint64
	data       []byte
	disconnect *Disconnect
}

type pingResult struct {
	rtt time.Duration
	err error
}

// Manager maintains a gateway connection: it identifies or resumes,
// keeps the heartbeat, reconnects when the connection drops and routes
// dispatch events to registered handlers.
//
// Everything touching the socket, the session or the heartbeat happens on
// the goroutine running [Manager.Connect]. The accessor methods are safe
// for concurrent use.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	dialer  Dialer
	clock   clockwork.Clock
	codec   *Codec
	metrics *Metrics
	tracer  trace.Tracer
	router  *Router
	session *Session

	state   atomic.Int32
	running atomic.Bool
	latency atomic.Int64

	mu          sync.RWMutex
	user        *discordgo.User
	application *discordgo.Application
	guilds      map[string]struct{}
	cancel      context.CancelFunc

	inbound     chan inbound
	pingReq     chan chan pingResult
	reconnectCh chan struct{}

	// owned by the Connect loop
	token       string
	intents     discordgo.Intent
	shard       Shard
	conn        *connection
	generation  uint64
	heartbeat   *Heartbeat
	retry       clockwork.Timer
	backoff     backoff.BackOff
	closeReason closeReason
	attempts    int
	pingWaiters []chan pingResult
}

// New returns a Manager in the DISCONNECTED state. Nothing is dialed
// until [Manager.Connect] is called.
func New(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		codec:       NewCodec(nil),
		guilds:      map[string]struct{}{},
		inbound:     make(chan inbound),
		pingReq:     make(chan chan pingResult),
		reconnectCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.dialer == nil {
		m.dialer = NewWebsocketDialer()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	m.backoff = newReconnectBackOff(cfg, m.clock)
	m.session = newSession(cfg.GatewayURL)
	m.router = NewRouter(m.logger, m.tracer, m.metrics)
	m.metrics.setState(StateDisconnected)
	return m
}

// Connect runs the connection until ctx is canceled or [Manager.Close]
// is called, in which case it returns nil. Lost connections are
// reconnected (resuming the session where possible). It only returns an
// error for a fatal close code, or when reconnect attempts run out.
func (m *Manager) Connect(
	ctx context.Context,
	token string,
	intents discordgo.Intent,
	shard Shard,
) error {
	if token == "" {
		return errors.New("gateway token required")
	}
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	defer m.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.token = token
	m.intents = intents
	m.shard = shard
	m.attempts = 0
	m.backoff.Reset()

	select {
	case <-m.reconnectCh:
	default:
	}

	m.logger.InfoContext(
		ctx,
		"connecting to gateway",
		"config", m.cfg,
		"shard", shard.String(),
		"intents", int(intents),
	)

	err := m.run(ctx)
	m.shutdown()
	if err != nil {
		m.logger.ErrorContext(ctx, "gateway manager stopped", tint.Err(err))
	} else {
		m.logger.InfoContext(ctx, "gateway manager stopped")
	}
	return err
}

func (m *Manager) run(ctx context.Context) error {
	if err := m.dial(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-m.inbound:
			if m.conn == nil || in.gen != m.conn.gen {
				m.logger.DebugContext(
					ctx,
					"ignoring message from superseded connection",
					"generation", in.gen,
				)
				continue
			}
			if in.disconnect != nil {
				if err := m.handleDisconnect(ctx, *in.disconnect); err != nil {
					return err
				}
				continue
			}
			if err := m.handleMessage(ctx, in.data); err != nil {
				return err
			}
		case <-m.heartbeat.C():
			if err := m.beat(ctx); err != nil {
				return err
			}
		case <-timerC(m.retry):
			m.retry = nil
			if err := m.dial(ctx); err != nil {
				return err
			}
		case reply := <-m.pingReq:
			m.ping(ctx, reply)
		case <-m.reconnectCh:
			m.logger.InfoContext(ctx, "reconnect requested")
			m.metrics.reconnect(reasonReconnectRequested)
			m.teardown(reasonReconnectRequested, closeReconnect)
			if err := m.dial(ctx); err != nil {
				return err
			}
		}
	}
}


// dial opens a new connection. A failed dial schedules a retry, and only
// returns an error if no more attempts are allowed.
func (m *Manager) dial(ctx context.Context) error {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.setState(StateConnecting)

	url := gatewayURL(m.session.URL(), m.cfg.APIVersion)
	logger := m.logger.With("url", url)
	logger.InfoContext(ctx, "dialing gateway")

	t, err := m.dialer.Dial(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.WarnContext(ctx, "error dialing gateway", tint.Err(err))
		m.setState(StateDisconnected)
		return m.scheduleReconnect(ctx, reasonDialFailed)
	}

	m.generation++
	c := &connection{
		gen:       m.generation,
		transport: t,
		done:      make(chan struct{}),
	}
	m.conn = c
	m.closeReason = reasonNone
	m.heartbeat = newHeartbeat(m.clock, m.cfg.HeartbeatMargin)
	go m.pump(c)

	if m.session.Valid() {
		m.setState(StateResuming)
	} else {
		m.setState(StateIdentifying)
	}
	logger.DebugContext(ctx, "gateway connection opened", "generation", c.gen)
	return nil
}

// pump forwards a connection's messages, then its disconnect, to the
// manager loop, until the connection is torn down.
func (m *Manager) pump(c *connection) {
	recv := c.transport.Receive()
	disc := c.transport.Disconnected()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			if !m.forward(c, inbound{gen: c.gen, data: msg.Data}) {
				return
			}
		case d := <-disc:
			// deliver anything already read before the disconnect
			for recv != nil {
				select {
				case msg, ok := <-recv:
					if !ok {
						recv = nil
						continue
					}
					if !m.forward(c, inbound{gen: c.gen, data: msg.Data}) {
						return
					}
				default:
					recv = nil
				}
			}
			m.forward(c, inbound{gen: c.gen, disconnect: &d})
			return
		}
	}
}

func (m *Manager) forward(c *connection, in inbound) bool {
	select {
	case m.inbound <- in:
		return true
	case <-c.done:
		return false
	}
}

// teardown stops the heartbeat and closes the current connection. With a
// zero code the transport is terminated without a close handshake.
func (m *Manager) teardown(reason closeReason, code int) {
	m.closeReason = reason
	m.heartbeat.Stop()

	c := m.conn
	m.conn = nil
	if c == nil {
		return
	}
	close(c.done)

	var err error
	if code == 0 {
		err = c.transport.Terminate()
	} else {
		err = c.transport.Close(code, reason.String())
	}
	if err != nil {
		m.logger.Debug(
			"error closing gateway transport",
			"generation", c.gen,
			tint.Err(err),
		)
	}
	m.failPings(ErrNotConnected)
	m.logger.Debug(
		"gateway connection closed",
		"generation", c.gen,
		"reason", reason.String(),
	)
}

// scheduleReconnect arms the retry timer, or returns
// ErrReconnectAttemptsExceeded when attempts have run out.
func (m *Manager) scheduleReconnect(ctx context.Context, reason closeReason) error {
	m.attempts++
	if m.cfg.MaxReconnectAttempts > 0 && m.attempts > m.cfg.MaxReconnectAttempts {
		return fmt.Errorf(
			"%w: %d attempts (last: %s)",
			ErrReconnectAttemptsExceeded,
			m.cfg.MaxReconnectAttempts,
			reason,
		)
	}
	delay := m.backoff.NextBackOff()
	m.metrics.reconnect(reason)
	m.logger.InfoContext(
		ctx,
		"scheduling gateway reconnect",
		"reason", reason.String(),
		"delay", delay,
		"attempt", m.attempts,
		"resumable", m.session.Valid(),
	)
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = m.clock.NewTimer(delay)
	return nil
}

func (m *Manager) handleDisconnect(ctx context.Context, d Disconnect) error {
	reason := reasonRemoteClosed
	if d.Err != nil {
		reason = reasonTransportError
	}
	m.logger.WarnContext(
		ctx,
		"gateway connection lost",
		"code", d.Code,
		"close_reason", d.Reason,
		tint.Err(d.Err),
		"state", m.State().String(),
	)
	m.teardown(reason, 0)
	m.setState(StateDisconnected)

	if fatalCloseCode(d.Code) {
		return fmt.Errorf("%w: %d %s", ErrFatalClose, d.Code, d.Reason)
	}
	if sessionEndingCloseCode(d.Code) {
		m.logger.InfoContext(ctx, "session can't be resumed, will identify", "code", d.Code)
		m.session.Reset()
	}
	return m.scheduleReconnect(ctx, reason)
}

func (m *Manager) handleMessage(ctx context.Context, data []byte) error {
	f, err := m.codec.Decode(data)
	if err != nil {
		m.metrics.decodeFailed()
		m.logger.WarnContext(
			ctx,
			"dropping undecodable gateway message",
			tint.Err(err),
			"size", len(data),
		)
		return nil
	}

	if f.S != nil && !m.session.RecordSequence(*f.S) {
		m.metrics.sequenceRegression()
		seq, _ := m.session.Sequence()
		m.logger.WarnContext(
			ctx,
			"ignoring lower sequence number",
			"received", *f.S,
			"current", seq,
		)
	}

	switch f.Op {
	case OpDispatch:
		m.handleDispatch(ctx, f)
	case OpHeartbeat:
		m.heartbeat.Sent()
		m.sendHeartbeat(ctx)
	case OpReconnect:
		m.logger.InfoContext(ctx, "gateway requested reconnect")
		m.metrics.reconnect(reasonReconnectRequested)
		m.teardown(reasonReconnectRequested, closeReconnect)
		return m.dial(ctx)
	case OpInvalidSession:
		return m.handleInvalidSession(ctx, f)
	case OpHello:
		m.handleHello(ctx, f)
	case OpHeartbeatACK:
		rtt, ok := m.heartbeat.Ack()
		if !ok {
			m.logger.DebugContext(ctx, "heartbeat ack with nothing pending")
			return nil
		}
		m.latency.Store(int64(rtt))
		m.metrics.heartbeatAcked(rtt)
		for _, w := range m.pingWaiters {
			w <- pingResult{rtt: rtt}
		}
		m.pingWaiters = nil
	default:
		m.logger.DebugContext(ctx, "unhandled gateway opcode", "op", f.Op.String())
	}
	return nil
}

func (m *Manager) handleHello(ctx context.Context, f Frame) {
	var hello helloPayload
	if err := json.Unmarshal(f.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		m.logger.ErrorContext(
			ctx,
			"invalid hello payload",
			tint.Err(err),
			"data", string(f.D),
		)
		return
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	m.logger.DebugContext(ctx, "received hello", "heartbeat_interval", interval)

	m.heartbeat.Start(interval)
	if err := m.beat(ctx); err != nil {
		m.logger.ErrorContext(ctx, "error sending first heartbeat", tint.Err(err))
	}

	if m.State() == StateResuming {
		m.sendResume(ctx)
	} else {
		m.sendIdentify(ctx)
	}
}

func (m *Manager) handleInvalidSession(ctx context.Context, f Frame) error {
	var resumable bool
	_ = json.Unmarshal(f.D, &resumable)

	m.logger.WarnContext(ctx, "gateway invalidated session", "resumable", resumable)
	if resumable {
		if m.session.Valid() {
			m.setState(StateResuming)
			m.sendResume(ctx)
		} else {
			m.sendIdentify(ctx)
		}
		return nil
	}

	m.session.Reset()
	m.teardown(reasonSessionInvalidated, closeReconnect)
	m.setState(StateDisconnected)
	return m.scheduleReconnect(ctx, reasonSessionInvalidated)
}

func (m *Manager) handleDispatch(ctx context.Context, f Frame) {
	ev, err := decodeEvent(f.T, f.D)
	if err != nil {
		m.metrics.invalidEvent(f.T)
		if f.T == EventReady {
			// the connection stays unready until the heartbeat times out
			m.logger.ErrorContext(
				ctx,
				"dropping invalid READY, session not established",
				tint.Err(err),
				"state", m.State().String(),
			)
			return
		}
		m.logger.WarnContext(ctx, "dropping invalid dispatch", tint.Err(err))
		return
	}

	switch e := ev.(type) {
	case *Ready:
		m.session.RecordReady(e.SessionID, e.ResumeGatewayURL)
		m.mu.Lock()
		m.user = e.User
		m.application = e.Application
		m.guilds = make(map[string]struct{}, len(e.Guilds))
		m.mu.Unlock()
		m.connected(ctx, false)
	case *Resumed:
		m.connected(ctx, true)
	case *GuildCreate:
		m.mu.Lock()
		m.guilds[e.Guild.ID] = struct{}{}
		m.mu.Unlock()
	case *GuildDelete:
		m.mu.Lock()
		delete(m.guilds, e.Guild.ID)
		m.mu.Unlock()
	}

	m.router.Route(ctx, ev)
}

func (m *Manager) connected(ctx context.Context, resumed bool) {
	if !m.setState(StateConnected) {
		return
	}
	m.attempts = 0
	m.backoff.Reset()
	m.metrics.connected(resumed)
	m.logger.InfoContext(
		ctx,
		"gateway connected",
		"resumed", resumed,
		"session", m.session.Snapshot(),
	)
}

// beat sends a scheduled heartbeat. If the previous one was never acked
// the connection is considered dead, and is reconnected like any other
// lost connection.
func (m *Manager) beat(ctx context.Context) error {
	if err := m.heartbeat.Beat(); err != nil {
		m.logger.WarnContext(
			ctx,
			"heartbeat not acknowledged, reconnecting",
			"interval", m.heartbeat.Interval(),
		)
		m.teardown(reasonHeartbeatTimeout, 0)
		m.setState(StateDisconnected)
		return m.scheduleReconnect(ctx, reasonHeartbeatTimeout)
	}
	m.sendHeartbeat(ctx)
	return nil
}

func (m *Manager) sendHeartbeat(ctx context.Context) {
	var d any
	if seq, ok := m.session.Sequence(); ok {
		d = seq
	}
	if m.send(ctx, OpHeartbeat, d) {
		m.metrics.heartbeatSent()
	}
}

func (m *Manager) sendIdentify(ctx context.Context) {
	m.logger.InfoContext(ctx, "identifying", "shard", m.shard.String())
	m.send(
		ctx, OpIdentify, identifyPayload{
			Token:          m.token,
			Intents:        m.intents,
			Properties:     newIdentifyProperties(m.cfg.ClientName),
			Compress:       m.cfg.Compress,
			LargeThreshold: m.cfg.LargeThreshold,
			Shard:          m.shard.pair(),
		},
	)
}

func (m *Manager) sendResume(ctx context.Context) {
	snap := m.session.Snapshot()
	m.logger.InfoContext(ctx, "resuming session", "session", snap)
	m.send(
		ctx, OpResume, resumePayload{
			Token:     m.token,
			SessionID: snap.ID,
			Seq:       snap.Sequence,
			Shard:     m.shard.pair(),
		},
	)
}

// send encodes and writes a payload on the current connection. Errors
// are logged; a broken connection is dealt with when its disconnect
// arrives.
func (m *Manager) send(ctx context.Context, op Opcode, d any) bool {
	if m.conn == nil {
		m.logger.WarnContext(ctx, "not sending payload, no connection", "op", op.String())
		return false
	}
	data, err := m.codec.Encode(op, d)
	if err != nil {
		m.logger.ErrorContext(ctx, "error encoding payload", tint.Err(err))
		return false
	}
	if err = m.conn.transport.Send(ctx, data); err != nil {
		m.logger.WarnContext(
			ctx,
			"error sending payload",
			"op", op.String(),
			tint.Err(err),
		)
		return false
	}
	return true
}

func (m *Manager) ping(ctx context.Context, reply chan pingResult) {
	if m.conn == nil || m.heartbeat.C() == nil {
		reply <- pingResult{err: ErrNotConnected}
		return
	}
	if !m.heartbeat.Pending() {
		m.heartbeat.Sent()
		m.sendHeartbeat(ctx)
	}
	m.pingWaiters = append(m.pingWaiters, reply)
}

func (m *Manager) failPings(err error) {
	for _, w := range m.pingWaiters {
		w <- pingResult{err: err}
	}
	m.pingWaiters = nil
}

// shutdown closes the connection with a normal close code, which ends
// the session.
func (m *Manager) shutdown() {
	if m.State() != StateDisconnected || m.conn != nil {
		m.setState(StateClosing)
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.teardown(reasonShutdown, CloseNormal)
	m.failPings(ErrNotConnected)
	m.setState(StateDisconnected)

	m.mu.Lock()
	m.cancel = nil
	m.mu.Unlock()
}

// setState moves to the given state, logging and refusing transitions
// that aren't allowed.
func (m *Manager) setState(to State) bool {
	from := State(m.state.Load())
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		m.logger.Error(
			"invalid gateway state transition",
			"from", from.String(),
			"to", to.String(),
		)
		return false
	}
	m.state.Store(int32(to))
	m.metrics.setState(to)
	m.logger.Debug("gateway state changed", "from", from.String(), "to", to.String())
	return true
}

// On registers a handler for the named dispatch event.
func (m *Manager) On(name string, h Handler) {
	m.router.Register(name, h)
}

// Router returns the dispatch router, for typed registration with [Handle].
func (m *Manager) Router() *Router {
	return m.router
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// User returns a copy of the bot user from the last READY, or nil.
func (m *Manager) User() *discordgo.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Application returns a copy of the application from the last READY,
// or nil.
func (m *Manager) Application() *discordgo.Application {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.application == nil {
		return nil
	}
	a := *m.application
	return &a
}

// Guilds returns the sorted IDs of the guilds the bot is in.
func (m *Manager) Guilds() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.guilds))
	for id := range m.guilds {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) GuildCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.guilds)
}

func (m *Manager) SessionValid() bool {
	return m.session.Valid()
}

func (m *Manager) Session() SessionSnapshot {
	return m.session.Snapshot()
}

// Latency returns the round trip time of the last acknowledged heartbeat.
func (m *Manager) Latency() time.Duration {
	return time.Duration(m.latency.Load())
}

// Ping sends a heartbeat (or joins the one in flight) and waits for its
// acknowledgement, returning the round trip time.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	if !m.running.Load() || m.State() != StateConnected {
		return 0, ErrNotConnected
	}
	reply := make(chan pingResult, 1)
	select {
	case m.pingReq <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.rtt, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Reconnect asks the running connection to reconnect immediately,
// resuming the session.
func (m *Manager) Reconnect() error {
	if !m.running.Load() {
		return ErrNotConnected
	}
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
	return nil
}

// Close stops a running [Manager.Connect], closing the connection with a
// normal close code. It's a no-op if Connect isn't running.
func (m *Manager) Close() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}
