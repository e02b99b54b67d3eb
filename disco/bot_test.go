package disco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/af-t/disco/gateway"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubGatewayTransport is an in-memory gateway socket. Heartbeats are
// acknowledged as soon as they're sent.
type stubGatewayTransport struct {
	sent       chan gateway.Frame
	incoming   chan gateway.Message
	disconnect chan gateway.Disconnect
	closed     chan struct{}
	closeOnce  sync.Once
	seq        atomic.Int64
}

func newStubGatewayTransport() *stubGatewayTransport {
	return &stubGatewayTransport{
		sent:       make(chan gateway.Frame, 64),
		incoming:   make(chan gateway.Message, 64),
		disconnect: make(chan gateway.Disconnect, 1),
		closed:     make(chan struct{}),
	}
}

func (s *stubGatewayTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-s.closed:
		return gateway.ErrTransportClosed
	default:
	}
	var f gateway.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Op == gateway.OpHeartbeat {
		ack, _ := json.Marshal(gateway.Frame{Op: gateway.OpHeartbeatACK})
		s.incoming <- gateway.Message{Data: ack}
	}
	select {
	case s.sent <- f:
	default:
	}
	return nil
}

func (s *stubGatewayTransport) Receive() <-chan gateway.Message {
	return s.incoming
}

func (s *stubGatewayTransport) Disconnected() <-chan gateway.Disconnect {
	return s.disconnect
}

func (s *stubGatewayTransport) Close(int, string) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stubGatewayTransport) Terminate() error {
	return s.Close(0, "")
}

func (s *stubGatewayTransport) push(t testing.TB, op gateway.Opcode, name string, d any) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	f := gateway.Frame{Op: op, T: name, D: raw}
	if op == gateway.OpDispatch {
		n := s.seq.Add(1)
		f.S = &n
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	s.incoming <- gateway.Message{Data: data}
}

func (s *stubGatewayTransport) dispatch(t testing.TB, name string, d any) {
	t.Helper()
	s.push(t, gateway.OpDispatch, name, d)
}

// waitOp discards outbound frames until one with the given opcode is sent.
func (s *stubGatewayTransport) waitOp(t testing.TB, op gateway.Opcode) gateway.Frame {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case f := <-s.sent:
			if f.Op == op {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", op)
			return gateway.Frame{}
		}
	}
}

type stubGatewayDialer struct {
	transports chan *stubGatewayTransport
}

func newStubGatewayDialer() *stubGatewayDialer {
	return &stubGatewayDialer{transports: make(chan *stubGatewayTransport, 8)}
}

func (d *stubGatewayDialer) Dial(ctx context.Context, _ string) (gateway.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr := newStubGatewayTransport()
	d.transports <- tr
	return tr, nil
}

// connect completes the handshake of the next dialed transport.
func (d *stubGatewayDialer) connect(t testing.TB, b *Bot) *stubGatewayTransport {
	t.Helper()
	var tr *stubGatewayTransport
	select {
	case tr = <-d.transports:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the gateway to be dialed")
	}
	tr.push(t, gateway.OpHello, "", map[string]any{"heartbeat_interval": 41250})
	tr.waitOp(t, gateway.OpIdentify)
	tr.dispatch(
		t, gateway.EventReady, map[string]any{
			"v":                  10,
			"session_id":         "test-session",
			"resume_gateway_url": "wss://resume.example",
			"user":               map[string]any{"id": testBotID, "username": "disco", "bot": true},
			"application":        map[string]any{"id": testBotID},
			"guilds":             []any{},
		},
	)
	require.Eventually(
		t,
		func() bool { return b.Gateway().State() == gateway.StateConnected },
		testTimeout,
		time.Millisecond,
	)
	return tr
}

type botHarness struct {
	*Bot
	session *stubDiscordSession
	dialer  *stubGatewayDialer
	chat    *mockChatClient
}

// newTestBot builds a bot against stub REST and gateway connections and
// a temporary database. The AI bridge uses a mock client when
// cfg.AI.Token is set.
func newTestBot(t *testing.T, modify func(cfg *Config)) *botHarness {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = false
	if modify != nil {
		modify(cfg)
	}

	db, err := openDB(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)

	h := &botHarness{
		session: newStubDiscordSession(),
		dialer:  newStubGatewayDialer(),
		chat:    &mockChatClient{},
	}
	opts := []Option{
		WithDiscordSession(h.session),
		WithGatewayDialer(h.dialer),
		WithDB(db),
		WithRegistry(prometheus.NewRegistry()),
	}
	if cfg.AI.Token != "" {
		opts = append(opts, WithChatCompletionClient(h.chat))
	}
	b, err := New(cfg, opts...)
	require.NoError(t, err)
	h.Bot = b
	return h
}

// run starts the bot, and returns a func that stops it and returns the
// error from Run.
func (h *botHarness) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Run(ctx)
	}()
	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(
			func() {
				cancel()
				select {
				case runErr = <-errCh:
				case <-time.After(testTimeout):
					runErr = errors.New("Run did not return")
				}
			},
		)
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (d *stubDiscordSession) lastEdit() *discordgo.MessageEdit {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.edits) == 0 {
		return nil
	}
	return d.edits[len(d.edits)-1]
}

func (d *stubDiscordSession) lastMessageID() string {
	return fmt.Sprintf("9%017d", d.nextID.Load())
}

func messageData(id, content string) map[string]any {
	return map[string]any{
		"id":         id,
		"channel_id": testChannelID,
		"guild_id":   testGuildID,
		"content":    content,
		"author":     map[string]any{"id": testUserID, "username": "someone"},
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)

	cfg := DefaultTestConfig(t)
	cfg.Queue = nil
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestBot_RunInvalidConfig(t *testing.T) {
	t.Parallel()

	h := newTestBot(t, func(cfg *Config) { cfg.Discord.Token = "" })
	err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")
	select {
	case <-h.dialer.transports:
		t.Fatal("gateway shouldn't be dialed with an invalid config")
	default:
	}
}

func TestBot_Run(t *testing.T) {
	t.Parallel()

	h := newTestBot(
		t, func(cfg *Config) {
			cfg.AI.Token = "test-ai-token"
			cfg.API.Enabled = true
		},
	)
	h.chat.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completion("I'm fine, thanks"), nil)

	stop := h.run(t)
	tr := h.dialer.connect(t, h.Bot)

	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyRunning)
	assert.Equal(t, testBotID, h.Gateway().User().ID)
	tr.dispatch(t, gateway.EventGuildCreate, map[string]any{"id": testGuildID, "name": "guild"})
	require.Eventually(
		t,
		func() bool { return h.Gateway().GuildCount() == 1 },
		testTimeout,
		time.Millisecond,
	)

	// commands
	tr.dispatch(t, gateway.EventMessageCreate, messageData("700000000000000001", "!ping"))
	sent := h.session.waitSent(t)
	assert.Equal(t, "Pong.", sent.Content)
	require.Eventually(
		t,
		func() bool { return h.session.lastEdit() != nil },
		testTimeout,
		time.Millisecond,
	)
	edit := h.session.lastEdit()
	require.NotNil(t, edit.Content)
	assert.Contains(t, *edit.Content, "WS Ping: `")
	assert.NotContains(t, *edit.Content, "n/a")

	// messages mentioning the bot go to the AI
	tr.dispatch(
		t,
		gateway.EventMessageCreate,
		messageData("700000000000000002", userMention(testBotID)+" how are you?"),
	)
	sent = h.session.waitSent(t)
	require.Len(t, sent.Embeds, 1)
	assert.Equal(t, "I'm fine, thanks", sent.Embeds[0].Description)
	assert.Positive(t, h.session.typingCount())
	require.Eventually(
		t,
		func() bool { return h.ai.HasReplyHistory(testChannelID, h.session.lastMessageID()) },
		testTimeout,
		time.Millisecond,
	)

	// bots are logged, but ignored
	botMessage := messageData("700000000000000003", "!ping")
	botMessage["author"] = map[string]any{"id": testOtherID, "username": "other", "bot": true}
	tr.dispatch(t, gateway.EventMessageCreate, botMessage)

	db := h.db.DB()
	require.Eventually(
		t,
		func() bool {
			msgs, err := listMessages(context.Background(), db, testChannelID, 0)
			return err == nil && len(msgs) == 3
		},
		testTimeout,
		10*time.Millisecond,
	)

	tr.dispatch(
		t,
		gateway.EventMessageDelete,
		map[string]any{"id": "700000000000000001", "channel_id": testChannelID},
	)
	tr.dispatch(
		t,
		gateway.EventMessageDeleteBulk,
		map[string]any{
			"ids":        []string{"700000000000000002", "700000000000000003"},
			"channel_id": testChannelID,
		},
	)
	require.Eventually(
		t,
		func() bool {
			msgs, err := listMessages(context.Background(), db, testChannelID, 0)
			return err == nil && len(msgs) == 0
		},
		testTimeout,
		10*time.Millisecond,
	)

	// status API
	var addr string
	require.Eventually(
		t,
		func() bool {
			if a := h.API().Addr(); a != nil {
				addr = a.String()
				return true
			}
			return false
		},
		testTimeout,
		time.Millisecond,
	)
	resp, err := http.Get("http://" + addr + apiHealthCheck)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	require.NoError(t, stop())
	assert.Equal(t, gateway.StateDisconnected, h.Gateway().State())
	assert.Equal(t, 0, h.queue.Len())
	select {
	case <-tr.closed:
	default:
		t.Error("expected the gateway transport to be closed")
	}
}

func TestBot_Interaction(t *testing.T) {
	t.Parallel()

	h := newTestBot(t, nil)
	h.run(t)
	tr := h.dialer.connect(t, h.Bot)

	tr.dispatch(
		t, gateway.EventInteractionCreate, map[string]any{
			"id":             "600000000000000006",
			"application_id": testBotID,
			"type":           int(discordgo.InteractionApplicationCommand),
			"channel_id":     testChannelID,
			"guild_id":       testGuildID,
			"token":          "interaction-token",
			"member": map[string]any{
				"user": map[string]any{"id": testUserID, "username": "someone"},
			},
			"data": map[string]any{
				"id":   "1",
				"name": CommandHelp,
				"type": int(discordgo.ChatApplicationCommand),
			},
		},
	)

	require.Eventually(
		t,
		func() bool {
			h.session.mu.Lock()
			defer h.session.mu.Unlock()
			return len(h.session.responses) == 1
		},
		testTimeout,
		time.Millisecond,
	)
	h.session.mu.Lock()
	resp := h.session.responses[0]
	h.session.mu.Unlock()
	assert.Equal(t, helpContent, resp.Data.Content)
	assert.NotEmpty(t, resp.Data.Embeds)

	db := h.db.DB()
	require.Eventually(
		t,
		func() bool {
			var count int64
			err := db.Model(&InteractionLog{}).
				Where("command = ?", CommandHelp).
				Count(&count).Error
			return err == nil && count == 1
		},
		testTimeout,
		10*time.Millisecond,
	)
}

func TestBot_StartupMessage(t *testing.T) {
	t.Parallel()

	h := newTestBot(
		t, func(cfg *Config) {
			cfg.Discord.StartupMessage = "I'm back"
			cfg.Discord.NotificationChannelID = testChannelID
		},
	)
	h.run(t)
	h.dialer.connect(t, h.Bot)

	sent := h.session.waitSent(t)
	assert.Equal(t, "I'm back", sent.Content)
}

func TestBot_GatewayFatalClose(t *testing.T) {
	t.Parallel()

	h := newTestBot(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Run(ctx)
	}()
	tr := h.dialer.connect(t, h.Bot)

	// the bot stops with its gateway connection
	tr.disconnect <- gateway.Disconnect{Code: gateway.CloseAuthenticationFailed, Reason: "bad token"}
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, gateway.ErrFatalClose)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
	}
}
