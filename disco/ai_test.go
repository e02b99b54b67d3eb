package disco

import (
	"context"
	"errors"
	"fmt"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mockChatClient struct {
	mock.Mock
}

func (m *mockChatClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func completion(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
			},
		},
	}
}

func newTestAI(t *testing.T, client ChatCompletionClient) (*AI, clockwork.FakeClock) {
	t.Helper()
	cfg := DefaultTestConfig(t).AI
	cfg.Token = "test-ai-token"
	a := newAI(cfg, nil, slog.Default(), NewMetrics(prometheus.NewRegistry()))
	require.True(t, a.Enabled())
	a.client = client
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a.clock = clock
	return a, clock
}

// lastMessage matches a request whose final message has the given content.
func lastMessage(content string) any {
	return mock.MatchedBy(
		func(req openai.ChatCompletionRequest) bool {
			return len(req.Messages) > 0 && req.Messages[len(req.Messages)-1].Content == content
		},
	)
}

func TestAI_Disabled(t *testing.T) {
	t.Parallel()

	a := newAI(DefaultTestConfig(t).AI, nil, slog.Default(), nil)
	assert.False(t, a.Enabled())
	_, _, err := a.Generate(context.Background(), "s", "", "hi")
	assert.ErrorIs(t, err, ErrAIDisabled)

	var nilAI *AI
	assert.False(t, nilAI.Enabled())
}

func TestAI_SessionHistory(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	a, clock := newTestAI(t, client)
	ctx := context.Background()

	client.On("CreateChatCompletion", mock.Anything, lastMessage("hello")).
		Return(completion("hi there"), nil).Once()
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return len(req.Messages) == 3 &&
					req.Messages[0].Content == "hello" &&
					req.Messages[1].Content == "hi there" &&
					req.Messages[2].Content == "how are you?" &&
					req.Model == DefaultAIModel
			},
		),
	).Return(completion("  great  "), nil).Once()

	resp, conv, err := a.Generate(ctx, "subject", "", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp)
	assert.Len(t, conv, 2)

	resp, conv, err = a.Generate(ctx, "subject", "", "how are you?")
	require.NoError(t, err)
	assert.Equal(t, "great", resp)
	require.Len(t, conv, 4)
	assert.Equal(t, openai.ChatMessageRoleAssistant, conv[3].Role)

	// the session expires after SessionDuration without activity
	clock.Advance(a.config.SessionDuration)
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return len(req.Messages) == 1 && req.Messages[0].Content == "again"
			},
		),
	).Return(completion("who are you?"), nil).Once()
	_, conv, err = a.Generate(ctx, "subject", "", "again")
	require.NoError(t, err)
	assert.Len(t, conv, 2)

	client.AssertExpectations(t)
}

func TestAI_ReplyHistory(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	a, clock := newTestAI(t, client)
	ctx := context.Background()

	client.On("CreateChatCompletion", mock.Anything, lastMessage("one")).
		Return(completion("1"), nil).Once()
	client.On("CreateChatCompletion", mock.Anything, lastMessage("two")).
		Return(completion("2"), nil).Once()

	_, first, err := a.Generate(ctx, "subject", "", "one")
	require.NoError(t, err)
	a.Remember(testChannelID, "first", first)
	_, _, err = a.Generate(ctx, "subject", "", "two")
	require.NoError(t, err)

	assert.True(t, a.HasReplyHistory(testChannelID, "first"))
	assert.False(t, a.HasReplyHistory(testChannelID, "second"))

	// continuing the first reply ignores the later "two" exchange, and
	// leaves the subject's own conversation alone
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return len(req.Messages) == 3 && req.Messages[2].Content == "branch"
			},
		),
	).Return(completion("b"), nil).Once()
	_, conv, err := a.Generate(ctx, "other", replyKey(testChannelID, "first"), "branch")
	require.NoError(t, err)
	assert.Len(t, conv, 4)

	history, fromReply := a.history("subject", "")
	assert.False(t, fromReply)
	assert.Len(t, history, 4)
	history, _ = a.history("other", "")
	assert.Empty(t, history)

	clock.Advance(aiReplyHistoryTTL)
	assert.False(t, a.HasReplyHistory(testChannelID, "first"))

	client.AssertExpectations(t)
}

func TestAI_ReplyHistoryCapped(t *testing.T) {
	t.Parallel()

	a, clock := newTestAI(t, &mockChatClient{})
	for i := 0; i < aiMaxReplyHistories; i++ {
		a.Remember(testChannelID, fmt.Sprintf("m%d", i), Conversation{})
		clock.Advance(time.Millisecond)
	}
	a.Remember(testChannelID, "newest", Conversation{})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.replies, aiMaxReplyHistories)
	_, ok := a.replies[replyKey(testChannelID, "m0")]
	assert.False(t, ok, "oldest reply is evicted")
	_, ok = a.replies[replyKey(testChannelID, "newest")]
	assert.True(t, ok)
}

func TestAI_Fallback(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	a, _ := newTestAI(t, client)
	a.config.FallbackModel = "fallback-model"

	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(func(req openai.ChatCompletionRequest) bool { return req.Model == DefaultAIModel }),
	).Return(openai.ChatCompletionResponse{}, errors.New("overloaded")).Once()
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(func(req openai.ChatCompletionRequest) bool { return req.Model == "fallback-model" }),
	).Return(completion("from fallback"), nil).Once()

	resp, _, err := a.Generate(context.Background(), "s", "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(a.metrics.aiRequests.WithLabelValues(DefaultAIModel, "error")),
	)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(a.metrics.aiRequests.WithLabelValues("fallback-model", "ok")),
	)

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, errors.New("down")).Twice()
	_, _, err = a.Generate(context.Background(), "s2", "", "hi")
	assert.ErrorIs(t, err, ErrAIUnavailable)

	client.AssertExpectations(t)
}

func TestAI_EmptyCompletion(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	a, _ := newTestAI(t, client)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completion("   "), nil).Once()

	_, _, err := a.Generate(context.Background(), "s", "", "hi")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
	history, _ := a.history("s", "")
	assert.Empty(t, history, "failed exchanges aren't kept")
}

func TestTrimHistory(t *testing.T) {
	t.Parallel()

	user := func(s string) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: s}
	}
	bot := func(s string) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s}
	}
	c := Conversation{user("1"), bot("1"), user("2"), bot("2"), user("3")}

	assert.Equal(t, c, trimHistory(c, 0))
	assert.Equal(t, c, trimHistory(c, 10))
	assert.Equal(t, Conversation{user("2"), bot("2"), user("3")}, trimHistory(c, 3))
	assert.Equal(t, Conversation{user("3")}, trimHistory(c, 2))
}

func TestPersona(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "persona.yaml")
	require.NoError(
		t,
		os.WriteFile(
			path, []byte(`
system: You are a friendly bot.
history:
  - role: user
    content: who are you?
  - role: model
    content: I'm disco!
  - role: user
    content: ""
  - role: assistant
    content: skipped
`), 0o600,
		),
	)

	client := &mockChatClient{}
	a, _ := newTestAI(t, client)
	a.config.PersonaFile = path
	require.NoError(t, a.LoadPersona())
	require.Len(t, a.persona, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, a.persona[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, a.persona[2].Role)

	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return len(req.Messages) == 4 &&
					req.Messages[0].Content == "You are a friendly bot."
			},
		),
	).Return(completion("hello"), nil).Once()
	_, conv, err := a.Generate(context.Background(), "s", "", "hi")
	require.NoError(t, err)
	assert.Len(t, conv, 2, "the persona isn't part of the conversation")
	client.AssertExpectations(t)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(
		t,
		os.WriteFile(bad, []byte("history:\n  - role: user\n    content: hi\n"), 0o600),
	)
	a.config.PersonaFile = bad
	assert.Error(t, a.LoadPersona())

	a.config.PersonaFile = filepath.Join(dir, "missing.yaml")
	assert.Error(t, a.LoadPersona())
}
