package disco

import (
	"context"
	"errors"
	"fmt"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// aiReplyHistoryTTL is how long the conversation behind a bot reply
	// can be continued by replying to it
	aiReplyHistoryTTL = 24 * time.Hour

	// aiMaxReplyHistories caps the number of reply snapshots kept
	aiMaxReplyHistories = 1000
)

var (
	ErrAIDisabled      = errors.New("AI is not configured")
	ErrEmptyCompletion = errors.New("the AI returned an empty response")
	ErrAIUnavailable   = errors.New("there seems to be a problem with the AI service")
)

// ChatCompletionClient is the part of the OpenAI client used by the AI
// bridge. It's here to enable testing/mocking.
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// Persona is a system prompt and example exchange, loaded from YAML and
// prepended to every conversation.
type Persona struct {
	System  string           `yaml:"system"`
	History []PersonaMessage `yaml:"history"`
}

type PersonaMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// loadPersona reads a Persona from the YAML file at path.
func loadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading persona file: %w", err)
	}
	var p Persona
	if err = yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("error parsing persona file %s: %w", path, err)
	}
	return &p, nil
}

// messages returns the persona as chat messages. History entries must
// alternate user/assistant, and exchanges where either side is empty are
// skipped.
func (p *Persona) messages() ([]openai.ChatCompletionMessage, error) {
	var msgs []openai.ChatCompletionMessage
	if p == nil {
		return msgs, nil
	}
	if s := strings.TrimSpace(p.System); s != "" {
		msgs = append(
			msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s},
		)
	}
	if len(p.History)%2 != 0 {
		return nil, fmt.Errorf(
			"persona history must be user/assistant pairs, got %d messages",
			len(p.History),
		)
	}
	for i := 0; i < len(p.History); i += 2 {
		user, assistant := p.History[i], p.History[i+1]
		if personaRole(user.Role) != openai.ChatMessageRoleUser ||
			personaRole(assistant.Role) != openai.ChatMessageRoleAssistant {
			return nil, fmt.Errorf(
				"persona history entry %d: expected user then assistant, got %q then %q",
				i, user.Role, assistant.Role,
			)
		}
		if strings.TrimSpace(user.Content) == "" || strings.TrimSpace(assistant.Content) == "" {
			continue
		}
		msgs = append(
			msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user.Content},
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: assistant.Content,
			},
		)
	}
	return msgs, nil
}

func personaRole(role string) string {
	switch strings.ToLower(role) {
	case "model", openai.ChatMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return strings.ToLower(role)
	}
}

// Conversation is the user/assistant history of a chat, not including
// the persona.
type Conversation []openai.ChatCompletionMessage

type conversationEntry struct {
	history Conversation
	expires time.Time
}

// AI bridges chat prompts to an OpenAI-compatible chat completion API.
//
// Conversations are tracked per subject (a channel+user pair) and expire
// after [AIConfig.SessionDuration] without activity. Each bot reply also
// gets a snapshot of the conversation it ended, so replying to an older
// answer continues from that point instead of the subject's latest state.
type AI struct {
	client         ChatCompletionClient
	config         *AIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	persona        []openai.ChatCompletionMessage
	metrics        *Metrics
	clock          clockwork.Clock

	mu       sync.Mutex
	sessions map[string]conversationEntry
	replies  map[string]conversationEntry
}

func newAI(
	config *AIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
	metrics *Metrics,
) *AI {
	a := &AI{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		clock:    clockwork.NewRealClock(),
		sessions: map[string]conversationEntry{},
		replies:  map[string]conversationEntry{},
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	a.requestLimiter = rate.NewLimiter(limit, 1)

	if config.Enabled() {
		clientCfg := openai.DefaultConfig(config.Token)
		if config.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
		}
		if httpClient != nil {
			clientCfg.HTTPClient = httpClient
		}
		a.client = openai.NewClientWithConfig(clientCfg)
	}
	return a
}

// LoadPersona loads the configured persona file, if any.
func (a *AI) LoadPersona() error {
	if a.config.PersonaFile == "" {
		return nil
	}
	p, err := loadPersona(a.config.PersonaFile)
	if err != nil {
		return err
	}
	msgs, err := p.messages()
	if err != nil {
		return err
	}
	a.persona = msgs
	a.logger.Info(
		"loaded persona",
		"file", a.config.PersonaFile,
		"messages", len(msgs),
	)
	return nil
}

func (a *AI) Enabled() bool {
	return a != nil && a.client != nil
}

// replyKey identifies the snapshot for a bot reply
func replyKey(channelID, messageID string) string {
	return channelID + "/" + messageID
}

// HasReplyHistory reports whether the given message is a bot reply whose
// conversation can be continued.
func (a *AI) HasReplyHistory(channelID, messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.replies[replyKey(channelID, messageID)]
	return ok && a.clock.Now().Before(e.expires)
}

// Remember saves the conversation as the history behind a bot reply.
func (a *AI) Remember(channelID, messageID string, c Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	if len(a.replies) >= aiMaxReplyHistories {
		a.evictOldestReplyLocked()
	}
	a.replies[replyKey(channelID, messageID)] = conversationEntry{
		history: c,
		expires: a.clock.Now().Add(aiReplyHistoryTTL),
	}
}

// history returns a copy of the conversation to continue: the reply
// snapshot if replyTo is set and known, otherwise the subject's current
// conversation. An expired subject conversation starts over.
func (a *AI) history(subject string, replyTo string) (Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	if replyTo != "" {
		if e, ok := a.replies[replyTo]; ok {
			return append(Conversation{}, e.history...), true
		}
	}
	if e, ok := a.sessions[subject]; ok {
		return append(Conversation{}, e.history...), false
	}
	return Conversation{}, false
}

func (a *AI) pruneLocked() {
	now := a.clock.Now()
	for k, e := range a.sessions {
		if !now.Before(e.expires) {
			delete(a.sessions, k)
		}
	}
	for k, e := range a.replies {
		if !now.Before(e.expires) {
			delete(a.replies, k)
		}
	}
}

func (a *AI) evictOldestReplyLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range a.replies {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey = k
			oldest = e.expires
		}
	}
	delete(a.replies, oldestKey)
}

// trimHistory keeps at most limit messages, always starting with a user
// message.
func trimHistory(c Conversation, limit int) Conversation {
	if limit <= 0 || len(c) <= limit {
		return c
	}
	c = c[len(c)-limit:]
	for len(c) > 0 && c[0].Role != openai.ChatMessageRoleUser {
		c = c[1:]
	}
	return c
}

// Generate sends prompt as the next message in the subject's conversation,
// or in the conversation behind the bot reply replyTo (a replyKey), and
// returns the response along with the updated conversation.
//
// Continuing a reply snapshot doesn't change the subject's conversation.
func (a *AI) Generate(
	ctx context.Context,
	subject string,
	replyTo string,
	prompt string,
) (string, Conversation, error) {
	if !a.Enabled() {
		return "", nil, ErrAIDisabled
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = a.logger
	}

	history, fromReply := a.history(subject, replyTo)
	history = append(
		history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt},
	)
	history = trimHistory(history, a.config.HistorySize)

	messages := make([]openai.ChatCompletionMessage, 0, len(a.persona)+len(history))
	messages = append(messages, a.persona...)
	messages = append(messages, history...)

	response, err := a.complete(ctx, a.config.Model, messages)
	if err != nil && a.config.FallbackModel != "" && ctx.Err() == nil {
		logger.WarnContext(
			ctx,
			"completion failed, trying fallback model",
			tint.Err(err),
			"model", a.config.Model,
			"fallback_model", a.config.FallbackModel,
		)
		response, err = a.complete(ctx, a.config.FallbackModel, messages)
		if err != nil {
			logger.ErrorContext(ctx, "fallback completion failed", tint.Err(err))
			err = errors.Join(ErrAIUnavailable, err)
		}
	}
	if err != nil {
		return "", nil, err
	}

	history = append(
		history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: response},
	)
	if !fromReply {
		a.mu.Lock()
		a.sessions[subject] = conversationEntry{
			history: history,
			expires: a.clock.Now().Add(a.config.SessionDuration),
		}
		a.mu.Unlock()
	}
	return response, history, nil
}

func (a *AI) complete(
	ctx context.Context,
	model string,
	messages []openai.ChatCompletionMessage,
) (string, error) {
	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}
	if err := a.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	started := a.clock.Now()
	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
		},
	)
	a.metrics.aiRequest(model, err, a.clock.Now().Sub(started))
	if err != nil {
		return "", err
	}
	for _, choice := range resp.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			a.logger.DebugContext(
				ctx,
				"completion",
				"model", model,
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens,
			)
			return content, nil
		}
	}
	return "", ErrEmptyCompletion
}
