package disco

import (
	"context"
	"github.com/af-t/disco/gateway"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

// defaultAIPrompt is sent to the AI when the bot is mentioned with
// nothing else
const defaultAIPrompt = "Hi!"

func (b *Bot) handleReady(ctx context.Context, ev *gateway.Ready) {
	logger := b.contextLogger(ctx)
	logger.InfoContext(
		ctx,
		"logged in",
		"username", ev.User.Username,
		"user_id", ev.User.ID,
		"guilds", len(ev.Guilds),
		"session_id", ev.SessionID,
	)

	cfg := b.config.Discord
	if cfg.StartupMessage == "" || cfg.NotificationChannelID == "" {
		return
	}
	b.goTracked(
		func() {
			b.sendStartupMessage(ctx, cfg.NotificationChannelID, cfg.StartupMessage)
		},
	)
}

// sendStartupMessage announces the bot in the notification channel. It
// doesn't retry: a missed announcement isn't worth holding up startup.
func (b *Bot) sendStartupMessage(ctx context.Context, channelID, content string) {
	logger := b.contextLogger(ctx)
	_, err := b.discord.ChannelMessageSend(
		channelID,
		content,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending startup message", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "sent startup message", "channel_id", channelID)
}

func (b *Bot) handleResumed(ctx context.Context, _ *gateway.Resumed) {
	b.contextLogger(ctx).InfoContext(
		ctx,
		"session resumed",
		"guilds", b.gateway.GuildCount(),
	)
}

func (b *Bot) handleGuildCreate(ctx context.Context, ev *gateway.GuildCreate) {
	b.contextLogger(ctx).DebugContext(
		ctx,
		"guild available",
		"guild_id", ev.ID,
		"guild_name", ev.Name,
	)
}

func (b *Bot) handleGuildDelete(ctx context.Context, ev *gateway.GuildDelete) {
	b.contextLogger(ctx).InfoContext(
		ctx,
		"guild removed",
		"guild_id", ev.ID,
		"unavailable", ev.Unavailable,
	)
}

// handleMessageCreate saves the message, then routes it to a command or
// the AI, ignoring messages from bots.
func (b *Bot) handleMessageCreate(ctx context.Context, ev *gateway.MessageCreate) {
	m := ev.Message
	b.metrics.messageReceived()
	logger := b.contextLogger(ctx)

	b.goTracked(
		func() {
			saveCtx := context.WithoutCancel(ctx)
			if err := saveMessage(saveCtx, b.db, NewDiscordMessage(m)); err != nil {
				logger.ErrorContext(
					saveCtx,
					"error saving message",
					append(messageLogAttrs(m), tint.Err(err))...,
				)
			}
		},
	)

	if m.Author == nil || m.Author.Bot {
		return
	}
	logger.DebugContext(ctx, "message received", messageLogAttrs(m)...)

	route, ok := b.messageRouter().route(m)
	if !ok {
		return
	}
	cmd, ok := b.commands.Lookup(route.command)
	if !ok {
		return
	}
	cc := &CommandContext{
		Name:      route.command,
		Args:      route.args,
		Text:      route.text,
		Message:   m,
		Responder: newMessageResponder(b.discord, m),
	}
	b.runCommand(ctx, cmd, cc)
}

func (b *Bot) handleMessageDelete(ctx context.Context, ev *gateway.MessageDelete) {
	b.deleteMessages(ctx, ev.ChannelID, ev.ID)
}

func (b *Bot) handleMessageDeleteBulk(ctx context.Context, ev *gateway.MessageDeleteBulk) {
	b.deleteMessages(ctx, ev.ChannelID, ev.Messages...)
}

func (b *Bot) deleteMessages(ctx context.Context, channelID string, ids ...string) {
	logger := b.contextLogger(ctx)
	b.goTracked(
		func() {
			delCtx := context.WithoutCancel(ctx)
			n, err := deleteMessages(delCtx, b.db, channelID, ids...)
			if err != nil {
				logger.ErrorContext(
					delCtx,
					"error deleting messages",
					"channel_id", channelID,
					"message_ids", ids,
					tint.Err(err),
				)
				return
			}
			logger.DebugContext(
				delCtx,
				"deleted messages",
				"channel_id", channelID,
				"requested", len(ids),
				"deleted", n,
			)
		},
	)
}

// handleInteractionCreate logs the interaction, and runs the
// application command it names.
func (b *Bot) handleInteractionCreate(ctx context.Context, ev *gateway.InteractionCreate) {
	i := ev.Interaction
	logger := b.contextLogger(ctx).With(interactionLogAttrs(i)...)

	b.goTracked(
		func() {
			saveCtx := context.WithoutCancel(ctx)
			il, err := newInteractionLog(i)
			if err != nil {
				logger.WarnContext(saveCtx, "unable to log interaction", tint.Err(err))
				return
			}
			if _, err = b.db.Create(saveCtx, il); err != nil {
				logger.ErrorContext(saveCtx, "error saving interaction log", tint.Err(err))
			}
		},
	)

	name, args := interactionCommandArgs(i)
	if name == "" {
		logger.DebugContext(ctx, "ignoring interaction", "type", i.Type.String())
		return
	}
	cmd, ok := b.commands.Lookup(name)
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", name)
		return
	}
	cc := &CommandContext{
		Name:        name,
		Args:        args,
		Text:        strings.Join(args, " "),
		Interaction: i,
		Responder:   newInteractionResponder(b.discord, i),
	}
	b.runCommand(ctx, cmd, cc)
}

func (b *Bot) messageRouter() messageRouter {
	r := messageRouter{
		prefix:          b.config.Discord.CommandPrefix,
		aiName:          b.config.AI.Name,
		aiEnabled:       b.ai.Enabled(),
		commands:        b.commands,
		hasReplyHistory: b.ai.HasReplyHistory,
	}
	if u := b.gateway.User(); u != nil {
		r.botID = u.ID
	}
	return r
}

// messageRoute is the command a message invokes.
type messageRoute struct {
	command string
	args    []string
	text    string
}

// messageRouter decides which command, if any, a message invokes:
//
//  1. "<prefix>name args..." runs the named command
//  2. "<@bot> name args..." runs the named command. When name isn't a
//     command, the text after the mention goes to the AI.
//  3. A reply to one of the bot's AI answers goes to the AI.
//  4. Any other message mentioning the bot goes to the AI, with the
//     mention replaced by the AI's name.
//
// Routes 2 (for non-commands), 3 and 4 only apply when the AI is enabled.
type messageRouter struct {
	prefix          string
	botID           string
	aiName          string
	aiEnabled       bool
	commands        *CommandRegistry
	hasReplyHistory func(channelID, messageID string) bool
}

func (r messageRouter) route(m *discordgo.Message) (messageRoute, bool) {
	content := m.Content

	if r.prefix != "" && strings.HasPrefix(content, r.prefix) {
		return r.commandRoute(strings.TrimPrefix(content, r.prefix))
	}
	if r.botID == "" {
		return messageRoute{}, false
	}

	for _, mention := range r.mentions() {
		if !strings.HasPrefix(content, mention) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(content, mention))
		if route, ok := r.commandRoute(rest); ok {
			return route, true
		}
		if !r.aiEnabled {
			return messageRoute{}, false
		}
		if rest == "" {
			rest = defaultAIPrompt
		}
		return aiRoute(rest), true
	}

	if !r.aiEnabled {
		return messageRoute{}, false
	}

	if ref := m.MessageReference; ref != nil && r.hasReplyHistory != nil {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		if strings.TrimSpace(content) != "" && r.hasReplyHistory(channelID, ref.MessageID) {
			return aiRoute(content), true
		}
		return messageRoute{}, false
	}

	mentioned := false
	for _, mention := range r.mentions() {
		if strings.Contains(content, mention) {
			mentioned = true
			content = strings.ReplaceAll(content, mention, r.aiName)
		}
	}
	if mentioned {
		return aiRoute(strings.TrimSpace(content)), true
	}
	return messageRoute{}, false
}

// commandRoute parses "name args..." where name is a registered command.
func (r messageRouter) commandRoute(s string) (messageRoute, bool) {
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return messageRoute{}, false
	}
	name := strings.ToLower(fields[0])
	if _, ok := r.commands.Lookup(name); !ok {
		return messageRoute{}, false
	}
	return messageRoute{
		command: name,
		args:    fields[1:],
		text:    strings.TrimSpace(s[len(fields[0]):]),
	}, true
}

func (r messageRouter) mentions() []string {
	return []string{"<@" + r.botID + ">", "<@!" + r.botID + ">"}
}

func aiRoute(text string) messageRoute {
	return messageRoute{
		command: CommandGemini,
		args:    strings.Fields(text),
		text:    text,
	}
}
