package disco

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"log/slog"
	"strings"
	"time"
)

const (
	CommandHelp   = "help"
	CommandPing   = "ping"
	CommandAvatar = "avatar"
	CommandInfo   = "info"
	CommandGemini = "gemini"

	helpEmbedMaxLength = 3800
	helpContent        = "### Commands available"

	// discordMaxEmbeds is the maximum number of embeds in one message
	discordMaxEmbeds = 10

	noAvatarsFound = "No avatars found"
)

// CommandContext is a single invocation of a command.
type CommandContext struct {
	// Name is the name the command was invoked with, which may be an alias
	Name string

	// Args are the space-separated words after the command name
	Args []string

	// Text is everything after the command name, as it was sent
	Text string

	// Message is the message that invoked the command, nil for interactions
	Message *discordgo.Message

	// Interaction is the interaction that invoked the command, nil for messages
	Interaction *discordgo.Interaction

	Responder Responder
}

func (c *CommandContext) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", c.Name),
		slog.String("channel_id", c.Responder.ChannelID()),
	}
	if u := c.Responder.Author(); u != nil {
		attrs = append(attrs, slog.String("user_id", u.ID))
	}
	if c.Message != nil {
		attrs = append(attrs, slog.String("message_id", c.Message.ID))
	}
	if c.Interaction != nil {
		attrs = append(attrs, slog.String("interaction_id", c.Interaction.ID))
	}
	return slog.GroupValue(attrs...)
}

type CommandFunc func(ctx context.Context, cc *CommandContext) error

// Command is a text command, also reachable as an application command
// with the same name.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Run         CommandFunc
}

// CommandRegistry looks up commands by name or alias, case-insensitively.
type CommandRegistry struct {
	commands []*Command
	byName   map[string]*Command
}

func NewCommandRegistry(commands ...*Command) (*CommandRegistry, error) {
	r := &CommandRegistry{byName: map[string]*Command{}}
	for _, c := range commands {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds the command. Names and aliases must be unique.
func (r *CommandRegistry) Register(c *Command) error {
	if c.Name == "" || c.Run == nil {
		return fmt.Errorf("command %q: name and run func are required", c.Name)
	}
	names := append([]string{c.Name}, c.Aliases...)
	for _, name := range names {
		if _, exists := r.byName[strings.ToLower(name)]; exists {
			return fmt.Errorf("command %q: name %q already registered", c.Name, name)
		}
	}
	for _, name := range names {
		r.byName[strings.ToLower(name)] = c
	}
	r.commands = append(r.commands, c)
	return nil
}

func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	c, ok := r.byName[strings.ToLower(name)]
	return c, ok
}

// Commands returns the registered commands, in registration order.
func (r *CommandRegistry) Commands() []*Command {
	return append([]*Command{}, r.commands...)
}

func (b *Bot) defaultCommands() []*Command {
	return []*Command{
		{
			Name:        CommandHelp,
			Description: "displays a list of commands available",
			Run:         b.commandHelp,
		},
		{
			Name:        CommandPing,
			Description: "Check the bot's latency",
			Run:         b.commandPing,
		},
		{
			Name:        CommandAvatar,
			Aliases:     []string{"av"},
			Usage:       "avatar [users]",
			Description: "Displays the avatar of the user(s) specified",
			Run:         b.commandAvatar,
		},
		{
			Name:        CommandInfo,
			Description: "Displays information about the bot",
			Run:         b.commandInfo,
		},
		{
			Name:        CommandGemini,
			Aliases:     []string{"ai"},
			Usage:       "gemini <text>",
			Description: "Use " + b.config.AI.Name + " to generate text",
			Run:         b.commandAI,
		},
	}
}

// contextLogger returns the logger from ctx, or the bot's logger
func (b *Bot) contextLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	return b.logger
}

// runCommand runs the command in a new goroutine, so slow REST calls
// don't hold up the gateway.
func (b *Bot) runCommand(ctx context.Context, cmd *Command, cc *CommandContext) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.executeCommand(ctx, cmd, cc)
	}()
}

// executeCommand runs the command, recovering from panics.
func (b *Bot) executeCommand(
	ctx context.Context,
	cmd *Command,
	cc *CommandContext,
) (err error) {
	logger := b.logger.With(loggerNameKey, "commands", "command", cc)
	ctx = WithLogger(ctx, logger)

	ctx, span := b.tracer.Start(
		ctx,
		"command "+cmd.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("discord.command", cmd.Name),
			attribute.String("discord.channel_id", cc.Responder.ChannelID()),
		),
	)
	defer span.End()

	started := time.Now()
	defer func() {
		if rc := recover(); rc != nil {
			b.metrics.commandPanicked(cmd.Name)
			handleRecover(ctx, rc)
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, rc)
		}
		b.metrics.commandRan(cmd.Name, err, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(ctx, "command failed", tint.Err(err))
		} else {
			span.SetStatus(codes.Ok, "")
			logger.InfoContext(ctx, "command finished", "elapsed", time.Since(started))
		}
	}()

	logger.InfoContext(ctx, "running command", "args", cc.Args)
	return cmd.Run(ctx, cc)
}

// helpEmbeds lists the commands, starting a new embed once one reaches
// helpEmbedMaxLength.
func helpEmbeds(commands []*Command) []*discordgo.MessageEmbed {
	var embeds []*discordgo.MessageEmbed
	var embed *discordgo.MessageEmbed
	for _, cmd := range commands {
		if embed == nil {
			embed = &discordgo.MessageEmbed{Color: embedColorAvatar}
		}
		usage := cmd.Usage
		if usage == "" {
			usage = cmd.Name
		}
		description := cmd.Description
		if description == "" {
			description = "No description provided"
		}
		embed.Description += fmt.Sprintf("- %s\t-\t%s.\n", usage, description)
		if len(embed.Description) >= helpEmbedMaxLength {
			embeds = append(embeds, embed)
			embed = nil
		}
	}
	if embed != nil {
		embeds = append(embeds, embed)
	}
	return embeds
}

func (b *Bot) commandHelp(ctx context.Context, cc *CommandContext) error {
	embeds := helpEmbeds(b.commands.Commands())
	for i, chunk := range chunkItems(discordMaxEmbeds, embeds...) {
		data := &discordgo.MessageSend{Embeds: chunk}
		if i == 0 {
			data.Content = helpContent
		}
		if _, err := cc.Responder.Reply(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

func pingContent(wsPing, httpPing string) string {
	return fmt.Sprintf("Pong.\nWS Ping: `%s`\nHTTP Ping: `%s`", wsPing, httpPing)
}

func formatPing(d time.Duration, err error) string {
	if err != nil {
		return "n/a"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func (b *Bot) commandPing(ctx context.Context, cc *CommandContext) error {
	msg, err := cc.Responder.Reply(ctx, &discordgo.MessageSend{Content: "Pong."})
	if err != nil {
		return err
	}

	wsPing, wsErr := b.gateway.Ping(ctx)
	if wsErr != nil {
		b.logger.WarnContext(ctx, "gateway ping failed", tint.Err(wsErr))
	}

	httpStarted := time.Now()
	_, httpErr := b.discord.User("@me", discordgo.WithContext(ctx))
	httpPing := time.Since(httpStarted)
	if httpErr != nil {
		b.logger.WarnContext(ctx, "http ping failed", tint.Err(httpErr))
	}

	_, err = cc.Responder.Edit(
		ctx,
		msg,
		&discordgo.MessageSend{
			Content: pingContent(formatPing(wsPing, wsErr), formatPing(httpPing, httpErr)),
		},
	)
	return err
}

// avatarTargets returns the user IDs given as mentions or raw IDs.
func avatarTargets(args []string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, arg := range args {
		id, ok := mentionedUserID(arg)
		if !ok && isSnowflake(arg) {
			id, ok = arg, true
		}
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Bot) commandAvatar(ctx context.Context, cc *CommandContext) error {
	logger := b.contextLogger(ctx)
	ids := avatarTargets(cc.Args)
	guildID := cc.Responder.GuildID()

	if len(ids) == 0 && cc.Message != nil && cc.Message.MessageReference != nil {
		ref := cc.Message.MessageReference
		referenced, err := b.discord.ChannelMessage(
			ref.ChannelID,
			ref.MessageID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.WarnContext(ctx, "unable to fetch referenced message", tint.Err(err))
		} else if referenced.Author != nil {
			ids = append(ids, referenced.Author.ID)
			if ref.GuildID != "" {
				guildID = ref.GuildID
			}
		}
	}
	if len(ids) == 0 {
		if author := cc.Responder.Author(); author != nil {
			ids = append(ids, author.ID)
		}
	}
	if len(ids) > discordMaxEmbeds {
		ids = ids[:discordMaxEmbeds]
	}

	embeds := make([]*discordgo.MessageEmbed, 0, len(ids))
	for _, id := range ids {
		if embed := b.avatarEmbed(ctx, guildID, id); embed != nil {
			embeds = append(embeds, embed)
		}
	}

	if len(embeds) > 0 {
		_, err := cc.Responder.Reply(ctx, &discordgo.MessageSend{Embeds: embeds})
		if err == nil {
			return nil
		}
		logger.WarnContext(ctx, "unable to send avatars", tint.Err(err))
	}
	_, err := cc.Responder.Reply(ctx, &discordgo.MessageSend{Content: noAvatarsFound})
	return err
}

// avatarEmbed prefers the user's server avatar, falling back to their
// global avatar. Returns nil if the user can't be found.
func (b *Bot) avatarEmbed(ctx context.Context, guildID, userID string) *discordgo.MessageEmbed {
	logger := b.contextLogger(ctx)
	if guildID != "" {
		member, err := b.discord.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			logger.DebugContext(ctx, "unable to fetch member", tint.Err(err), "user_id", userID)
		} else if member.User != nil {
			if url, ok := memberAvatarURL(guildID, member); ok {
				return avatarEmbed(member.User, "Server Avatar", url)
			}
			return avatarEmbed(member.User, "User Avatar", userAvatarURL(member.User))
		}
	}
	user, err := b.discord.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "unable to fetch user", tint.Err(err), "user_id", userID)
		return nil
	}
	return avatarEmbed(user, "User Avatar", userAvatarURL(user))
}

func (b *Bot) commandInfo(ctx context.Context, cc *CommandContext) error {
	info, err := collectSystemInfo(ctx)
	if err != nil {
		logger := b.contextLogger(ctx)
		logger.DebugContext(ctx, "some system info is unavailable", tint.Err(err))
	}
	botInfo := BotInfo{
		Version:    Version,
		Uptime:     time.Since(b.startedAt),
		ShardCount: b.config.Discord.ShardCount,
		Guilds:     b.gateway.GuildCount(),
	}
	_, err = cc.Responder.Reply(
		ctx,
		&discordgo.MessageSend{Embeds: systemInfoEmbeds(info, botInfo, b.gateway.User())},
	)
	return err
}
