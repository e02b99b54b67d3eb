package disco

import (
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// avatarSize is the image size requested for avatar embeds
	avatarSize = "4096"

	embedColorAvatar = 0xc99630
)

// DiscordSessionHandler defines the Discord REST calls the bot makes.
// The gateway connection is handled separately, so this is a subset of
// `discordgo.Session` that's just enough to enable testing/mocking.
type DiscordSessionHandler interface {
	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds, references
	// and allowed mentions.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessage fetches a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the channel for ~10s
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// User fetches a user. "@me" returns the bot user.
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// GuildMember fetches a user's membership in a guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GatewayBot(options ...discordgo.RequestOption) (*discordgo.GatewayBotResponse, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction's response
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a message after the interaction
	// has already been responded to
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
// that's only used for REST calls.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// newDiscordSession creates a REST-only discordgo session for the bot token.
func newDiscordSession(
	config *DiscordConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*DiscordSession, error) {
	disc, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	disc.ShouldReconnectOnError = false
	disc.Identify.Intents = config.GatewayIntents
	if httpClient != nil {
		disc.Client = httpClient
	} else if config.httpClient != nil {
		disc.Client = config.httpClient
	}
	disc.LogLevel = discordgoLogLevel(config.DiscordGoLogLevel.Level())

	return &DiscordSession{session: disc, logger: logger}, nil
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
		)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

// DiscordMessage is a DB model which logs an incoming discord message
// received via MESSAGE_CREATE. Rows are removed when discord reports the
// message was deleted.
//
//nolint:lll // struct tags can't be split
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id" gorm:"uniqueIndex;not null"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id" gorm:"index"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	Bot                 bool   `json:"bot"`
	InteractionID       string `json:"interaction_id"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
		dm.Bot = user.Bot
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	if m.Interaction != nil {
		dm.InteractionID = m.Interaction.ID
	}
	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("global_name", m.GlobalName),
		slog.String("referenced_message_id", m.ReferencedMessageID),
		slog.String("content", m.Content),
	)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.Interaction) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// userMention returns the mention string for the user ID, ex: <@1234>
func userMention(userID string) string {
	return "<@" + userID + ">"
}

// mentionedUserID returns the user ID in a `<@id>` or `<@!id>` mention.
func mentionedUserID(s string) (string, bool) {
	if !strings.HasPrefix(s, "<@") || !strings.HasSuffix(s, ">") {
		return "", false
	}
	id := strings.TrimPrefix(strings.TrimSuffix(s[2:], ">"), "!")
	if !isSnowflake(id) {
		return "", false
	}
	return id, true
}

// isSnowflake reports whether s looks like a discord ID.
func isSnowflake(s string) bool {
	if len(s) < 15 || len(s) > 21 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// userAvatarURL returns the URL for the user's global avatar, or the
// default avatar if they haven't set one.
func userAvatarURL(u *discordgo.User) string {
	return u.AvatarURL(avatarSize)
}

// memberAvatarURL returns the URL for the member's guild-specific avatar.
// If the member has no guild avatar, ok is false.
func memberAvatarURL(guildID string, m *discordgo.Member) (string, bool) {
	if m == nil || m.Avatar == "" || m.User == nil {
		return "", false
	}
	ext := "png"
	if strings.HasPrefix(m.Avatar, "a_") {
		ext = "gif"
	}
	return fmt.Sprintf(
		"%sguilds/%s/users/%s/avatars/%s.%s?size=%s",
		discordgo.EndpointCDN,
		guildID,
		m.User.ID,
		m.Avatar,
		ext,
		avatarSize,
	), true
}

// avatarEmbed builds an embed showing the image at url, with the user as the
// embed's author.
func avatarEmbed(u *discordgo.User, title string, url string) *discordgo.MessageEmbed {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return &discordgo.MessageEmbed{
		Title: title,
		Color: embedColorAvatar,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    name,
			IconURL: u.AvatarURL(""),
		},
		Image: &discordgo.MessageEmbedImage{URL: url},
	}
}
