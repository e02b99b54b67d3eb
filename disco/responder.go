package disco

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"sync"
)

var errNoReply = errors.New("no reply to edit")

// Responder sends a command's output back to wherever the command came
// from: a channel message, or an application command interaction.
type Responder interface {
	// Reply sends a new message in response to the command
	Reply(ctx context.Context, data *discordgo.MessageSend) (*discordgo.Message, error)

	// Edit replaces the content and embeds of a message returned by Reply
	Edit(
		ctx context.Context,
		msg *discordgo.Message,
		data *discordgo.MessageSend,
	) (*discordgo.Message, error)

	// Delete deletes a message returned by Reply
	Delete(ctx context.Context, msg *discordgo.Message) error

	// Typing signals that a (slow) reply is being prepared
	Typing(ctx context.Context) error

	ChannelID() string
	GuildID() string
	Author() *discordgo.User
}

// noMentions suppresses all pings, including the replied-to user.
func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{},
	}
}

// messageResponder replies to a channel message.
type messageResponder struct {
	session DiscordSessionHandler
	message *discordgo.Message
}

func newMessageResponder(
	session DiscordSessionHandler,
	m *discordgo.Message,
) *messageResponder {
	return &messageResponder{session: session, message: m}
}

func (r *messageResponder) Reply(
	ctx context.Context,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	send := *data
	if send.Reference == nil {
		send.Reference = r.message.Reference()
	}
	if send.AllowedMentions == nil {
		send.AllowedMentions = noMentions()
	}
	return r.session.ChannelMessageSendComplex(
		r.message.ChannelID,
		&send,
		discordgo.WithContext(ctx),
	)
}

func (r *messageResponder) Edit(
	ctx context.Context,
	msg *discordgo.Message,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	if msg == nil {
		return nil, errNoReply
	}
	edit := discordgo.NewMessageEdit(msg.ChannelID, msg.ID).
		SetContent(data.Content).
		SetEmbeds(data.Embeds)
	edit.AllowedMentions = noMentions()
	return r.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
}

func (r *messageResponder) Delete(ctx context.Context, msg *discordgo.Message) error {
	if msg == nil {
		return errNoReply
	}
	return r.session.ChannelMessageDelete(
		msg.ChannelID,
		msg.ID,
		discordgo.WithContext(ctx),
	)
}

func (r *messageResponder) Typing(ctx context.Context) error {
	return r.session.ChannelTyping(r.message.ChannelID, discordgo.WithContext(ctx))
}

func (r *messageResponder) ChannelID() string {
	return r.message.ChannelID
}

func (r *messageResponder) GuildID() string {
	return r.message.GuildID
}

func (r *messageResponder) Author() *discordgo.User {
	return r.message.Author
}

type interactionState int

const (
	interactionPending interactionState = iota
	interactionDeferred
	interactionResponded
)

// interactionResponder replies to an application command interaction.
// The first reply is the interaction response (or fills in a deferred
// response started by Typing). Later replies are followup messages.
type interactionResponder struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
	mu          sync.Mutex
	state       interactionState
	original    *discordgo.Message
}

func newInteractionResponder(
	session DiscordSessionHandler,
	i *discordgo.Interaction,
) *interactionResponder {
	return &interactionResponder{session: session, interaction: i}
}

func (r *interactionResponder) Reply(
	ctx context.Context,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case interactionPending:
		err := r.session.InteractionRespond(
			r.interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content:         data.Content,
					Embeds:          data.Embeds,
					AllowedMentions: noMentions(),
				},
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, err
		}
		r.state = interactionResponded
		r.original = &discordgo.Message{
			ChannelID: r.interaction.ChannelID,
			Content:   data.Content,
			Embeds:    data.Embeds,
		}
		return r.original, nil
	case interactionDeferred:
		msg, err := r.session.InteractionResponseEdit(
			r.interaction,
			webhookEdit(data),
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, err
		}
		r.state = interactionResponded
		r.original = msg
		return msg, nil
	default:
		return r.session.FollowupMessageCreate(
			r.interaction,
			true,
			&discordgo.WebhookParams{
				Content:         data.Content,
				Embeds:          data.Embeds,
				AllowedMentions: noMentions(),
			},
			discordgo.WithContext(ctx),
		)
	}
}

func (r *interactionResponder) Edit(
	ctx context.Context,
	msg *discordgo.Message,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	if msg == nil {
		return nil, errNoReply
	}
	r.mu.Lock()
	isOriginal := msg == r.original
	r.mu.Unlock()

	if isOriginal {
		return r.session.InteractionResponseEdit(
			r.interaction,
			webhookEdit(data),
			discordgo.WithContext(ctx),
		)
	}
	edit := discordgo.NewMessageEdit(msg.ChannelID, msg.ID).
		SetContent(data.Content).
		SetEmbeds(data.Embeds)
	return r.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
}

func (r *interactionResponder) Delete(ctx context.Context, msg *discordgo.Message) error {
	if msg == nil {
		return errNoReply
	}
	r.mu.Lock()
	isOriginal := msg == r.original
	r.mu.Unlock()

	if isOriginal {
		return r.session.InteractionResponseDelete(r.interaction, discordgo.WithContext(ctx))
	}
	return r.session.ChannelMessageDelete(msg.ChannelID, msg.ID, discordgo.WithContext(ctx))
}

// Typing defers the interaction response, which shows a 'thinking'
// indicator until the first Reply.
func (r *interactionResponder) Typing(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != interactionPending {
		return nil
	}
	err := r.session.InteractionRespond(
		r.interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	r.state = interactionDeferred
	return nil
}

func (r *interactionResponder) ChannelID() string {
	return r.interaction.ChannelID
}

func (r *interactionResponder) GuildID() string {
	return r.interaction.GuildID
}

func (r *interactionResponder) Author() *discordgo.User {
	return getDiscordUser(r.interaction)
}

func webhookEdit(data *discordgo.MessageSend) *discordgo.WebhookEdit {
	content := data.Content
	embeds := data.Embeds
	if embeds == nil {
		embeds = []*discordgo.MessageEmbed{}
	}
	return &discordgo.WebhookEdit{
		Content:         &content,
		Embeds:          &embeds,
		AllowedMentions: noMentions(),
	}
}
