package disco

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"time"
)

const (
	// discordMaxEmbedDescription is the embed description length limit
	discordMaxEmbedDescription = 4096

	aiTypingInterval  = 5 * time.Second
	aiErrorReplyLifes = 5 * time.Second
)

// aiSubject identifies a conversation: one per user per channel
func aiSubject(channelID, userID string) string {
	return channelID + userID
}

// commandAI queues the prompt for the AI bridge. Replying to a message
// makes its author the conversation's subject, and replying to one of the
// bot's AI answers continues that answer's conversation.
func (b *Bot) commandAI(ctx context.Context, cc *CommandContext) error {
	prompt := strings.TrimSpace(cc.Text)
	if prompt == "" {
		return nil
	}
	if !b.ai.Enabled() {
		_, err := cc.Responder.Reply(ctx, &discordgo.MessageSend{Content: ErrAIDisabled.Error()})
		return err
	}

	author := cc.Responder.Author()
	if author == nil {
		return errors.New("command has no author")
	}
	subject := aiSubject(cc.Responder.ChannelID(), author.ID)
	var replyTo string

	if cc.Message != nil && cc.Message.MessageReference != nil {
		ref := cc.Message.MessageReference
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = cc.Message.ChannelID
		}
		referenced, err := b.discord.ChannelMessage(
			channelID,
			ref.MessageID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			b.contextLogger(ctx).WarnContext(
				ctx,
				"unable to fetch referenced message",
				tint.Err(err),
			)
		} else if referenced.Author != nil {
			subject = aiSubject(referenced.ChannelID, referenced.Author.ID)
			if b.ai.HasReplyHistory(referenced.ChannelID, referenced.ID) {
				replyTo = replyKey(referenced.ChannelID, referenced.ID)
			}
		}
	}

	// interactions must be acknowledged within a few seconds, which a
	// queued request may not make
	if err := cc.Responder.Typing(ctx); err != nil {
		b.contextLogger(ctx).WarnContext(ctx, "error sending typing", tint.Err(err))
	}

	req := NewAIRequest(subject, replyTo, prompt, cc.Responder)
	if err := b.queue.Push(ctx, req); err != nil {
		_, replyErr := cc.Responder.Reply(ctx, &discordgo.MessageSend{Content: err.Error()})
		return errors.Join(err, replyErr)
	}
	return nil
}

// handleAIRequest generates the response for a queued request and replies
// with it, keeping the typing indicator up in the meantime.
func (b *Bot) handleAIRequest(ctx context.Context, req *AIRequest) error {
	logger := b.contextLogger(ctx)

	typingCtx, stopTyping := context.WithCancel(ctx)
	typingDone := make(chan struct{})
	go func() {
		defer close(typingDone)
		b.keepTyping(typingCtx, req.Responder)
	}()

	response, conversation, err := b.ai.Generate(ctx, req.Subject, req.ReplyTo, req.Prompt)
	stopTyping()
	<-typingDone

	if err != nil {
		logger.ErrorContext(ctx, "error generating response", tint.Err(err))
		b.replyTemporarily(ctx, req.Responder, err.Error())
		return err
	}

	msg, err := req.Responder.Reply(
		ctx,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Type:        discordgo.EmbedTypeRich,
					Description: shortenString(response, discordMaxEmbedDescription),
				},
			},
		},
	)
	if err != nil {
		return err
	}
	if msg != nil && msg.ID != "" {
		b.ai.Remember(msg.ChannelID, msg.ID, conversation)
	}
	return nil
}

// keepTyping sends a typing indicator now, and then every
// aiTypingInterval, until ctx is done.
func (b *Bot) keepTyping(ctx context.Context, r Responder) {
	ticker := time.NewTicker(aiTypingInterval)
	defer ticker.Stop()
	for {
		if err := r.Typing(ctx); err != nil && ctx.Err() == nil {
			b.contextLogger(ctx).WarnContext(ctx, "error sending typing", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// replyTemporarily replies with content, and deletes the reply after
// aiErrorReplyLifes.
func (b *Bot) replyTemporarily(ctx context.Context, r Responder, content string) {
	logger := b.contextLogger(ctx)
	msg, err := r.Reply(
		context.WithoutCancel(ctx),
		&discordgo.MessageSend{Content: truncate(content, discordMaxMessageLength)},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending error reply", tint.Err(err))
		return
	}
	b.wg.Add(1)
	time.AfterFunc(
		aiErrorReplyLifes, func() {
			defer b.wg.Done()
			if delErr := r.Delete(context.Background(), msg); delErr != nil {
				logger.Warn("error deleting error reply", tint.Err(delErr))
			}
		},
	)
}
