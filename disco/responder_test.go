package disco

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func testInteraction() *discordgo.Interaction {
	return &discordgo.Interaction{
		ID:        "600000000000000006",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: testChannelID,
		GuildID:   testGuildID,
		Member: &discordgo.Member{
			User: &discordgo.User{ID: testUserID, Username: "someone"},
		},
		Data: discordgo.ApplicationCommandInteractionData{Name: CommandPing},
	}
}

func TestMessageResponder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newStubDiscordSession()
	m := &discordgo.Message{
		ID:        "700000000000000007",
		ChannelID: testChannelID,
		GuildID:   testGuildID,
		Author:    &discordgo.User{ID: testUserID},
	}
	r := newMessageResponder(session, m)

	assert.Equal(t, testChannelID, r.ChannelID())
	assert.Equal(t, testGuildID, r.GuildID())
	assert.Equal(t, testUserID, r.Author().ID)

	reply, err := r.Reply(ctx, &discordgo.MessageSend{Content: "hi"})
	require.NoError(t, err)
	sent := session.waitSent(t)
	require.NotNil(t, sent.Reference)
	assert.Equal(t, m.ID, sent.Reference.MessageID)
	require.NotNil(t, sent.AllowedMentions)
	assert.Empty(t, sent.AllowedMentions.Parse)

	edited, err := r.Edit(ctx, reply, &discordgo.MessageSend{Content: "edited"})
	require.NoError(t, err)
	assert.Equal(t, "edited", edited.Content)
	assert.Equal(t, reply.ID, edited.ID)

	require.NoError(t, r.Typing(ctx))
	assert.Equal(t, 1, session.typingCount())

	require.NoError(t, r.Delete(ctx, reply))
	assert.Equal(t, []string{testChannelID + "/" + reply.ID}, session.deletedMessages())

	_, err = r.Edit(ctx, nil, &discordgo.MessageSend{})
	assert.ErrorIs(t, err, errNoReply)
	assert.ErrorIs(t, r.Delete(ctx, nil), errNoReply)
}

func TestInteractionResponder_ReplyThenFollowup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newStubDiscordSession()
	r := newInteractionResponder(session, testInteraction())

	assert.Equal(t, testUserID, r.Author().ID)

	first, err := r.Reply(ctx, &discordgo.MessageSend{Content: "Pong."})
	require.NoError(t, err)
	require.Len(t, session.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		session.responses[0].Type,
	)
	assert.Equal(t, "Pong.", session.responses[0].Data.Content)

	_, err = r.Edit(ctx, first, &discordgo.MessageSend{Content: "Pong!"})
	require.NoError(t, err)
	require.Len(t, session.webhookEdits, 1)
	assert.Equal(t, "Pong!", *session.webhookEdits[0].Content)

	second, err := r.Reply(ctx, &discordgo.MessageSend{Content: "more"})
	require.NoError(t, err)
	require.Len(t, session.followups, 1)
	assert.Equal(t, "more", session.followups[0].Content)

	// followups are edited and deleted as regular messages
	_, err = r.Edit(ctx, second, &discordgo.MessageSend{Content: "less"})
	require.NoError(t, err)
	assert.Len(t, session.edits, 1)

	require.NoError(t, r.Delete(ctx, first))
	require.NoError(t, r.Delete(ctx, second))
	assert.Equal(
		t,
		[]string{"original", testChannelID + "/" + second.ID},
		session.deletedMessages(),
	)
}

func TestInteractionResponder_Deferred(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session := newStubDiscordSession()
	r := newInteractionResponder(session, testInteraction())

	require.NoError(t, r.Typing(ctx))
	require.NoError(t, r.Typing(ctx))
	require.Len(t, session.responses, 1, "only the first Typing defers")
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		session.responses[0].Type,
	)

	msg, err := r.Reply(ctx, &discordgo.MessageSend{Content: "done"})
	require.NoError(t, err)
	assert.Equal(t, "original", msg.ID)
	require.Len(t, session.webhookEdits, 1)
	assert.Equal(t, "done", *session.webhookEdits[0].Content)
	assert.NotNil(t, session.webhookEdits[0].Embeds)
	assert.Len(t, session.responses, 1)
}
