package disco

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"testing"
)

func newTestDB(t testing.TB) (*gorm.DB, DBI) {
	t.Helper()
	ctx := context.Background()
	db, err := openDB(ctx, DefaultTestConfig(t))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db, NewDatabase(db, nil, false)
}

func testDiscordMessage(channelID string, id int) DiscordMessage {
	return NewDiscordMessage(
		&discordgo.Message{
			ID:        fmt.Sprintf("8%017d", id),
			ChannelID: channelID,
			GuildID:   testGuildID,
			Content:   fmt.Sprintf("message %d", id),
			Author:    &discordgo.User{ID: testUserID, Username: "someone"},
		},
	)
}

func TestSaveMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, writeDB := newTestDB(t)

	m := testDiscordMessage(testChannelID, 1)
	require.NoError(t, saveMessage(ctx, writeDB, m))
	// replayed dispatches are ignored
	require.NoError(t, saveMessage(ctx, writeDB, m))

	var saved []DiscordMessage
	require.NoError(t, db.Find(&saved).Error)
	require.Len(t, saved, 1)
	assert.Equal(t, m.MessageID, saved[0].MessageID)
	assert.Equal(t, "message 1", saved[0].Content)
	assert.Equal(t, testUserID, saved[0].UserID)
	assert.NotZero(t, saved[0].CreatedAt)
}

func TestDeleteMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, writeDB := newTestDB(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, saveMessage(ctx, writeDB, testDiscordMessage(testChannelID, i)))
	}
	other := testDiscordMessage(testOtherID, 4)
	require.NoError(t, saveMessage(ctx, writeDB, other))

	n, err := deleteMessages(ctx, writeDB, testChannelID)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = deleteMessages(
		ctx,
		writeDB,
		testChannelID,
		testDiscordMessage(testChannelID, 1).MessageID,
		testDiscordMessage(testChannelID, 2).MessageID,
		other.MessageID,
		"unknown",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := listMessages(ctx, db, "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	// deleted messages are kept (soft-deleted), and not saved again
	require.NoError(t, saveMessage(ctx, writeDB, testDiscordMessage(testChannelID, 1)))
	remaining, err = listMessages(ctx, db, testChannelID, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, testDiscordMessage(testChannelID, 3).MessageID, remaining[0].MessageID)

	var count int64
	require.NoError(t, db.Unscoped().Model(&DiscordMessage{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)
}

func TestListMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, writeDB := newTestDB(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, saveMessage(ctx, writeDB, testDiscordMessage(testChannelID, i)))
	}
	require.NoError(t, saveMessage(ctx, writeDB, testDiscordMessage(testOtherID, 6)))

	all, err := listMessages(ctx, db, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, "message 6", all[0].Content, "newest first")

	limited, err := listMessages(ctx, db, testChannelID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "message 5", limited[0].Content)
	assert.Equal(t, "message 4", limited[1].Content)

	none, err := listMessages(ctx, db, "999999999999999999", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveInteractionLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, writeDB := newTestDB(t)

	il, err := newInteractionLog(testInteraction())
	require.NoError(t, err)
	assert.Equal(t, CommandPing, il.Command)
	assert.Equal(t, testUserID, il.UserID)

	_, err = writeDB.Create(ctx, il)
	require.NoError(t, err)

	var saved InteractionLog
	require.NoError(t, db.First(&saved).Error)
	assert.Equal(t, il.InteractionID, saved.InteractionID)
	assert.Equal(t, testChannelID, saved.ChannelID)

	_, err = newInteractionLog(&discordgo.Interaction{ID: "1"})
	assert.Error(t, err)
}

func TestGetDB_UnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := getDB("mysql", "", nil)
	assert.ErrorContains(t, err, "unsupported database type")
}
