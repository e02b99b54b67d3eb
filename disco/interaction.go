package disco

import (
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Context       string `json:"context" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(i *discordgo.Interaction) (*InteractionLog, error) {
	u := getDiscordUser(i)
	if u == nil {
		return nil, fmt.Errorf("interaction %s has no user", i.ID)
	}
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       fmt.Sprint(i.Context),
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

func (l InteractionLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("interaction_id", l.InteractionID),
		slog.String("type", l.Type),
		slog.String("command", l.Command),
		slog.String("user_id", l.UserID),
		slog.String("channel_id", l.ChannelID),
	)
}

// interactionCommandArgs returns the command name and its option values,
// in the order they were given.
func interactionCommandArgs(i *discordgo.Interaction) (string, []string) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return "", nil
	}
	data := i.ApplicationCommandData()
	args := make([]string, 0, len(data.Options))
	for _, opt := range data.Options {
		if opt == nil || opt.Value == nil {
			continue
		}
		switch opt.Type {
		case discordgo.ApplicationCommandOptionUser,
			discordgo.ApplicationCommandOptionMentionable:
			args = append(args, userMention(fmt.Sprint(opt.Value)))
		default:
			args = append(args, fmt.Sprint(opt.Value))
		}
	}
	return data.Name, args
}
