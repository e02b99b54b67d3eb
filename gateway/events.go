package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
)

// ErrInvalidEvent is returned when a dispatch payload can't be decoded
// into its event type, or is missing required fields.
var ErrInvalidEvent = errors.New("invalid dispatch event")

// Dispatch event names.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventGuildCreate       = "GUILD_CREATE"
	EventGuildDelete       = "GUILD_DELETE"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageDelete     = "MESSAGE_DELETE"
	EventMessageDeleteBulk = "MESSAGE_DELETE_BULK"
	EventInteractionCreate = "INTERACTION_CREATE"
)

// Event is a decoded dispatch payload. The concrete type is one of the
// pointer types in this file; anything without a dedicated type arrives
// as an [*UnknownEvent].
//
// EventName must not dereference its receiver, so the name of a nil
// event pointer can be used for registration (see [Handle]).
type Event interface {
	EventName() string
}

// dispatchEvent is implemented by the typed events, which decode and
// validate themselves.
type dispatchEvent interface {
	Event
	decode(data json.RawMessage) error
	validate() error
}

var eventConstructors = map[string]func() dispatchEvent{
	EventReady:             func() dispatchEvent { return &Ready{} },
	EventResumed:           func() dispatchEvent { return &Resumed{} },
	EventGuildCreate:       func() dispatchEvent { return &GuildCreate{} },
	EventGuildDelete:       func() dispatchEvent { return &GuildDelete{} },
	EventMessageCreate:     func() dispatchEvent { return &MessageCreate{} },
	EventMessageDelete:     func() dispatchEvent { return &MessageDelete{} },
	EventMessageDeleteBulk: func() dispatchEvent { return &MessageDeleteBulk{} },
	EventInteractionCreate: func() dispatchEvent { return &InteractionCreate{} },
}

// decodeEvent builds the typed event for a dispatch frame. Names without
// a registered type return an [*UnknownEvent] holding the raw payload.
func decodeEvent(name string, data json.RawMessage) (Event, error) {
	ctor, ok := eventConstructors[name]
	if !ok {
		return &UnknownEvent{Name: name, Data: data}, nil
	}
	ev := ctor()
	if err := ev.decode(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, name, err)
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, name, err)
	}
	return ev, nil
}

func missingField(field string) error {
	return fmt.Errorf("missing %s", field)
}

// Ready is the first dispatch of a new session.
type Ready struct {
	discordgo.Ready
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

func (*Ready) EventName() string { return EventReady }

func (e *Ready) decode(data json.RawMessage) error {
	return json.Unmarshal(data, e)
}

func (e *Ready) validate() error {
	if e.SessionID == "" {
		return missingField("session_id")
	}
	if e.User == nil || e.User.ID == "" {
		return missingField("user.id")
	}
	return nil
}

// Resumed is sent once a resume has replayed all missed events.
type Resumed struct {
	Trace []string `json:"_trace,omitempty"`
}

func (*Resumed) EventName() string { return EventResumed }

func (e *Resumed) decode(data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, e)
}

func (*Resumed) validate() error { return nil }

// GuildCreate is sent for each guild after READY, and when the bot
// joins a guild.
type GuildCreate struct {
	*discordgo.Guild
}

func (*GuildCreate) EventName() string { return EventGuildCreate }

func (e *GuildCreate) decode(data json.RawMessage) error {
	e.Guild = &discordgo.Guild{}
	return json.Unmarshal(data, e.Guild)
}

func (e *GuildCreate) validate() error {
	if e.Guild.ID == "" {
		return missingField("id")
	}
	return nil
}

// GuildDelete is sent when the bot leaves a guild, or the guild becomes
// unavailable (Unavailable is set).
type GuildDelete struct {
	*discordgo.Guild
}

func (*GuildDelete) EventName() string { return EventGuildDelete }

func (e *GuildDelete) decode(data json.RawMessage) error {
	e.Guild = &discordgo.Guild{}
	return json.Unmarshal(data, e.Guild)
}

func (e *GuildDelete) validate() error {
	if e.Guild.ID == "" {
		return missingField("id")
	}
	return nil
}

type MessageCreate struct {
	*discordgo.Message
}

func (*MessageCreate) EventName() string { return EventMessageCreate }

func (e *MessageCreate) decode(data json.RawMessage) error {
	e.Message = &discordgo.Message{}
	return json.Unmarshal(data, e.Message)
}

func (e *MessageCreate) validate() error {
	if e.Message.ID == "" {
		return missingField("id")
	}
	if e.Message.ChannelID == "" {
		return missingField("channel_id")
	}
	return nil
}

// MessageDelete carries only the id, channel_id and guild_id of the
// deleted message.
type MessageDelete struct {
	*discordgo.Message
}

func (*MessageDelete) EventName() string { return EventMessageDelete }

func (e *MessageDelete) decode(data json.RawMessage) error {
	e.Message = &discordgo.Message{}
	return json.Unmarshal(data, e.Message)
}

func (e *MessageDelete) validate() error {
	if e.Message.ID == "" {
		return missingField("id")
	}
	if e.Message.ChannelID == "" {
		return missingField("channel_id")
	}
	return nil
}

type MessageDeleteBulk struct {
	discordgo.MessageDeleteBulk
}

func (*MessageDeleteBulk) EventName() string { return EventMessageDeleteBulk }

func (e *MessageDeleteBulk) decode(data json.RawMessage) error {
	return json.Unmarshal(data, &e.MessageDeleteBulk)
}

func (e *MessageDeleteBulk) validate() error {
	if e.ChannelID == "" {
		return missingField("channel_id")
	}
	return nil
}

type InteractionCreate struct {
	*discordgo.Interaction
}

func (*InteractionCreate) EventName() string { return EventInteractionCreate }

func (e *InteractionCreate) decode(data json.RawMessage) error {
	e.Interaction = &discordgo.Interaction{}
	return json.Unmarshal(data, e.Interaction)
}

func (e *InteractionCreate) validate() error {
	if e.Interaction.ID == "" {
		return missingField("id")
	}
	return nil
}

// UnknownEvent is any dispatch without a dedicated type.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

func (e *UnknownEvent) EventName() string {
	if e == nil {
		return ""
	}
	return e.Name
}
