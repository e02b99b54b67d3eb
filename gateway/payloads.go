package gateway

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"os"
	"runtime"
	"strings"
)

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyPayload struct {
	Token          string             `json:"token"`
	Intents        discordgo.Intent   `json:"intents"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
}

type resumePayload struct {
	Token     string  `json:"token"`
	SessionID string  `json:"session_id"`
	Seq       int64   `json:"seq"`
	Shard     *[2]int `json:"shard,omitempty"`
}

// Shard identifies which shard a connection serves. A zero Count omits
// the shard from identify and resume.
type Shard struct {
	ID    int `json:"id"`
	Count int `json:"count"`
}

func (s Shard) pair() *[2]int {
	if s.Count <= 0 {
		return nil
	}
	return &[2]int{s.ID, s.Count}
}

func (s Shard) String() string {
	return fmt.Sprintf("%d/%d", s.ID, s.Count)
}

func newIdentifyProperties(clientName string) identifyProperties {
	device, err := os.Hostname()
	if err != nil || device == "" {
		device = clientName
	}
	return identifyProperties{
		OS:      runtime.GOOS + " " + runtime.GOARCH,
		Browser: clientName,
		Device:  device,
	}
}

// gatewayURL appends the version and encoding query to a gateway base
// URL, e.g. wss://gateway.discord.gg?v=10&encoding=json
func gatewayURL(base string, version int) string {
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s?v=%d&encoding=json", base, version)
}
