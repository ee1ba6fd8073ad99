// Package ingest holds the pure, socket-free logic of the listener
// pipeline: message identifier derivation, FCFS claim key
// construction, bot-originated filtering, and ForwardJob normalization.
// Keeping these as plain functions lets internal/channels exercise them
// without a live socketmode connection.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ccdocs/master-relay/internal/categ"
)

// RawEvent is the listener's channel/socket-agnostic view of an
// incoming Slack event, already stripped of transport-specific fields.
type RawEvent struct {
	ChannelID    string
	ChannelName  string
	Text         string
	UserOrBotID  string
	IsBot        bool
	ClientMsgID  string // may be empty
	SourceTS     string
	ThreadTS     string // empty when not a thread reply
	IsEdit       bool
	Attachments  []map[string]any
	Files        []map[string]any
	BotIndex     int // originating bot identity
}

// ForwardJob is the normalized unit written to forwarding:jobs
// (see internal/queue for its wire encoding).
type ForwardJob struct {
	Type                string // "post" or "update"
	Category            string
	SourceChannelID     string
	SourceChannelName   string
	TargetChannelID     string
	User                string
	SourceTS            string
	ThreadTS            string
	IsThreadReply       bool
	Text                string
	Attachments         []map[string]any
	Files               []map[string]any
	OriginatingBotIndex int
}

// Identifier derives the message identifier for ev: prefer ClientMsgID,
// else a deterministic 16-hex-digit hash over
// (channel_id, user_or_bot_id, first 50 runes of text). The platform
// timestamp is never used as input — two receipts of the same logical
// message at different times must still collide here.
func Identifier(ev RawEvent) string {
	if ev.ClientMsgID != "" {
		return ev.ClientMsgID
	}
	return contentHash(ev.ChannelID, ev.UserOrBotID, ev.Text)
}

func contentHash(channelID, userOrBotID, text string) string {
	truncated := text
	if r := []rune(text); len(r) > 50 {
		truncated = string(r[:50])
	}
	sum := sha256.Sum256([]byte(channelID + "\x00" + userOrBotID + "\x00" + truncated))
	return hex.EncodeToString(sum[:])[:16]
}

// ClaimKey builds the fail-open claim key for an event: "fcfs:{msg|edit}:{channel_id}:{identifier}".
func ClaimKey(isEdit bool, channelID, identifier string) string {
	kind := "msg"
	if isEdit {
		kind = "edit"
	}
	return fmt.Sprintf("fcfs:%s:%s:%s", kind, channelID, identifier)
}

// ShouldDrop reports whether ev should be dropped before a claim is
// even attempted: ignored/unknown categories are
// always dropped; for every category except apptbk, bot-originated
// events are dropped too (apptbk forwards everything, including
// bot-originated traffic).
func ShouldDrop(category categ.Category, isBot bool) bool {
	if category == categ.Ignored || category == categ.Unknown {
		return true
	}
	if category != categ.Apptbk && isBot {
		return true
	}
	return false
}

// Normalize builds the ForwardJob for ev, resolving targetChannelID from
// category via the caller-supplied lookup (internal/config.MasterChannels.ForCategory).
func Normalize(ev RawEvent, category categ.Category, targetChannelID string) ForwardJob {
	jobType := "post"
	if ev.IsEdit {
		jobType = "update"
	}
	return ForwardJob{
		Type:                jobType,
		Category:            string(category),
		SourceChannelID:     ev.ChannelID,
		SourceChannelName:   ev.ChannelName,
		TargetChannelID:     targetChannelID,
		User:                ev.UserOrBotID,
		SourceTS:            ev.SourceTS,
		ThreadTS:            ev.ThreadTS,
		IsThreadReply:       ev.ThreadTS != "" && ev.ThreadTS != ev.SourceTS,
		Text:                ev.Text,
		Attachments:         ev.Attachments,
		Files:               ev.Files,
		OriginatingBotIndex: ev.BotIndex,
	}
}
