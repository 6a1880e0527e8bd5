package workflow

import (
	"github.com/dohr-michael/flowd/internal/bus"
)

// ReplyAnchor is the message a wait_for_reply task is waiting on.
type ReplyAnchor struct {
	ChannelID  string
	MessageID  string
	FromUserID string // empty means any user
}

// ReplyResult is the resolution payload of a matched reply.
type ReplyResult struct {
	ChannelID      string         `json:"channelId"`
	ReplyMessageID string         `json:"replyMessageId"`
	ReplyUserID    string         `json:"replyUserId"`
	ReplyUserName  string         `json:"replyUserName,omitempty"`
	Text           string         `json:"text"`
	Ts             int64          `json:"ts"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// ReplyMatch is a successful match of an adapter event against an anchor.
type ReplyMatch struct {
	ResolvedBy string
	Result     ReplyResult
}

// MatchReply decides whether an adapter event is a strict reply to the
// anchor. The event must be a discord message whose replyToMessageId equals
// the anchor message, in the anchor channel, from the anchored user when one
// is set. Text is never inspected.
func MatchReply(ev bus.EvtAdapterMessageCreated, anchor ReplyAnchor) *ReplyMatch {
	if ev.Platform != "discord" {
		return nil
	}
	if ev.ChannelID == "" || ev.ChannelID != anchor.ChannelID {
		return nil
	}
	if ReplyToMessageID(ev.Raw) != anchor.MessageID || anchor.MessageID == "" {
		return nil
	}
	if anchor.FromUserID != "" && anchor.FromUserID != ev.UserID {
		return nil
	}
	return &ReplyMatch{
		ResolvedBy: ev.MessageID,
		Result: ReplyResult{
			ChannelID:      ev.ChannelID,
			ReplyMessageID: ev.MessageID,
			ReplyUserID:    ev.UserID,
			ReplyUserName:  ev.UserName,
			Text:           ev.Text,
			Ts:             ev.Ts,
			Raw:            ev.Raw,
		},
	}
}

// ReplyToMessageID extracts raw.discord.replyToMessageId from an adapter
// event payload, or "" when the event is not a reply.
func ReplyToMessageID(raw map[string]any) string {
	discord, ok := raw["discord"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := discord["replyToMessageId"].(string)
	return id
}
