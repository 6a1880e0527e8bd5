package workflow

import (
	"testing"

	"github.com/dohr-michael/flowd/internal/bus"
)

func replyEvent(channelID, messageID, userID, replyTo string) bus.EvtAdapterMessageCreated {
	ev := bus.EvtAdapterMessageCreated{
		Platform:  "discord",
		ChannelID: channelID,
		MessageID: messageID,
		UserID:    userID,
		UserName:  "alice",
		Text:      "sounds good",
		Ts:        1_000,
	}
	if replyTo != "" {
		ev.Raw = map[string]any{"discord": map[string]any{"replyToMessageId": replyTo}}
	}
	return ev
}

func TestMatchReply_Match(t *testing.T) {
	anchor := ReplyAnchor{ChannelID: "c1", MessageID: "m1", FromUserID: "u1"}

	match := MatchReply(replyEvent("c1", "m2", "u1", "m1"), anchor)
	if match == nil {
		t.Fatal("expected match")
	}
	if match.ResolvedBy != "m2" {
		t.Fatalf("expected resolvedBy m2, got %q", match.ResolvedBy)
	}
	if match.Result.ReplyMessageID != "m2" || match.Result.ReplyUserID != "u1" {
		t.Fatalf("unexpected result: %+v", match.Result)
	}
	if match.Result.Text != "sounds good" {
		t.Fatalf("text lost: %q", match.Result.Text)
	}
}

func TestMatchReply_AnyUser(t *testing.T) {
	anchor := ReplyAnchor{ChannelID: "c1", MessageID: "m1"}
	if MatchReply(replyEvent("c1", "m2", "someone-else", "m1"), anchor) == nil {
		t.Fatal("expected match with unpinned user")
	}
}

func TestMatchReply_NoMatch(t *testing.T) {
	anchor := ReplyAnchor{ChannelID: "c1", MessageID: "m1", FromUserID: "u1"}

	cases := map[string]bus.EvtAdapterMessageCreated{
		"wrong platform": func() bus.EvtAdapterMessageCreated {
			ev := replyEvent("c1", "m2", "u1", "m1")
			ev.Platform = "slack"
			return ev
		}(),
		"wrong channel": replyEvent("c2", "m2", "u1", "m1"),
		"wrong user":    replyEvent("c1", "m2", "u2", "m1"),
		"not a reply":   replyEvent("c1", "m2", "u1", ""),
		"wrong anchor":  replyEvent("c1", "m2", "u1", "m9"),
	}
	for name, ev := range cases {
		if MatchReply(ev, anchor) != nil {
			t.Errorf("%s: expected no match", name)
		}
	}
}

func TestMatchReply_EmptyAnchorMessageNeverMatches(t *testing.T) {
	anchor := ReplyAnchor{ChannelID: "c1"}
	ev := replyEvent("c1", "m2", "u1", "m1")
	ev.Raw = map[string]any{"discord": map[string]any{"replyToMessageId": ""}}
	if MatchReply(ev, anchor) != nil {
		t.Fatal("empty anchor must never match")
	}
}

func TestReplyToMessageID(t *testing.T) {
	if got := ReplyToMessageID(map[string]any{"discord": map[string]any{"replyToMessageId": "m1"}}); got != "m1" {
		t.Fatalf("expected m1, got %q", got)
	}
	if got := ReplyToMessageID(map[string]any{"discord": map[string]any{}}); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ReplyToMessageID(nil); got != "" {
		t.Fatalf("expected empty for nil raw, got %q", got)
	}
	if got := ReplyToMessageID(map[string]any{"discord": "nope"}); got != "" {
		t.Fatalf("expected empty for malformed raw, got %q", got)
	}
}
