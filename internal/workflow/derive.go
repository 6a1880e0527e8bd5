package workflow

import (
	"encoding/json"
	"fmt"
)

// WaitForReplyInput is the input of a discord.wait_for_reply task.
type WaitForReplyInput struct {
	ChannelID  string `json:"channelId"`
	MessageID  string `json:"messageId"`
	FromUserID string `json:"fromUserId,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// WaitUntilInput is the input of a time.wait_until trigger task.
type WaitUntilInput struct {
	RunAtMs int64 `json:"runAtMs"`
}

// CronInput is the input of a time.cron trigger task.
type CronInput = CronSchedule

// DeriveIndexFields computes the indexed query columns for a task from its
// kind-specific input. Unknown kinds derive nothing; the task is stored
// verbatim but never matched by indexed lookups.
func DeriveIndexFields(kind string, input json.RawMessage, nowMs int64) (IndexFields, error) {
	switch kind {
	case KindDiscordWaitForReply:
		var in WaitForReplyInput
		if err := json.Unmarshal(input, &in); err != nil {
			return IndexFields{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, kind, err)
		}
		if in.ChannelID == "" || in.MessageID == "" {
			return IndexFields{}, fmt.Errorf("%w: %s requires channelId and messageId", ErrInvalidInput, kind)
		}
		fields := IndexFields{
			DiscordChannelID:  in.ChannelID,
			DiscordMessageID:  in.MessageID,
			DiscordFromUserID: in.FromUserID,
		}
		if in.TimeoutMs > 0 {
			at := nowMs + in.TimeoutMs
			fields.TimeoutAt = &at
		}
		return fields, nil

	case KindTimeWaitUntil:
		var in WaitUntilInput
		if err := json.Unmarshal(input, &in); err != nil {
			return IndexFields{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, kind, err)
		}
		if in.RunAtMs <= 0 {
			return IndexFields{}, fmt.Errorf("%w: %s requires runAtMs", ErrInvalidInput, kind)
		}
		at := in.RunAtMs
		return IndexFields{TimeoutAt: &at}, nil

	case KindTimeCron:
		var in CronInput
		if err := json.Unmarshal(input, &in); err != nil {
			return IndexFields{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, kind, err)
		}
		if in.Expr == "" {
			return IndexFields{}, fmt.Errorf("%w: %s requires expr", ErrInvalidInput, kind)
		}
		at, err := NextCronFireMs(in, nowMs)
		if err != nil {
			return IndexFields{}, err
		}
		return IndexFields{TimeoutAt: &at}, nil

	default:
		return IndexFields{}, nil
	}
}
