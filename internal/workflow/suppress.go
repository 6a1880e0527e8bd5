package workflow

import (
	"fmt"

	"github.com/dohr-michael/flowd/internal/bus"
)

// SuppressionVerdict answers whether the surface router should swallow an
// inbound message because a workflow consumes (or just consumed) it.
type SuppressionVerdict struct {
	Suppress bool   `json:"suppress"`
	Reason   string `json:"reason,omitempty"`
}

// SuppressionQuery is the router-facing read-only query over the store.
type SuppressionQuery struct {
	store *Store
}

// NewSuppressionQuery creates the query.
func NewSuppressionQuery(store *Store) *SuppressionQuery {
	return &SuppressionQuery{store: store}
}

// ShouldSuppress checks an adapter event against wait_for_reply anchors. The
// lookup includes resolved tasks so a message arriving while the resolver is
// still committing is suppressed too, never double-delivered.
func (q *SuppressionQuery) ShouldSuppress(ev bus.EvtAdapterMessageCreated) (SuppressionVerdict, error) {
	if ev.Platform != "discord" {
		return SuppressionVerdict{}, nil
	}
	replyTo := ReplyToMessageID(ev.Raw)
	if replyTo == "" {
		return SuppressionVerdict{}, nil
	}

	candidates, err := q.store.ListDiscordWaitForReplyTasksByChannelIDAndMessageID(ev.ChannelID, replyTo)
	if err != nil {
		return SuppressionVerdict{}, fmt.Errorf("suppression lookup: %w", err)
	}

	for _, task := range candidates {
		if task.Index.DiscordChannelID == "" || task.Index.DiscordMessageID == "" {
			continue
		}
		anchor := ReplyAnchor{
			ChannelID:  task.Index.DiscordChannelID,
			MessageID:  task.Index.DiscordMessageID,
			FromUserID: task.Index.DiscordFromUserID,
		}
		if MatchReply(ev, anchor) != nil {
			return SuppressionVerdict{
				Suppress: true,
				Reason:   fmt.Sprintf("workflow:%s:%s", task.WorkflowID, task.ID),
			}, nil
		}
	}
	return SuppressionVerdict{}, nil
}
