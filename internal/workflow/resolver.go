package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/flowd/internal/bus"
)

// Resolution notifies the service that a task resolved. It flows through a
// channel rather than a direct call so aggregation never reenters a bus
// subscription handler.
type Resolution struct {
	WorkflowID string
	TaskID     string
	Trigger    ResumeTrigger
}

// ResolverConfig holds dependencies for the resolver.
type ResolverConfig struct {
	Store    *Store
	Bus      *bus.Bus
	Resolved chan<- Resolution
	Interval time.Duration    // timeout sweep interval (default 1s)
	Now      func() time.Time // injectable clock
}

// Resolver transitions tasks to resolved, either from matching adapter
// events (replies) or from elapsed deadlines. Scheduled time.* trigger tasks
// are not its business; the scheduler fires those.
type Resolver struct {
	store    *Store
	bus      *bus.Bus
	resolved chan<- Resolution
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		store:    cfg.Store,
		bus:      cfg.Bus,
		resolved: cfg.Resolved,
		interval: cfg.Interval,
		now:      cfg.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the timeout sweep loop.
func (r *Resolver) Start() {
	go r.timeoutLoop()
}

// Stop halts the timeout sweep loop.
func (r *Resolver) Stop() {
	close(r.done)
}

// HandleAdapterEvent matches an inbound adapter message against active
// wait_for_reply tasks in its channel and resolves the ones it answers.
// Re-delivery of an already-consumed message is a no-op.
func (r *Resolver) HandleAdapterEvent(ev bus.EvtAdapterMessageCreated) error {
	if ev.Platform != "discord" || ev.ChannelID == "" {
		return nil
	}

	candidates, err := r.store.ListActiveDiscordWaitForReplyTasksByChannelID(ev.ChannelID)
	if err != nil {
		return fmt.Errorf("list reply candidates: %w", err)
	}

	for _, candidate := range candidates {
		anchor := ReplyAnchor{
			ChannelID:  candidate.Index.DiscordChannelID,
			MessageID:  candidate.Index.DiscordMessageID,
			FromUserID: candidate.Index.DiscordFromUserID,
		}
		match := MatchReply(ev, anchor)
		if match == nil {
			continue
		}
		if err := r.resolveReply(candidate.WorkflowID, candidate.ID, match, ev); err != nil {
			slog.Error("resolver: resolve reply", "workflow_id", candidate.WorkflowID,
				"task_id", candidate.ID, "error", err)
		}
	}
	return nil
}

func (r *Resolver) resolveReply(workflowID, taskID string, match *ReplyMatch, ev bus.EvtAdapterMessageCreated) error {
	// Re-read for freshness; the candidate list may be stale.
	task, err := r.store.GetTask(workflowID, taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		// Idempotent: the same message resolving the same task twice is fine.
		return nil
	}

	nowMs := r.now().UnixMilli()
	result, err := json.Marshal(match.Result)
	if err != nil {
		return fmt.Errorf("encode reply result: %w", err)
	}

	task.State = StateResolved
	task.Result = result
	task.ResolvedBy = match.ResolvedBy
	task.ResolvedAt = &nowMs
	task.UpdatedAt = nowMs
	if err := r.store.UpsertTask(task); err != nil {
		return err
	}

	r.publishResolved(task, "reply received", nowMs)
	slog.Info("resolver: reply resolved task", "workflow_id", workflowID,
		"task_id", taskID, "message_id", match.ResolvedBy)

	r.notify(Resolution{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Trigger: ResumeTrigger{
			Platform:  ev.Platform,
			ChannelID: ev.ChannelID,
			MessageID: ev.MessageID,
			UserID:    ev.UserID,
			UserName:  ev.UserName,
			Text:      ev.Text,
		},
	})
	return nil
}

func (r *Resolver) timeoutLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepTimeouts(r.now().UnixMilli())
		}
	}
}

// sweepTimeouts resolves non-trigger tasks whose deadline elapsed. The
// timeout result is the only path that resolves a deadline-carrying task
// that never saw its event.
func (r *Resolver) sweepTimeouts(nowMs int64) {
	candidates, err := r.store.ListActiveTimeoutTasks(nowMs)
	if err != nil {
		slog.Error("resolver: list timeout tasks", "error", err)
		return
	}

	for _, candidate := range candidates {
		if candidate.Kind == KindTimeWaitUntil || candidate.Kind == KindTimeCron {
			continue // scheduled triggers belong to the scheduler
		}
		if err := r.resolveTimeout(candidate.WorkflowID, candidate.ID, nowMs); err != nil {
			slog.Error("resolver: resolve timeout", "workflow_id", candidate.WorkflowID,
				"task_id", candidate.ID, "error", err)
		}
	}
}

func (r *Resolver) resolveTimeout(workflowID, taskID string, nowMs int64) error {
	task, err := r.store.GetTask(workflowID, taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() || task.Index.TimeoutAt == nil || *task.Index.TimeoutAt > nowMs {
		return nil
	}

	result, err := json.Marshal(map[string]any{
		"kind":      "timeout",
		"timeoutAt": *task.Index.TimeoutAt,
		"ts":        nowMs,
	})
	if err != nil {
		return fmt.Errorf("encode timeout result: %w", err)
	}

	task.State = StateResolved
	task.Result = result
	task.ResolvedBy = fmt.Sprintf("timeout:%d", nowMs)
	task.ResolvedAt = &nowMs
	task.UpdatedAt = nowMs
	if err := r.store.UpsertTask(task); err != nil {
		return err
	}

	r.publishResolved(task, "timed out", nowMs)
	slog.Info("resolver: task timed out", "workflow_id", workflowID, "task_id", taskID)

	r.notify(Resolution{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Trigger:    ResumeTrigger{Text: "<timeout>"},
	})
	return nil
}

func (r *Resolver) publishResolved(task *Task, detail string, nowMs int64) {
	r.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskLifecycleChanged{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		State:      string(task.State),
		Detail:     detail,
		Ts:         nowMs,
	}, bus.Headers{}))
	r.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskResolved{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Result:     task.Result,
	}, bus.Headers{}))
}

func (r *Resolver) notify(res Resolution) {
	select {
	case r.resolved <- res:
	case <-r.done:
	}
}
