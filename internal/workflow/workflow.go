// Package workflow implements the durable workflow engine: the store,
// resolvers, scheduler, resume builders and the router suppression query
// that together provide wait-for-reply / wait-until / cron semantics.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State is the lifecycle state shared by workflows and tasks.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateResolved  State = "resolved"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFailed || s == StateCancelled
}

// Task kinds understood by the engine. Unknown kinds are stored verbatim but
// never indexed or fired.
const (
	KindDiscordWaitForReply = "discord.wait_for_reply"
	KindTimeWaitUntil       = "time.wait_until"
	KindTimeCron            = "time.cron"
)

// Completion selects how a reactive workflow aggregates its tasks.
const (
	CompletionAll = "all"
	CompletionAny = "any"
)

const defaultDoneToken = "DONE"

var (
	// ErrNotFound is returned by store lookups for missing rows.
	ErrNotFound = errors.New("workflow: not found")
	// ErrInvalidDefinition is returned for malformed workflow definitions.
	ErrInvalidDefinition = errors.New("workflow: invalid definition")
	// ErrInvalidInput is returned for malformed task input.
	ErrInvalidInput = errors.New("workflow: invalid task input")
)

// Origin identifies the request that created a workflow.
type Origin struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Client    string `json:"client,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// ResumeTarget is where a reactive workflow's resume request is addressed.
type ResumeTarget struct {
	SessionID     string `json:"sessionId"`
	Client        string `json:"client"`
	MentionUserID string `json:"mentionUserId,omitempty"`
}

// ReactiveDefinition (version 2) suspends until its tasks aggregate.
type ReactiveDefinition struct {
	Origin       Origin       `json:"origin"`
	ResumeTarget ResumeTarget `json:"resumeTarget"`
	Summary      string       `json:"summary"`
	Completion   string       `json:"completion,omitempty"` // "all" (default) or "any"
}

// ScheduledDefinition (version 3) fires a job request on a schedule.
type ScheduledDefinition struct {
	Origin   *Origin  `json:"origin,omitempty"`
	Schedule Schedule `json:"schedule"`
	Job      JobSpec  `json:"job"`
}

// JobSpec describes the LLM job a scheduled workflow fires.
type JobSpec struct {
	Summary      string `json:"summary"`
	UserPrompt   string `json:"userPrompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	RequireDone  *bool  `json:"requireDone,omitempty"` // default true
	DoneToken    string `json:"doneToken,omitempty"`   // default "DONE"
}

// RequireDoneValue applies the default.
func (j JobSpec) RequireDoneValue() bool {
	return j.RequireDone == nil || *j.RequireDone
}

// DoneTokenValue applies the default.
func (j JobSpec) DoneTokenValue() string {
	if j.DoneToken == "" {
		return defaultDoneToken
	}
	return j.DoneToken
}

// Definition is the version-discriminated workflow definition: exactly one
// of Reactive (version 2) or Scheduled (version 3) is set.
type Definition struct {
	Reactive  *ReactiveDefinition
	Scheduled *ScheduledDefinition
}

// MarshalJSON flattens the active variant with its version tag.
func (d Definition) MarshalJSON() ([]byte, error) {
	switch {
	case d.Reactive != nil:
		return json.Marshal(struct {
			Version int `json:"version"`
			*ReactiveDefinition
		}{2, d.Reactive})
	case d.Scheduled != nil:
		return json.Marshal(struct {
			Version int `json:"version"`
			*ScheduledDefinition
		}{3, d.Scheduled})
	default:
		return nil, fmt.Errorf("%w: no variant set", ErrInvalidDefinition)
	}
}

// UnmarshalJSON dispatches on the version tag.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	switch head.Version {
	case 2:
		var v ReactiveDefinition
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		d.Reactive, d.Scheduled = &v, nil
	case 3:
		var v ScheduledDefinition
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		d.Reactive, d.Scheduled = nil, &v
	default:
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidDefinition, head.Version)
	}
	return nil
}

// Validate checks the definition shape. nowMs anchors wait_for schedules
// whose runAtMs has not been computed yet.
func (d *Definition) Validate(nowMs int64) error {
	switch {
	case d.Reactive != nil:
		r := d.Reactive
		if r.ResumeTarget.SessionID == "" {
			return fmt.Errorf("%w: resumeTarget.sessionId is required", ErrInvalidDefinition)
		}
		if r.ResumeTarget.Client == "" {
			return fmt.Errorf("%w: resumeTarget.client is required", ErrInvalidDefinition)
		}
		switch r.Completion {
		case "", CompletionAll, CompletionAny:
		default:
			return fmt.Errorf("%w: completion must be %q or %q", ErrInvalidDefinition, CompletionAll, CompletionAny)
		}
		return nil
	case d.Scheduled != nil:
		s := d.Scheduled
		if s.Job.UserPrompt == "" {
			return fmt.Errorf("%w: job.userPrompt is required", ErrInvalidDefinition)
		}
		return s.Schedule.validate(nowMs)
	default:
		return fmt.Errorf("%w: no variant set", ErrInvalidDefinition)
	}
}

// CompletionValue returns the aggregation mode with its default applied.
func (r *ReactiveDefinition) CompletionValue() string {
	if r.Completion == "" {
		return CompletionAll
	}
	return r.Completion
}

// WaitUntilSchedule fires once at an absolute time.
type WaitUntilSchedule struct {
	RunAtMs int64 `json:"runAtMs"`
}

// WaitForSchedule fires once after a relative delay.
type WaitForSchedule struct {
	DelayMs     int64 `json:"delayMs"`
	CreatedAtMs int64 `json:"createdAtMs,omitempty"`
	RunAtMs     int64 `json:"runAtMs,omitempty"`
}

// CronSchedule fires repeatedly on a 5-field cron expression.
type CronSchedule struct {
	Expr       string `json:"expr"`
	Tz         string `json:"tz,omitempty"` // default UTC
	StartAtMs  int64  `json:"startAtMs,omitempty"`
	SkipMissed bool   `json:"skipMissed,omitempty"`
}

// Schedule is the mode-discriminated schedule variant: exactly one of
// WaitUntil, WaitFor or Cron is set.
type Schedule struct {
	WaitUntil *WaitUntilSchedule
	WaitFor   *WaitForSchedule
	Cron      *CronSchedule
}

const (
	scheduleModeWaitUntil = "wait_until"
	scheduleModeWaitFor   = "wait_for"
	scheduleModeCron      = "cron"
)

// MarshalJSON flattens the active variant with its mode tag.
func (s Schedule) MarshalJSON() ([]byte, error) {
	switch {
	case s.WaitUntil != nil:
		return json.Marshal(struct {
			Mode string `json:"mode"`
			*WaitUntilSchedule
		}{scheduleModeWaitUntil, s.WaitUntil})
	case s.WaitFor != nil:
		return json.Marshal(struct {
			Mode string `json:"mode"`
			*WaitForSchedule
		}{scheduleModeWaitFor, s.WaitFor})
	case s.Cron != nil:
		return json.Marshal(struct {
			Mode string `json:"mode"`
			*CronSchedule
		}{scheduleModeCron, s.Cron})
	default:
		return nil, fmt.Errorf("%w: schedule has no mode", ErrInvalidDefinition)
	}
}

// UnmarshalJSON dispatches on the mode tag.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var head struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	*s = Schedule{}
	switch head.Mode {
	case scheduleModeWaitUntil:
		var v WaitUntilSchedule
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		s.WaitUntil = &v
	case scheduleModeWaitFor:
		var v WaitForSchedule
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		s.WaitFor = &v
	case scheduleModeCron:
		var v CronSchedule
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		s.Cron = &v
	default:
		return fmt.Errorf("%w: unsupported schedule mode %q", ErrInvalidDefinition, head.Mode)
	}
	return nil
}

func (s *Schedule) validate(nowMs int64) error {
	switch {
	case s.WaitUntil != nil:
		if s.WaitUntil.RunAtMs <= 0 {
			return fmt.Errorf("%w: wait_until requires runAtMs", ErrInvalidDefinition)
		}
	case s.WaitFor != nil:
		w := s.WaitFor
		if w.DelayMs <= 0 {
			return fmt.Errorf("%w: wait_for requires delayMs > 0", ErrInvalidDefinition)
		}
		if w.CreatedAtMs == 0 {
			w.CreatedAtMs = nowMs
		}
		if w.RunAtMs == 0 {
			w.RunAtMs = w.CreatedAtMs + w.DelayMs
		}
	case s.Cron != nil:
		if s.Cron.Expr == "" {
			return fmt.Errorf("%w: cron requires expr", ErrInvalidDefinition)
		}
		if _, err := NextCronFireMs(*s.Cron, nowMs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: schedule has no mode", ErrInvalidDefinition)
	}
	return nil
}

// Kind returns the trigger task kind for this schedule.
func (s *Schedule) Kind() string {
	if s.Cron != nil {
		return KindTimeCron
	}
	return KindTimeWaitUntil
}

// Workflow is the unit of suspension and resume.
type Workflow struct {
	ID                string
	State             State
	Definition        Definition
	ResumeSeq         int64
	CreatedAt         int64 // unix millis
	UpdatedAt         int64
	ResolvedAt        *int64
	ResumePublishedAt *int64
}

// IndexFields are query columns derived from a task's input at insert time.
// They exist solely to make store lookups cheap; Input stays the source of
// truth.
type IndexFields struct {
	DiscordChannelID  string
	DiscordMessageID  string
	DiscordFromUserID string
	TimeoutAt         *int64
}

// Task is one atomic suspension point within a workflow.
type Task struct {
	WorkflowID  string
	ID          string
	Kind        string
	Description string
	State       State
	Input       json.RawMessage
	Result      json.RawMessage
	CreatedAt   int64 // unix millis
	UpdatedAt   int64
	ResolvedAt  *int64
	ResolvedBy  string
	Index       IndexFields
}

// RequestID builds the engine request id for a resume sequence value.
// Engine-produced ids never collide with adapter-produced "discord:" ids.
func RequestID(workflowID string, resumeSeq int64) string {
	return fmt.Sprintf("wf:%s:%d", workflowID, resumeSeq)
}

// JobSessionID is the synthetic session a scheduled job runs in.
func JobSessionID(workflowID string) string {
	return "job:" + workflowID
}
