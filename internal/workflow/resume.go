package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dohr-michael/flowd/internal/bus"
)

// ResumeTrigger describes the adapter event (or synthetic timeout) that
// unblocked a reactive workflow. It is surfaced verbatim into the resume
// request so the agent knows what woke it.
type ResumeTrigger struct {
	Platform  string
	ChannelID string
	MessageID string
	UserID    string
	UserName  string
	Text      string
}

// BuildResumeMessages renders the [system, user] pair that re-enters a
// resolved reactive workflow as a fresh LLM request. Output is deterministic
// for a given workflow snapshot.
func BuildResumeMessages(w *Workflow, tasks []*Task, trigger ResumeTrigger) []bus.ChatMessage {
	def := w.Definition.Reactive

	var sys strings.Builder
	sys.WriteString("You are resuming work from a saved workflow.\n")
	fmt.Fprintf(&sys, "Workflow: %s\n", w.ID)
	sys.WriteString("Summary:\n")
	sys.WriteString(def.Summary)
	sys.WriteString("\n")
	sys.WriteString("Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&sys, "- [%s] %s (%s)\n", t.State, t.ID, t.Kind)
		if t.Description != "" {
			fmt.Fprintf(&sys, "  %s\n", t.Description)
		}
		if len(t.Result) > 0 {
			fmt.Fprintf(&sys, "  result: %s\n", compactJSON(t.Result))
		}
	}
	if mention := def.ResumeTarget.MentionUserID; mention != "" {
		if def.ResumeTarget.Client == "discord" {
			fmt.Fprintf(&sys, "When you respond, post to the resume target session and mention <@%s>.\n", mention)
		} else {
			fmt.Fprintf(&sys, "When you respond, post to the resume target session and mention @%s.\n", mention)
		}
	} else {
		sys.WriteString("When you respond, post to the resume target session.\n")
	}
	sys.WriteString("Do not assume prior chat history is available.")

	var usr strings.Builder
	usr.WriteString("Workflow trigger:\n")
	fmt.Fprintf(&usr, "[%s channel_id=%s message_id=%s user_id=%s]\n",
		trigger.Platform, trigger.ChannelID, trigger.MessageID, trigger.UserID)
	if trigger.UserName != "" {
		fmt.Fprintf(&usr, "user_name=%s\n", trigger.UserName)
	}
	usr.WriteString("\n")
	usr.WriteString(trigger.Text)

	return []bus.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: usr.String()},
	}
}

// BuildJobMessages renders the [system, user] pair for a scheduled trigger
// firing. firedAtMs is the logical fire time of this run.
func BuildJobMessages(w *Workflow, t *Task, firedAtMs int64) []bus.ChatMessage {
	job := w.Definition.Scheduled.Job

	var sys strings.Builder
	sys.WriteString("You are running a scheduled job.\n")
	fmt.Fprintf(&sys, "Workflow: %s\n", w.ID)
	fmt.Fprintf(&sys, "Task: %s\n", t.ID)
	fmt.Fprintf(&sys, "Run: %d\n", w.ResumeSeq)
	fmt.Fprintf(&sys, "FiredAt: %s\n", time.UnixMilli(firedAtMs).UTC().Format(time.RFC3339))
	sys.WriteString("Produce user-visible output only by invoking the surface send tool; plain assistant text is discarded.\n")
	if job.RequireDoneValue() {
		fmt.Fprintf(&sys, "When you are finished, respond with exactly '%s' and nothing else.\n", job.DoneTokenValue())
	}
	if job.SystemPrompt != "" {
		sys.WriteString(job.SystemPrompt)
	}

	usr := fmt.Sprintf("Job:\n%s\n\n%s", job.Summary, job.UserPrompt)

	return []bus.ChatMessage{
		{Role: "system", Content: strings.TrimRight(sys.String(), "\n")},
		{Role: "user", Content: usr},
	}
}

func compactJSON(raw json.RawMessage) string {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<unserializable>"
	}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return "<unserializable>"
	}
	return strings.TrimRight(buf.String(), "\n")
}
