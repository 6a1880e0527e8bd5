package workflow

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/flowd/internal/bus"
)

func scheduledWorkflow(id string, sched Schedule, nowMs int64) *Workflow {
	return &Workflow{
		ID:    id,
		State: StateBlocked,
		Definition: Definition{Scheduled: &ScheduledDefinition{
			Schedule: sched,
			Job:      JobSpec{Summary: "nightly check", UserPrompt: "check the backups"},
		}},
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
}

func triggerTask(workflowID, taskID, kind string, input json.RawMessage, timeoutAt, nowMs int64) *Task {
	return &Task{
		WorkflowID: workflowID,
		ID:         taskID,
		Kind:       kind,
		State:      StateBlocked,
		Input:      input,
		CreatedAt:  nowMs,
		UpdatedAt:  nowMs,
		Index:      IndexFields{TimeoutAt: &timeoutAt},
	}
}

func newTestScheduler(t *testing.T, nowMs int64) (*Scheduler, *Store, *bus.Bus) {
	t.Helper()
	store := newTestStore(t)
	b := bus.New(64)
	t.Cleanup(b.Close)
	s := NewScheduler(SchedulerConfig{Store: store, Bus: b, Now: fixedClock(nowMs)})
	return s, store, b
}

func requestMessages(b *bus.Bus) []bus.Message {
	return b.History(bus.TopicRequestCommand, 100)
}

func TestScheduler_WaitUntilFiresOnce(t *testing.T) {
	s, store, b := newTestScheduler(t, 5000)

	wf := scheduledWorkflow("wf-1", Schedule{WaitUntil: &WaitUntilSchedule{RunAtMs: 5000}}, 1000)
	if err := store.UpsertWorkflow(wf); err != nil {
		t.Fatalf("upsert workflow: %v", err)
	}
	input, _ := json.Marshal(WaitUntilInput{RunAtMs: 5000})
	if err := store.UpsertTask(triggerTask("wf-1", "t-1", KindTimeWaitUntil, input, 5000, 1000)); err != nil {
		t.Fatalf("upsert task: %v", err)
	}

	s.Tick(5000)

	requests := requestMessages(b)
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	req := requests[0]
	if req.Headers.RequestID != "wf:wf-1:1" {
		t.Fatalf("expected request id wf:wf-1:1, got %q", req.Headers.RequestID)
	}
	if req.Headers.SessionID != "job:wf-1" {
		t.Fatalf("expected session job:wf-1, got %q", req.Headers.SessionID)
	}
	if req.Headers.RequestClient != "unknown" {
		t.Fatalf("expected client unknown, got %q", req.Headers.RequestClient)
	}

	cmd, ok := bus.Extract[bus.CmdRequestMessage](req)
	if !ok {
		t.Fatal("malformed request payload")
	}
	if cmd.Queue != "prompt" {
		t.Fatalf("expected prompt queue, got %q", cmd.Queue)
	}
	if len(cmd.Messages) != 2 || cmd.Messages[0].Role != "system" || cmd.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", cmd.Messages)
	}
	if !strings.Contains(cmd.Messages[0].Content, "scheduled job") {
		t.Fatalf("system prompt missing job framing: %q", cmd.Messages[0].Content)
	}
	if cmd.Raw["workflowId"] != "wf-1" || cmd.Raw["taskId"] != "t-1" {
		t.Fatalf("raw metadata lost: %v", cmd.Raw)
	}

	task, err := store.GetTask("wf-1", "t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != StateResolved {
		t.Fatalf("expected resolved task, got %s", task.State)
	}
	if task.ResolvedBy != "time:5000" {
		t.Fatalf("expected resolvedBy time:5000, got %q", task.ResolvedBy)
	}

	got, err := store.GetWorkflow("wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.State != StateResolved || got.ResolvedAt == nil {
		t.Fatalf("expected resolved workflow, got %+v", got)
	}
	if got.ResumeSeq != 1 {
		t.Fatalf("expected resume seq 1, got %d", got.ResumeSeq)
	}

	// The workflow went running before the request was published.
	var sawRunning bool
	for _, m := range b.History(bus.TopicWorkflowEvent, 100) {
		if m.Type == bus.TypeWorkflowLifecycleChanged {
			ev, _ := bus.Extract[bus.EvtWorkflowLifecycleChanged](m)
			if ev.State == string(StateRunning) {
				sawRunning = true
				break
			}
		}
	}
	if !sawRunning {
		t.Fatal("expected a running lifecycle event")
	}

	// A later sweep must not fire the terminal trigger again.
	s.Tick(6000)
	if got := len(requestMessages(b)); got != 1 {
		t.Fatalf("expected no second request, got %d", got)
	}
}

func TestScheduler_NotDueYet(t *testing.T) {
	s, store, b := newTestScheduler(t, 4000)

	wf := scheduledWorkflow("wf-1", Schedule{WaitUntil: &WaitUntilSchedule{RunAtMs: 5000}}, 1000)
	if err := store.UpsertWorkflow(wf); err != nil {
		t.Fatalf("upsert workflow: %v", err)
	}
	input, _ := json.Marshal(WaitUntilInput{RunAtMs: 5000})
	if err := store.UpsertTask(triggerTask("wf-1", "t-1", KindTimeWaitUntil, input, 5000, 1000)); err != nil {
		t.Fatalf("upsert task: %v", err)
	}

	s.Tick(4000)

	if len(requestMessages(b)) != 0 {
		t.Fatal("expected no request before the deadline")
	}
	task, _ := store.GetTask("wf-1", "t-1")
	if task.State != StateBlocked {
		t.Fatalf("expected blocked task, got %s", task.State)
	}
}

func TestScheduler_CronReschedules(t *testing.T) {
	fireAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	s, store, b := newTestScheduler(t, fireAt)

	sched := Schedule{Cron: &CronSchedule{Expr: "0 * * * *"}}
	if err := store.UpsertWorkflow(scheduledWorkflow("wf-1", sched, 1000)); err != nil {
		t.Fatalf("upsert workflow: %v", err)
	}
	input, _ := json.Marshal(CronInput{Expr: "0 * * * *"})
	if err := store.UpsertTask(triggerTask("wf-1", "t-1", KindTimeCron, input, fireAt, 1000)); err != nil {
		t.Fatalf("upsert task: %v", err)
	}

	s.Tick(fireAt)

	if got := len(requestMessages(b)); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}

	task, err := store.GetTask("wf-1", "t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != StateBlocked {
		t.Fatalf("expected blocked task after tick, got %s", task.State)
	}
	nextHour := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if task.Index.TimeoutAt == nil || *task.Index.TimeoutAt != nextHour {
		t.Fatalf("expected next fire %d, got %v", nextHour, task.Index.TimeoutAt)
	}

	var result map[string]any
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["kind"] != "cron_tick" || result["requestId"] != "wf:wf-1:1" {
		t.Fatalf("unexpected result: %v", result)
	}

	wf, err := store.GetWorkflow("wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.State != StateBlocked {
		t.Fatalf("cron workflow must stay blocked, got %s", wf.State)
	}

	// Sweeps inside the same minute do not refire.
	s.Tick(fireAt + 1000)
	s.Tick(fireAt + 30_000)
	if got := len(requestMessages(b)); got != 1 {
		t.Fatalf("expected no refire within the window, got %d requests", got)
	}
}

func TestScheduler_TerminalWorkflowCancelsClaimedTrigger(t *testing.T) {
	s, store, b := newTestScheduler(t, 5000)

	wf := scheduledWorkflow("wf-1", Schedule{WaitUntil: &WaitUntilSchedule{RunAtMs: 5000}}, 1000)
	wf.State = StateCancelled
	if err := store.UpsertWorkflow(wf); err != nil {
		t.Fatalf("upsert workflow: %v", err)
	}
	input, _ := json.Marshal(WaitUntilInput{RunAtMs: 5000})
	if err := store.UpsertTask(triggerTask("wf-1", "t-1", KindTimeWaitUntil, input, 5000, 1000)); err != nil {
		t.Fatalf("upsert task: %v", err)
	}

	s.Tick(5000)

	if len(requestMessages(b)) != 0 {
		t.Fatal("cancelled workflow must not fire")
	}
	task, err := store.GetTask("wf-1", "t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != StateCancelled {
		t.Fatalf("expected cancelled task, got %s", task.State)
	}
	var result map[string]any
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["kind"] != "terminal" || result["workflowState"] != "cancelled" {
		t.Fatalf("unexpected result: %v", result)
	}

	got, err := store.GetWorkflow("wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.State != StateCancelled {
		t.Fatalf("workflow must stay cancelled, got %s", got.State)
	}
	all, err := store.ListWorkflows(0)
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(all) != 1 || all[0].ID != "wf-1" {
		t.Fatalf("cancelled workflow must stay listed, got %+v", all)
	}
}

func TestScheduler_ReactiveWorkflowFailsTrigger(t *testing.T) {
	s, store, b := newTestScheduler(t, 5000)

	if err := store.UpsertWorkflow(reactiveWorkflow("wf-1", 1000)); err != nil {
		t.Fatalf("upsert workflow: %v", err)
	}
	input, _ := json.Marshal(WaitUntilInput{RunAtMs: 5000})
	if err := store.UpsertTask(triggerTask("wf-1", "t-1", KindTimeWaitUntil, input, 5000, 1000)); err != nil {
		t.Fatalf("upsert task: %v", err)
	}

	s.Tick(5000)

	if len(requestMessages(b)) != 0 {
		t.Fatal("expected no request for a mis-defined trigger")
	}
	task, _ := store.GetTask("wf-1", "t-1")
	if task.State != StateFailed {
		t.Fatalf("expected failed task, got %s", task.State)
	}
	wf, _ := store.GetWorkflow("wf-1")
	if wf.State != StateFailed {
		t.Fatalf("expected failed workflow, got %s", wf.State)
	}
}
