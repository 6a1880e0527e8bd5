package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/flowd/internal/bus"
)

// SchedulerConfig holds dependencies for the scheduler.
type SchedulerConfig struct {
	Store    *Store
	Bus      *bus.Bus
	Interval time.Duration    // sweep interval (default 1s)
	Now      func() time.Time // injectable clock
}

// Scheduler sweeps due time.wait_until / time.cron trigger tasks, claims
// them through the store lease and fires fresh job requests. One tick runs
// at a time; overlapping ticks are skipped.
type Scheduler struct {
	store    *Store
	bus      *bus.Bus
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	ticking  atomic.Bool
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		bus:      cfg.Bus,
		interval: cfg.Interval,
		now:      cfg.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start() {
	go s.loop()
	slog.Info("scheduler started", "interval", s.interval)
}

// Stop halts the sweep loop.
func (s *Scheduler) Stop() {
	close(s.done)
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Tick(s.now().UnixMilli())
		}
	}
}

// Tick runs one sweep at logical time nowMs. Per-candidate errors are logged
// and swallowed so one bad task cannot stall the sweep.
func (s *Scheduler) Tick(nowMs int64) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	candidates, err := s.store.ListActiveTimeoutTasks(nowMs)
	if err != nil {
		slog.Error("scheduler: list due tasks", "error", err)
		return
	}

	for _, candidate := range candidates {
		if candidate.Kind != KindTimeWaitUntil && candidate.Kind != KindTimeCron {
			continue
		}
		if err := s.fire(candidate.WorkflowID, candidate.ID, nowMs); err != nil {
			slog.Error("scheduler: fire", "workflow_id", candidate.WorkflowID,
				"task_id", candidate.ID, "error", err)
		}
	}
}

func (s *Scheduler) fire(workflowID, taskID string, nowMs int64) error {
	task, err := s.store.GetTask(workflowID, taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() || task.Index.TimeoutAt == nil || *task.Index.TimeoutAt > nowMs {
		return nil
	}

	claimed, err := s.store.TryClaimTimeoutTask(workflowID, taskID, *task.Index.TimeoutAt, nowMs)
	if err != nil {
		return err
	}
	if !claimed {
		return nil // another sweep won the lease
	}

	w, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}

	if w.State.Terminal() {
		return s.cancelClaimed(w, task, nowMs)
	}
	if w.Definition.Scheduled == nil {
		return s.failTrigger(w, task, "invalid workflow definition", nowMs)
	}

	return s.handleTrigger(w, task, nowMs)
}

// cancelClaimed releases a claimed trigger whose workflow went terminal
// between the sweep and the claim. No request is published.
func (s *Scheduler) cancelClaimed(w *Workflow, task *Task, nowMs int64) error {
	result, _ := json.Marshal(map[string]any{"kind": "terminal", "workflowState": string(w.State)})
	task.State = StateCancelled
	task.Result = result
	task.UpdatedAt = nowMs
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}
	s.publishTaskLifecycle(task, "workflow is terminal", nowMs)
	return nil
}

func (s *Scheduler) failTrigger(w *Workflow, task *Task, detail string, nowMs int64) error {
	task.State = StateFailed
	task.UpdatedAt = nowMs
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}
	s.publishTaskLifecycle(task, detail, nowMs)

	// The trigger is the workflow's only task; failing it fails the parent.
	w.State = StateFailed
	w.UpdatedAt = nowMs
	if err := s.store.UpsertWorkflow(w); err != nil {
		return err
	}
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowLifecycleChanged{
		WorkflowID: w.ID,
		State:      string(w.State),
		Detail:     detail,
		Ts:         nowMs,
	}, bus.Headers{}))
	return nil
}

func (s *Scheduler) handleTrigger(w *Workflow, task *Task, nowMs int64) error {
	bumped, err := s.store.BumpResumeSeq(w.ID, nowMs)
	if err != nil {
		return err
	}
	if bumped == nil {
		// Workflow vanished under us; leave the task parked.
		task.State = StateBlocked
		task.UpdatedAt = nowMs
		return s.store.UpsertTask(task)
	}

	requestID := RequestID(w.ID, bumped.ResumeSeq)
	headers := bus.Headers{
		RequestID:     requestID,
		SessionID:     JobSessionID(w.ID),
		RequestClient: "unknown",
	}

	scheduleJSON, err := json.Marshal(bumped.Definition.Scheduled.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	var scheduleRaw map[string]any
	_ = json.Unmarshal(scheduleJSON, &scheduleRaw)

	// Lifecycle before the request so downstream observers see the workflow
	// running when the job request arrives.
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowLifecycleChanged{
		WorkflowID: w.ID,
		State:      string(StateRunning),
		Detail:     fmt.Sprintf("trigger fired (%s)", task.Kind),
		Ts:         nowMs,
	}, headers))

	s.bus.Publish(bus.NewMessage(bus.TopicRequestCommand, bus.CmdRequestMessage{
		Queue:    "prompt",
		Messages: BuildJobMessages(bumped, task, nowMs),
		Raw: map[string]any{
			"workflowId": w.ID,
			"taskId":     task.ID,
			"schedule":   scheduleRaw,
			"firedAtMs":  nowMs,
		},
	}, headers))

	slog.Info("scheduler: trigger fired", "workflow_id", w.ID, "task_id", task.ID,
		"kind", task.Kind, "request_id", requestID)

	switch task.Kind {
	case KindTimeCron:
		return s.rescheduleCron(bumped, task, requestID, nowMs)
	default:
		return s.completeOneShot(bumped, task, requestID, nowMs)
	}
}

// completeOneShot finishes a wait_until trigger: task and workflow both end
// resolved.
func (s *Scheduler) completeOneShot(w *Workflow, task *Task, requestID string, nowMs int64) error {
	result, _ := json.Marshal(map[string]any{
		"kind":      "scheduled_fired",
		"firedAtMs": nowMs,
		"requestId": requestID,
	})
	task.State = StateResolved
	task.Result = result
	task.ResolvedBy = fmt.Sprintf("time:%d", nowMs)
	task.ResolvedAt = &nowMs
	task.UpdatedAt = nowMs
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}

	s.publishTaskLifecycle(task, "scheduled trigger fired", nowMs)
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskResolved{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Result:     task.Result,
	}, bus.Headers{}))

	w.State = StateResolved
	w.ResolvedAt = &nowMs
	w.UpdatedAt = nowMs
	if err := s.store.UpsertWorkflow(w); err != nil {
		return err
	}
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowLifecycleChanged{
		WorkflowID: w.ID,
		State:      string(StateResolved),
		Detail:     "scheduled trigger fired",
		Ts:         nowMs,
	}, bus.Headers{}))
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowResolved{
		WorkflowID: w.ID,
		Result:     task.Result,
	}, bus.Headers{}))
	return nil
}

// rescheduleCron records this tick's result and parks the task blocked at
// the next fire time. The workflow stays blocked.
func (s *Scheduler) rescheduleCron(w *Workflow, task *Task, requestID string, nowMs int64) error {
	var in CronInput
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return s.failTrigger(w, task, "invalid cron input", nowMs)
	}
	// Strictly after this fire, or a boundary tick would fire twice.
	nextAtMs, err := NextCronFireMs(in, nowMs+1)
	if err != nil {
		return s.failTrigger(w, task, "invalid cron input", nowMs)
	}

	result, _ := json.Marshal(map[string]any{
		"kind":      "cron_tick",
		"firedAtMs": nowMs,
		"requestId": requestID,
		"nextAtMs":  nextAtMs,
	})
	task.State = StateBlocked
	task.Result = result
	task.UpdatedAt = nowMs
	task.Index.TimeoutAt = &nextAtMs
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}

	s.publishTaskLifecycle(task, "cron tick fired", nowMs)
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskResolved{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Result:     task.Result,
	}, bus.Headers{}))

	if w.State != StateBlocked {
		w.State = StateBlocked
		w.UpdatedAt = nowMs
		if err := s.store.UpsertWorkflow(w); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) publishTaskLifecycle(task *Task, detail string, nowMs int64) {
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskLifecycleChanged{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		State:      string(task.State),
		Detail:     detail,
		Ts:         nowMs,
	}, bus.Headers{}))
}
