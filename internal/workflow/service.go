package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/flowd/internal/bus"
)

// ServiceConfig holds dependencies for the workflow service.
type ServiceConfig struct {
	Store           *Store
	Bus             *bus.Bus
	TimeoutInterval time.Duration    // resolver timeout sweep (default 1s)
	Now             func() time.Time // injectable clock
}

// Service owns the bus subscriptions: it creates and cancels workflows and
// tasks from the command topic, routes adapter events into the resolver, and
// aggregates task resolutions into workflow resumes.
type Service struct {
	store    *Store
	bus      *bus.Bus
	now      func() time.Time
	resolver *Resolver
	resolved chan Resolution
	done     chan struct{}
	cancels  []func()
}

// NewService creates the service and its resolver.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{
		store:    cfg.Store,
		bus:      cfg.Bus,
		now:      cfg.Now,
		resolved: make(chan Resolution, 64),
		done:     make(chan struct{}),
	}
	s.resolver = NewResolver(ResolverConfig{
		Store:    cfg.Store,
		Bus:      cfg.Bus,
		Resolved: s.resolved,
		Interval: cfg.TimeoutInterval,
		Now:      cfg.Now,
	})
	return s
}

// Resolver exposes the resolver for direct wiring in tests.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Start subscribes to the bus and begins the resolver and aggregator loops.
func (s *Service) Start() {
	s.cancels = append(s.cancels,
		s.bus.Subscribe(bus.TopicWorkflowCommand, bus.ModeWork, bus.OffsetBegin, s.handleCommand),
		s.bus.Subscribe(bus.TopicAdapterEvent, bus.ModeFanout, bus.OffsetNow, s.handleAdapterEvent),
	)
	s.resolver.Start()
	go s.aggregateLoop()
	slog.Info("workflow service started")
}

// Stop cancels subscriptions and halts the loops.
func (s *Service) Stop() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.resolver.Stop()
	close(s.done)
	slog.Info("workflow service stopped")
}

func (s *Service) handleCommand(m bus.Message) error {
	switch m.Type {
	case bus.TypeWorkflowCreate:
		p, ok := bus.Extract[bus.CmdWorkflowCreate](m)
		if !ok {
			return fmt.Errorf("malformed %s payload", m.Type)
		}
		return s.createWorkflow(p, m.Headers)
	case bus.TypeWorkflowTaskCreate:
		p, ok := bus.Extract[bus.CmdWorkflowTaskCreate](m)
		if !ok {
			return fmt.Errorf("malformed %s payload", m.Type)
		}
		return s.createTask(p, m.Headers)
	case bus.TypeWorkflowCancel:
		p, ok := bus.Extract[bus.CmdWorkflowCancel](m)
		if !ok {
			return fmt.Errorf("malformed %s payload", m.Type)
		}
		return s.cancelWorkflow(p, m.Headers)
	default:
		slog.Debug("service: ignoring command", "type", m.Type)
		return nil
	}
}

func (s *Service) handleAdapterEvent(m bus.Message) error {
	if m.Type != bus.TypeAdapterMessageCreated {
		return nil
	}
	ev, ok := bus.Extract[bus.EvtAdapterMessageCreated](m)
	if !ok {
		return fmt.Errorf("malformed %s payload", m.Type)
	}
	return s.resolver.HandleAdapterEvent(ev)
}

func (s *Service) createWorkflow(p bus.CmdWorkflowCreate, h bus.Headers) error {
	if p.WorkflowID == "" {
		return fmt.Errorf("%w: workflowId is required", ErrInvalidDefinition)
	}
	nowMs := s.now().UnixMilli()

	var def Definition
	if err := json.Unmarshal(p.Definition, &def); err != nil {
		return err
	}
	if err := def.Validate(nowMs); err != nil {
		return err
	}

	if _, err := s.store.GetWorkflow(p.WorkflowID); err == nil {
		return nil // already exists: idempotent success
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	w := &Workflow{
		ID:         p.WorkflowID,
		State:      StateQueued,
		Definition: def,
		ResumeSeq:  0,
		CreatedAt:  nowMs,
		UpdatedAt:  nowMs,
	}
	if err := s.store.UpsertWorkflow(w); err != nil {
		return err
	}
	s.publishWorkflowLifecycle(w, "created", h, nowMs)
	slog.Info("service: workflow created", "workflow_id", w.ID)
	return nil
}

func (s *Service) createTask(p bus.CmdWorkflowTaskCreate, h bus.Headers) error {
	if p.WorkflowID == "" || p.TaskID == "" || p.Kind == "" {
		return fmt.Errorf("%w: workflowId, taskId and kind are required", ErrInvalidInput)
	}
	w, err := s.store.GetWorkflow(p.WorkflowID)
	if err != nil {
		return fmt.Errorf("create task %s: %w", p.TaskID, err)
	}

	if _, err := s.store.GetTask(p.WorkflowID, p.TaskID); err == nil {
		return nil // already exists: idempotent success
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	nowMs := s.now().UnixMilli()
	fields, err := DeriveIndexFields(p.Kind, p.Input, nowMs)
	if err != nil {
		return err
	}

	task := &Task{
		WorkflowID:  p.WorkflowID,
		ID:          p.TaskID,
		Kind:        p.Kind,
		Description: p.Description,
		State:       StateQueued,
		Input:       p.Input,
		CreatedAt:   nowMs,
		UpdatedAt:   nowMs,
		Index:       fields,
	}
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskLifecycleChanged{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		State:      string(task.State),
		Detail:     "created",
		Ts:         nowMs,
	}, h))

	// First task blocks the workflow.
	if !w.State.Terminal() && w.State != StateBlocked {
		w.State = StateBlocked
		w.UpdatedAt = nowMs
		if err := s.store.UpsertWorkflow(w); err != nil {
			return err
		}
		s.publishWorkflowLifecycle(w, "waiting on tasks", h, nowMs)
	}
	slog.Info("service: task created", "workflow_id", w.ID, "task_id", task.ID, "kind", task.Kind)
	return nil
}

func (s *Service) cancelWorkflow(p bus.CmdWorkflowCancel, h bus.Headers) error {
	w, err := s.store.GetWorkflow(p.WorkflowID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.State.Terminal() {
		return nil
	}

	nowMs := s.now().UnixMilli()
	reason := p.Reason
	if reason == "" {
		reason = "cancelled"
	}

	w.State = StateCancelled
	w.UpdatedAt = nowMs
	if err := s.store.UpsertWorkflow(w); err != nil {
		return err
	}
	s.publishWorkflowLifecycle(w, reason, h, nowMs)

	tasks, err := s.store.ListTasks(w.ID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.State.Terminal() {
			continue
		}
		task.State = StateCancelled
		task.UpdatedAt = nowMs
		if err := s.store.UpsertTask(task); err != nil {
			return err
		}
		s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowTaskLifecycleChanged{
			WorkflowID: task.WorkflowID,
			TaskID:     task.ID,
			State:      string(task.State),
			Detail:     reason,
			Ts:         nowMs,
		}, h))
	}
	slog.Info("service: workflow cancelled", "workflow_id", w.ID, "reason", reason)
	return nil
}

func (s *Service) aggregateLoop() {
	for {
		select {
		case <-s.done:
			return
		case res := <-s.resolved:
			if err := s.tryResolveWorkflow(res); err != nil {
				slog.Error("service: aggregate", "workflow_id", res.WorkflowID, "error", err)
			}
		}
	}
}

// tryResolveWorkflow evaluates a reactive workflow's completion after a task
// resolved, and publishes the at-most-once resume request when satisfied.
func (s *Service) tryResolveWorkflow(res Resolution) error {
	w, err := s.store.GetWorkflow(res.WorkflowID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.State.Terminal() || w.Definition.Reactive == nil {
		return nil
	}

	tasks, err := s.store.ListTasks(w.ID)
	if err != nil {
		return err
	}

	var active []*Task
	for _, t := range tasks {
		if t.State != StateCancelled {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}

	satisfied := false
	switch w.Definition.Reactive.CompletionValue() {
	case CompletionAny:
		for _, t := range active {
			if t.State == StateResolved {
				satisfied = true
				break
			}
		}
	default: // all
		satisfied = true
		for _, t := range active {
			if t.State != StateResolved {
				satisfied = false
				break
			}
		}
	}
	if !satisfied {
		return nil
	}

	nowMs := s.now().UnixMilli()
	w.State = StateResolved
	w.ResolvedAt = &nowMs
	w.UpdatedAt = nowMs
	if err := s.store.UpsertWorkflow(w); err != nil {
		return err
	}
	s.publishWorkflowLifecycle(w, "all tasks resolved", bus.Headers{}, nowMs)

	summary := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		summary = append(summary, map[string]any{
			"taskId":     t.ID,
			"kind":       t.Kind,
			"state":      string(t.State),
			"resolvedBy": t.ResolvedBy,
		})
	}
	resultJSON, _ := json.Marshal(map[string]any{"tasks": summary})
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowResolved{
		WorkflowID: w.ID,
		Result:     resultJSON,
	}, bus.Headers{}))

	// Resume publication is at-most-once per workflow.
	if w.ResumePublishedAt != nil {
		return nil
	}

	bumped, err := s.store.BumpResumeSeq(w.ID, nowMs)
	if err != nil {
		return err
	}
	if bumped == nil {
		return nil
	}

	target := bumped.Definition.Reactive.ResumeTarget
	headers := bus.Headers{
		RequestID:     RequestID(w.ID, bumped.ResumeSeq),
		SessionID:     target.SessionID,
		RequestClient: target.Client,
	}
	s.bus.Publish(bus.NewMessage(bus.TopicRequestCommand, bus.CmdRequestMessage{
		Queue:    "prompt",
		Messages: BuildResumeMessages(bumped, tasks, res.Trigger),
		Raw: map[string]any{
			"workflowId": w.ID,
			"trigger":    res.TaskID,
		},
	}, headers))
	slog.Info("service: resume published", "workflow_id", w.ID, "request_id", headers.RequestID)

	fresh, err := s.store.GetWorkflow(w.ID)
	if err != nil {
		return err
	}
	publishedAt := s.now().UnixMilli()
	fresh.ResumePublishedAt = &publishedAt
	fresh.UpdatedAt = publishedAt
	return s.store.UpsertWorkflow(fresh)
}

func (s *Service) publishWorkflowLifecycle(w *Workflow, detail string, h bus.Headers, nowMs int64) {
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowLifecycleChanged{
		WorkflowID: w.ID,
		State:      string(w.State),
		Detail:     detail,
		Ts:         nowMs,
	}, h))
}
