// Package gateway exposes the workflow engine over HTTP: command ingress
// for workflow create/task/cancel, read-only workflow listings, the router
// suppression query, and recent bus history.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/flowd/internal/bus"
	"github.com/dohr-michael/flowd/internal/workflow"
)

// Server is the flowd gateway HTTP server.
type Server struct {
	httpServer *http.Server
	bus        *bus.Bus
	store      *workflow.Store
	suppress   *workflow.SuppressionQuery
	host       string
	port       int
}

// NewServer creates a new gateway server.
func NewServer(b *bus.Bus, store *workflow.Store, host string, port int) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		bus:      b,
		store:    store,
		suppress: workflow.NewSuppressionQuery(store),
		host:     host,
		port:     port,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/workflows", s.handleListWorkflows)
	r.Get("/api/workflows/{id}", s.handleGetWorkflow)
	r.Post("/api/workflows", s.handleCreateWorkflow)
	r.Post("/api/workflows/{id}/tasks", s.handleCreateTask)
	r.Post("/api/workflows/{id}/cancel", s.handleCancelWorkflow)
	r.Post("/api/route-check", s.handleRouteCheck)
	r.Get("/api/messages", s.handleMessages)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("flowd gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workflowView struct {
	WorkflowID        string              `json:"workflowId"`
	State             string              `json:"state"`
	Definition        workflow.Definition `json:"definition"`
	ResumeSeq         int64               `json:"resumeSeq"`
	CreatedAt         int64               `json:"createdAt"`
	UpdatedAt         int64               `json:"updatedAt"`
	ResolvedAt        *int64              `json:"resolvedAt,omitempty"`
	ResumePublishedAt *int64              `json:"resumePublishedAt,omitempty"`
	Tasks             []taskView          `json:"tasks,omitempty"`
}

type taskView struct {
	TaskID      string          `json:"taskId"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	State       string          `json:"state"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ResolvedBy  string          `json:"resolvedBy,omitempty"`
	TimeoutAt   *int64          `json:"timeoutAt,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
}

func toWorkflowView(wf *workflow.Workflow, tasks []*workflow.Task) workflowView {
	view := workflowView{
		WorkflowID:        wf.ID,
		State:             string(wf.State),
		Definition:        wf.Definition,
		ResumeSeq:         wf.ResumeSeq,
		CreatedAt:         wf.CreatedAt,
		UpdatedAt:         wf.UpdatedAt,
		ResolvedAt:        wf.ResolvedAt,
		ResumePublishedAt: wf.ResumePublishedAt,
	}
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, taskView{
			TaskID:      t.ID,
			Kind:        t.Kind,
			Description: t.Description,
			State:       string(t.State),
			Input:       t.Input,
			Result:      t.Result,
			ResolvedBy:  t.ResolvedBy,
			TimeoutAt:   t.Index.TimeoutAt,
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	return view
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	workflows, err := s.store.ListWorkflows(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]workflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, toWorkflowView(wf, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.store.GetWorkflow(id)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	tasks, err := s.store.ListTasks(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowView(wf, tasks))
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var p bus.CmdWorkflowCreate
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if p.WorkflowID == "" || len(p.Definition) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflowId and definition are required"))
		return
	}
	// Reject malformed definitions at the door rather than poisoning the queue.
	var def workflow.Definition
	if err := json.Unmarshal(p.Definition, &def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowCommand, p, headersFrom(r)))
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": p.WorkflowID})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var p bus.CmdWorkflowTaskCreate
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p.WorkflowID = chi.URLParam(r, "id")
	if p.TaskID == "" || p.Kind == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("taskId and kind are required"))
		return
	}
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowCommand, p, headersFrom(r)))
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": p.WorkflowID, "taskId": p.TaskID})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var p bus.CmdWorkflowCancel
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	p.WorkflowID = chi.URLParam(r, "id")
	s.bus.Publish(bus.NewMessage(bus.TopicWorkflowCommand, p, headersFrom(r)))
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": p.WorkflowID})
}

func (s *Server) handleRouteCheck(w http.ResponseWriter, r *http.Request) {
	var ev bus.EvtAdapterMessageCreated
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	verdict, err := s.suppress.ShouldSuppress(ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": s.bus.History(bus.TopicWorkflowEvent, limit),
	})
}

func headersFrom(r *http.Request) bus.Headers {
	return bus.Headers{
		RequestID:     r.Header.Get("X-Request-Id"),
		SessionID:     r.Header.Get("X-Session-Id"),
		RequestClient: r.Header.Get("X-Request-Client"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
