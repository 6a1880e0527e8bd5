package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dohr-michael/flowd/internal/bus"
	"github.com/dohr-michael/flowd/internal/storage"
	"github.com/dohr-michael/flowd/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, *workflow.Store, *bus.Bus) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "flowd.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New(64)
	t.Cleanup(b.Close)

	store := workflow.NewStore(db)
	return NewServer(b, store, "127.0.0.1", 0), store, b
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestServer_CreateWorkflow(t *testing.T) {
	srv, _, b := newTestServer(t)

	body := `{
		"workflowId": "wf-1",
		"definition": {
			"version": 2,
			"resumeTarget": {"sessionId": "chan1", "client": "discord"},
			"summary": "waiting"
		}
	}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/workflows", body, map[string]string{
		"X-Request-Id":     "discord:abc",
		"X-Session-Id":     "chan1",
		"X-Request-Client": "discord",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	commands := b.History(bus.TopicWorkflowCommand, 10)
	if len(commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(commands))
	}
	if commands[0].Type != bus.TypeWorkflowCreate {
		t.Fatalf("unexpected type: %s", commands[0].Type)
	}
	if commands[0].Headers.RequestID != "discord:abc" || commands[0].Headers.SessionID != "chan1" {
		t.Fatalf("headers lost: %+v", commands[0].Headers)
	}
}

func TestServer_CreateWorkflowRejectsBadDefinition(t *testing.T) {
	srv, _, b := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/workflows",
		`{"workflowId": "wf-1", "definition": {"version": 9}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/workflows", `{"workflowId": ""}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rec.Code)
	}

	if got := len(b.History(bus.TopicWorkflowCommand, 10)); got != 0 {
		t.Fatalf("rejected requests must not publish, got %d commands", got)
	}
}

func TestServer_CreateTask(t *testing.T) {
	srv, _, b := newTestServer(t)

	body := `{"taskId": "t-1", "kind": "discord.wait_for_reply", "input": {"channelId": "c1", "messageId": "m1"}}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/workflows/wf-1/tasks", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	commands := b.History(bus.TopicWorkflowCommand, 10)
	if len(commands) != 1 || commands[0].Type != bus.TypeWorkflowTaskCreate {
		t.Fatalf("unexpected commands: %+v", commands)
	}
	p, _ := bus.Extract[bus.CmdWorkflowTaskCreate](commands[0])
	if p.WorkflowID != "wf-1" || p.TaskID != "t-1" {
		t.Fatalf("path id not applied: %+v", p)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/workflows/wf-1/tasks", `{"taskId": "t-2"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing kind, got %d", rec.Code)
	}
}

func TestServer_CancelWorkflow(t *testing.T) {
	srv, _, b := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/workflows/wf-1/cancel", `{"reason": "done with it"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	commands := b.History(bus.TopicWorkflowCommand, 10)
	if len(commands) != 1 || commands[0].Type != bus.TypeWorkflowCancel {
		t.Fatalf("unexpected commands: %+v", commands)
	}
	p, _ := bus.Extract[bus.CmdWorkflowCancel](commands[0])
	if p.WorkflowID != "wf-1" || p.Reason != "done with it" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestServer_GetWorkflow(t *testing.T) {
	srv, store, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/workflows/wf-1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	w := &workflow.Workflow{
		ID:    "wf-1",
		State: workflow.StateBlocked,
		Definition: workflow.Definition{Reactive: &workflow.ReactiveDefinition{
			ResumeTarget: workflow.ResumeTarget{SessionID: "chan1", Client: "discord"},
			Summary:      "waiting",
		}},
		CreatedAt: 1000,
		UpdatedAt: 1000,
	}
	if err := store.UpsertWorkflow(w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	task := &workflow.Task{
		WorkflowID: "wf-1", ID: "t-1", Kind: workflow.KindDiscordWaitForReply,
		State: workflow.StateQueued, CreatedAt: 1000, UpdatedAt: 1000,
		Index: workflow.IndexFields{DiscordChannelID: "c1", DiscordMessageID: "m1"},
	}
	if err := store.UpsertTask(task); err != nil {
		t.Fatalf("upsert task: %v", err)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/workflows/wf-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view struct {
		WorkflowID string `json:"workflowId"`
		State      string `json:"state"`
		Tasks      []struct {
			TaskID string `json:"taskId"`
			Kind   string `json:"kind"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.WorkflowID != "wf-1" || view.State != "blocked" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if len(view.Tasks) != 1 || view.Tasks[0].TaskID != "t-1" {
		t.Fatalf("tasks missing: %+v", view.Tasks)
	}
}

func TestServer_ListWorkflows(t *testing.T) {
	srv, store, _ := newTestServer(t)

	for i, id := range []string{"wf-a", "wf-b"} {
		w := &workflow.Workflow{
			ID:    id,
			State: workflow.StateQueued,
			Definition: workflow.Definition{Reactive: &workflow.ReactiveDefinition{
				ResumeTarget: workflow.ResumeTarget{SessionID: "s", Client: "discord"},
			}},
			CreatedAt: int64(1000 + i),
			UpdatedAt: int64(1000 + i),
		}
		if err := store.UpsertWorkflow(w); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/workflows?limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Workflows []struct {
			WorkflowID string `json:"workflowId"`
		} `json:"workflows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Workflows) != 1 || body.Workflows[0].WorkflowID != "wf-b" {
		t.Fatalf("unexpected list: %+v", body.Workflows)
	}
}

func TestServer_RouteCheck(t *testing.T) {
	srv, store, _ := newTestServer(t)

	task := &workflow.Task{
		WorkflowID: "wf-1", ID: "t-1", Kind: workflow.KindDiscordWaitForReply,
		State: workflow.StateBlocked, CreatedAt: 1000, UpdatedAt: 1000,
		Index: workflow.IndexFields{DiscordChannelID: "c1", DiscordMessageID: "m1"},
	}
	if err := store.UpsertTask(task); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	body := `{
		"platform": "discord",
		"channelId": "c1",
		"messageId": "m2",
		"userId": "u1",
		"text": "yes",
		"raw": {"discord": {"replyToMessageId": "m1"}}
	}`
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/route-check", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var verdict workflow.SuppressionVerdict
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdict.Suppress || verdict.Reason != "workflow:wf-1:t-1" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/route-check",
		`{"platform": "discord", "channelId": "c1", "messageId": "m3", "userId": "u1", "text": "hi"}`, nil)
	var clean workflow.SuppressionVerdict
	if err := json.Unmarshal(rec.Body.Bytes(), &clean); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if clean.Suppress {
		t.Fatalf("plain message suppressed: %+v", clean)
	}
}

func TestServer_Messages(t *testing.T) {
	srv, _, b := newTestServer(t)

	b.Publish(bus.NewMessage(bus.TopicWorkflowEvent, bus.EvtWorkflowLifecycleChanged{
		WorkflowID: "wf-1", State: "queued", Ts: 1,
	}, bus.Headers{}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/messages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Messages []bus.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Type != bus.TypeWorkflowLifecycleChanged {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
}
