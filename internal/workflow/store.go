package workflow

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const workflowColumns = `workflow_id, state, created_at, updated_at, resolved_at,
	resume_published_at, definition_json, resume_seq`

const taskColumns = `workflow_id, task_id, kind, description, state, input_json,
	result_json, created_at, updated_at, resolved_at, resolved_by,
	discord_channel_id, discord_message_id, discord_from_user_id, timeout_at`

// activeStates are the non-terminal states used by indexed lookups.
const activeStates = `'queued', 'running', 'blocked'`

// Store persists workflows and tasks in the single-writer SQLite database.
// All components mutate exclusively through its methods.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanWorkflow(scanner interface{ Scan(...any) error }) (*Workflow, error) {
	var (
		w                 Workflow
		resolvedAt        sql.NullInt64
		resumePublishedAt sql.NullInt64
		definitionJSON    string
	)
	err := scanner.Scan(
		&w.ID, &w.State, &w.CreatedAt, &w.UpdatedAt, &resolvedAt,
		&resumePublishedAt, &definitionJSON, &w.ResumeSeq,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		w.ResolvedAt = &resolvedAt.Int64
	}
	if resumePublishedAt.Valid {
		w.ResumePublishedAt = &resumePublishedAt.Int64
	}
	if err := json.Unmarshal([]byte(definitionJSON), &w.Definition); err != nil {
		return nil, fmt.Errorf("decode definition for %s: %w", w.ID, err)
	}
	return &w, nil
}

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var (
		t           Task
		input       sql.NullString
		result      sql.NullString
		resolvedAt  sql.NullInt64
		resolvedBy  sql.NullString
		channelID   sql.NullString
		messageID   sql.NullString
		fromUserID  sql.NullString
		timeoutAt   sql.NullInt64
		description sql.NullString
	)
	err := scanner.Scan(
		&t.WorkflowID, &t.ID, &t.Kind, &description, &t.State, &input,
		&result, &t.CreatedAt, &t.UpdatedAt, &resolvedAt, &resolvedBy,
		&channelID, &messageID, &fromUserID, &timeoutAt,
	)
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	if input.Valid && input.String != "" {
		t.Input = json.RawMessage(input.String)
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Int64
	}
	t.ResolvedBy = resolvedBy.String
	t.Index = IndexFields{
		DiscordChannelID:  channelID.String,
		DiscordMessageID:  messageID.String,
		DiscordFromUserID: fromUserID.String,
	}
	if timeoutAt.Valid {
		t.Index.TimeoutAt = &timeoutAt.Int64
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// GetWorkflow returns a workflow by id, or ErrNotFound.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	row := s.db.QueryRow(
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// UpsertWorkflow inserts or fully replaces a workflow row.
func (s *Store) UpsertWorkflow(w *Workflow) error {
	definitionJSON, err := json.Marshal(w.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO workflows (
			workflow_id, state, created_at, updated_at, resolved_at,
			resume_published_at, definition_json, resume_seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at,
			resume_published_at = excluded.resume_published_at,
			definition_json = excluded.definition_json,
			resume_seq = excluded.resume_seq`,
		w.ID, string(w.State), w.CreatedAt, w.UpdatedAt, nullInt(w.ResolvedAt),
		nullInt(w.ResumePublishedAt), string(definitionJSON), w.ResumeSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// ListWorkflows returns workflows newest first. limit <= 0 means all.
func (s *Store) ListWorkflows(limit int) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC, workflow_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workflows []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// BumpResumeSeq atomically increments a workflow's resume sequence inside a
// transaction and returns the updated record, or nil when the workflow does
// not exist. The returned sequence is what engine request ids embed.
func (s *Store) BumpResumeSeq(id string, nowMs int64) (*Workflow, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("bump resume seq: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`UPDATE workflows SET resume_seq = resume_seq + 1, updated_at = ? WHERE workflow_id = ?`,
		nowMs, id,
	)
	if err != nil {
		return nil, fmt.Errorf("bump resume seq: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("bump resume seq: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	row := tx.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, id)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("bump resume seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bump resume seq: %w", err)
	}
	return w, nil
}

// GetTask returns a task by composite key, or ErrNotFound.
func (s *Store) GetTask(workflowID, taskID string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = ? AND task_id = ?`,
		workflowID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpsertTask inserts or fully replaces a task row, index columns included.
func (s *Store) UpsertTask(t *Task) error {
	_, err := s.db.Exec(
		`INSERT INTO workflow_tasks (
			workflow_id, task_id, kind, description, state, input_json,
			result_json, created_at, updated_at, resolved_at, resolved_by,
			discord_channel_id, discord_message_id, discord_from_user_id, timeout_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, task_id) DO UPDATE SET
			kind = excluded.kind,
			description = excluded.description,
			state = excluded.state,
			input_json = excluded.input_json,
			result_json = excluded.result_json,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by,
			discord_channel_id = excluded.discord_channel_id,
			discord_message_id = excluded.discord_message_id,
			discord_from_user_id = excluded.discord_from_user_id,
			timeout_at = excluded.timeout_at`,
		t.WorkflowID, t.ID, t.Kind, t.Description, string(t.State), rawOrNil(t.Input),
		rawOrNil(t.Result), t.CreatedAt, t.UpdatedAt, nullInt(t.ResolvedAt), nullStr(t.ResolvedBy),
		nullStr(t.Index.DiscordChannelID), nullStr(t.Index.DiscordMessageID),
		nullStr(t.Index.DiscordFromUserID), nullInt(t.Index.TimeoutAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// ListTasks returns all tasks of a workflow, oldest first.
func (s *Store) ListTasks(workflowID string) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = ? ORDER BY created_at, task_id`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// TryClaimTimeoutTask is the single-writer lease: it transitions the task to
// running iff the row still carries the given timeout, is due at nowMs, and
// is not terminal. Another sweeper observing the claim gets false.
func (s *Store) TryClaimTimeoutTask(workflowID, taskID string, timeoutAt, nowMs int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE workflow_tasks SET state = 'running', updated_at = ?
		 WHERE workflow_id = ? AND task_id = ?
		   AND timeout_at = ? AND timeout_at <= ?
		   AND state IN (`+activeStates+`)`,
		nowMs, workflowID, taskID, timeoutAt, nowMs,
	)
	if err != nil {
		return false, fmt.Errorf("claim timeout task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim timeout task: %w", err)
	}
	return affected == 1, nil
}

// ListActiveDiscordWaitForReplyTasksByChannelID returns non-terminal
// wait_for_reply tasks anchored in a channel. This is the critical path of
// every inbound message, hence the dedicated index.
func (s *Store) ListActiveDiscordWaitForReplyTasksByChannelID(channelID string) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM workflow_tasks
		 WHERE kind = ? AND discord_channel_id = ? AND state IN (`+activeStates+`)
		 ORDER BY created_at, task_id`,
		KindDiscordWaitForReply, channelID)
	if err != nil {
		return nil, fmt.Errorf("list wait_for_reply tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// ListDiscordWaitForReplyTasksByChannelIDAndMessageID returns wait_for_reply
// tasks for an exact anchor. Resolved tasks are included so the router
// suppression query still sees a task the resolver just committed.
func (s *Store) ListDiscordWaitForReplyTasksByChannelIDAndMessageID(channelID, messageID string) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM workflow_tasks
		 WHERE kind = ? AND discord_channel_id = ? AND discord_message_id = ?
		   AND state IN (`+activeStates+`, 'resolved')
		 ORDER BY created_at, task_id`,
		KindDiscordWaitForReply, channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("list anchored tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// ListActiveTimeoutTasks returns all non-terminal tasks whose timeout is due
// at nowMs.
func (s *Store) ListActiveTimeoutTasks(nowMs int64) ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM workflow_tasks
		 WHERE timeout_at IS NOT NULL AND timeout_at <= ? AND state IN (`+activeStates+`)
		 ORDER BY timeout_at, workflow_id, task_id`,
		nowMs)
	if err != nil {
		return nil, fmt.Errorf("list timeout tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
