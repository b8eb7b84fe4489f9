// Package store persists tasks, steps, memories, artifacts, audit events and
// settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/agentoverseer/overseer/internal/audit"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStepImmutable is returned when updating a completed or failed step.
	ErrStepImmutable = errors.New("step is terminal and cannot be modified")
)

// SQLiteStore implements persistence using SQLite. It also serves as the
// memory, artifact and audit sink.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path and creates the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db, logger: logger.With("component", "store.SQLiteStore")}
	if err := s.Initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Initialize creates tables and indexes.
func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		goal            TEXT NOT NULL,
		status          TEXT NOT NULL,
		context         TEXT NOT NULL,
		step_count      INTEGER NOT NULL DEFAULT 0,
		pause_reason    TEXT,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id              TEXT PRIMARY KEY,
		task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		sequence        INTEGER NOT NULL,
		status          TEXT NOT NULL,
		title           TEXT,
		prompt          TEXT,
		raw_response    TEXT,
		decision        TEXT,
		tool_calls      TEXT,
		tool_results    TEXT,
		human_decision  TEXT,
		human_input     TEXT,
		error           TEXT,
		created_at      DATETIME NOT NULL,
		finished_at     DATETIME,
		UNIQUE(task_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS memories (
		id              TEXT PRIMARY KEY,
		category        TEXT NOT NULL,
		content         TEXT NOT NULL,
		tags            TEXT,
		source_task_id  TEXT REFERENCES tasks(id) ON DELETE CASCADE,
		created_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id              TEXT PRIMARY KEY,
		task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		step            INTEGER NOT NULL,
		tool            TEXT NOT NULL,
		path            TEXT NOT NULL,
		size            INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		seq             INTEGER PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		type            TEXT NOT NULL,
		task_id         TEXT,
		component       TEXT NOT NULL,
		payload         TEXT,
		timestamp       TEXT NOT NULL,
		prev_hash       TEXT NOT NULL,
		hash            TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key             TEXT PRIMARY KEY,
		value           TEXT NOT NULL,
		updated_at      DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
	CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

// CreateTask inserts a task, assigning an ID and timestamps when unset.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.Status == "" {
		t.Status = TaskCreated
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	taskCtx, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (id, goal, status, context, step_count, pause_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Goal, string(t.Status), string(taskCtx), t.StepCount, nullStr(t.PauseReason), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask persists status, context, step count and pause reason.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	taskCtx, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, context = ?, step_count = ?, pause_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Status), string(taskCtx), t.StepCount, nullStr(t.PauseReason), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus sets only the status and pause reason.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, pause_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), nullStr(reason), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetTask returns a task by ID or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, goal, status, context, step_count, pause_reason, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, goal, status, context, step_count, pause_reason, created_at, updated_at FROM tasks`
	var args []interface{}
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and, by cascade, its steps, artifacts and
// task-scoped memories.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(sc scanner) (*Task, error) {
	t := &Task{}
	var status, taskCtx string
	var pauseReason sql.NullString
	if err := sc.Scan(&t.ID, &t.Goal, &status, &taskCtx, &t.StepCount, &pauseReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.PauseReason = pauseReason.String
	if err := json.Unmarshal([]byte(taskCtx), &t.Context); err != nil {
		return nil, fmt.Errorf("decode context of task %s: %w", t.ID, err)
	}
	return t, nil
}

// --- Steps ---

// InsertStep creates a step. Sequence must be unique within the task.
func (s *SQLiteStore) InsertStep(ctx context.Context, st *Step) error {
	if st.ID == "" {
		st.ID = ulid.Make().String()
	}
	if st.Status == "" {
		st.Status = StepPending
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	calls, results, err := marshalStepPayloads(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO steps (id, task_id, sequence, status, title, prompt, raw_response, decision,
		tool_calls, tool_results, human_decision, human_input, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TaskID, st.Sequence, string(st.Status), nullStr(st.Title), nullStr(st.Prompt), nullStr(st.RawResponse),
		nullableJSON(st.Decision), calls, results, nullStr(st.HumanDecision), nullStr(st.HumanInput), nullStr(st.Error),
		st.CreatedAt, st.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// UpdateStep persists a step. A step already stored as completed or failed
// cannot be changed and yields ErrStepImmutable. Moving into a terminal status
// stamps FinishedAt.
func (s *SQLiteStore) UpdateStep(ctx context.Context, st *Step) error {
	if st.Status.Terminal() && st.FinishedAt == nil {
		now := time.Now().UTC()
		st.FinishedAt = &now
	}
	calls, results, err := marshalStepPayloads(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE steps SET status = ?, title = ?, prompt = ?, raw_response = ?, decision = ?,
		tool_calls = ?, tool_results = ?, human_decision = ?, human_input = ?, error = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(st.Status), nullStr(st.Title), nullStr(st.Prompt), nullStr(st.RawResponse), nullableJSON(st.Decision),
		calls, results, nullStr(st.HumanDecision), nullStr(st.HumanInput), nullStr(st.Error), st.FinishedAt,
		st.ID, string(StepCompleted), string(StepFailed),
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE id = ?`, st.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("step %s: %w", st.ID, ErrNotFound)
	}
	return fmt.Errorf("step %s: %w", st.ID, ErrStepImmutable)
}

// ListSteps returns a task's steps in sequence order.
func (s *SQLiteStore) ListSteps(ctx context.Context, taskID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, sequence, status, title, prompt, raw_response, decision,
		tool_calls, tool_results, human_decision, human_input, error, created_at, finished_at
		FROM steps WHERE task_id = ? ORDER BY sequence`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var status string
		var title, prompt, raw, decision, calls, results, humanDecision, humanInput, stepErr sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Sequence, &status, &title, &prompt, &raw, &decision,
			&calls, &results, &humanDecision, &humanInput, &stepErr, &st.CreatedAt, &finished); err != nil {
			return nil, err
		}
		st.Status = StepStatus(status)
		st.Title = title.String
		st.Prompt = prompt.String
		st.RawResponse = raw.String
		st.Decision = jsonOrNil(decision)
		st.HumanDecision = humanDecision.String
		st.HumanInput = humanInput.String
		st.Error = stepErr.String
		if finished.Valid {
			ft := finished.Time
			st.FinishedAt = &ft
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &st.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of step %s: %w", st.ID, err)
			}
		}
		if results.Valid {
			if err := json.Unmarshal([]byte(results.String), &st.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results of step %s: %w", st.ID, err)
			}
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func marshalStepPayloads(st *Step) (sql.NullString, sql.NullString, error) {
	var calls, results sql.NullString
	if len(st.ToolCalls) > 0 {
		b, err := json.Marshal(st.ToolCalls)
		if err != nil {
			return calls, results, fmt.Errorf("marshal tool calls: %w", err)
		}
		calls = sql.NullString{String: string(b), Valid: true}
	}
	if len(st.ToolResults) > 0 {
		b, err := json.Marshal(st.ToolResults)
		if err != nil {
			return calls, results, fmt.Errorf("marshal tool results: %w", err)
		}
		results = sql.NullString{String: string(b), Valid: true}
	}
	return calls, results, nil
}

// --- Memories ---

// Save stores a memory.
func (s *SQLiteStore) Save(ctx context.Context, m Memory) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO memories (id, category, content, tags, source_task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Category, m.Content, string(tags), nullStr(m.SourceTaskID), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// ListMemories returns memories newest first, optionally by category.
func (s *SQLiteStore) ListMemories(ctx context.Context, category string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, category, content, tags, source_task_id, created_at FROM memories`
	var args []interface{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var tags, source sql.NullString
		if err := rows.Scan(&m.ID, &m.Category, &m.Content, &tags, &source, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SourceTaskID = source.String
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &m.Tags)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Artifacts ---

// Record stores an artifact.
func (s *SQLiteStore) Record(ctx context.Context, a Artifact) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts (id, task_id, step, tool, path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Step, a.Tool, a.Path, a.Size, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a task's artifacts oldest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, step, tool, path, size, created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Step, &a.Tool, &a.Path, &a.Size, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Audit events ---

// Emit stores a sealed audit event, satisfying audit.Sink.
func (s *SQLiteStore) Emit(ctx context.Context, ev audit.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_events (seq, id, type, task_id, component, payload, timestamp, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.ID, ev.Type, nullStr(ev.TaskID), ev.Component, string(payload),
		ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.PrevHash, ev.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns events in chain order.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]audit.Event, error) {
	var conditions []string
	var args []interface{}
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	query := `SELECT seq, id, type, task_id, component, payload, timestamp, prev_hash, hash FROM audit_events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var taskID, payload sql.NullString
		var ts string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &taskID, &ev.Component, &payload, &ts, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, err
		}
		ev.TaskID = taskID.String
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("decode timestamp of event %d: %w", ev.Seq, err)
		}
		if payload.Valid && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", ev.Seq, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AuditTail returns the last sequence number and hash, for Recorder.Resume.
func (s *SQLiteStore) AuditTail(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash, nil
}

// VerifyAuditChain checks the full stored chain.
func (s *SQLiteStore) VerifyAuditChain(ctx context.Context) (bool, int, error) {
	events, err := s.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		return false, -1, err
	}
	valid, brokenAt := audit.VerifyChain(events)
	return valid, brokenAt, nil
}

// --- Settings ---

// PutSetting upserts a JSON-encoded setting.
func (s *SQLiteStore) PutSetting(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// GetSetting decodes a setting into dst, returning ErrNotFound if absent.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dst)
}

// --- Helpers ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
