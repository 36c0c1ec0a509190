package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Task kinds produced by the engine.
const (
	KindResourceIngested    = "resource.ingested"
	KindAnnotationSubmitted = "annotation.submitted"
	KindAnnotationReviewed  = "annotation.reviewed"
	KindCorrectionDecided   = "correction.decided"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Task is one unit of asynchronous work handed off after a commit.
type Task struct {
	ID           int64          `json:"id"`
	ProjectID    string         `json:"project_id"`
	Kind         string         `json:"kind"`
	SubType      string         `json:"sub_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	AnnotationID string         `json:"annotation_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    string         `json:"created_at"`
	ProcessedAt  *string        `json:"processed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

// JobHandle identifies an enqueued task.
type JobHandle struct {
	ID int64 `json:"id"`
}

// Enqueuer hands tasks to the asynchronous pipeline. Implementations
// must not share a transaction with the caller: the engine enqueues
// after commit and treats failures as non-fatal.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) (JobHandle, error)
}

// Store is the SQL-backed queue transport.
type Store struct {
	DB  *sql.DB
	Log zerolog.Logger
	Now func() time.Time
}

func NewStore(db *sql.DB, log zerolog.Logger) Store {
	return Store{DB: db, Log: log, Now: time.Now}
}

func (s Store) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

// Enqueue inserts a pending task.
func (s Store) Enqueue(ctx context.Context, t Task) (JobHandle, error) {
	if t.ProjectID == "" {
		return JobHandle{}, fmt.Errorf("project_id required")
	}
	if t.Kind == "" {
		return JobHandle{}, fmt.Errorf("kind required")
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return JobHandle{}, fmt.Errorf("marshal task payload: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO queue_tasks(project_id,kind,sub_type,resource_id,annotation_id,payload_json,status,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.Kind, nullable(t.SubType), nullable(t.ResourceID), nullable(t.AnnotationID), string(payload), StatusPending, s.now())
	if err != nil {
		return JobHandle{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return JobHandle{}, err
	}
	s.Log.Debug().Int64("task_id", id).Str("kind", t.Kind).Msg("task enqueued")
	return JobHandle{ID: id}, nil
}

// Get returns one task by id.
func (s Store) Get(ctx context.Context, id int64) (Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,project_id,kind,COALESCE(sub_type,''),COALESCE(resource_id,''),COALESCE(annotation_id,''),payload_json,status,created_at,processed_at,error_message
FROM queue_tasks WHERE id=?`, id)
	return scanTask(row)
}

// Pending returns up to limit pending tasks in enqueue order.
func (s Store) Pending(ctx context.Context, projectID string, limit int) ([]Task, error) {
	return s.List(ctx, projectID, StatusPending, limit)
}

// List returns tasks, optionally filtered by project and status.
func (s Store) List(ctx context.Context, projectID, status string, limit int) ([]Task, error) {
	query := `SELECT id,project_id,kind,COALESCE(sub_type,''),COALESCE(resource_id,''),COALESCE(annotation_id,''),payload_json,status,created_at,processed_at,error_message
FROM queue_tasks`
	var conds []string
	var args []any
	if projectID != "" {
		conds = append(conds, "project_id=?")
		args = append(args, projectID)
	}
	if status != "" {
		conds = append(conds, "status=?")
		args = append(args, status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim moves a pending task to processing. Returns false when another
// worker got there first.
func (s Store) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE queue_tasks SET status=? WHERE id=? AND status=?`,
		StatusProcessing, id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Complete marks a task done.
func (s Store) Complete(ctx context.Context, id int64) error {
	return s.finish(ctx, id, StatusDone, "")
}

// Fail marks a task failed with an error message.
func (s Store) Fail(ctx context.Context, id int64, msg string) error {
	return s.finish(ctx, id, StatusFailed, msg)
}

// Retry moves a failed task back to pending.
func (s Store) Retry(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE queue_tasks SET status=?, processed_at=NULL, error_message=NULL WHERE id=? AND status=?`,
		StatusPending, id, StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not failed", id)
	}
	return nil
}

func (s Store) finish(ctx context.Context, id int64, status, msg string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE queue_tasks SET status=?, processed_at=?, error_message=? WHERE id=?`,
		status, s.now(), nullable(msg), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var payload string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.SubType, &t.ResourceID, &t.AnnotationID,
		&payload, &t.Status, &t.CreatedAt, &t.ProcessedAt, &t.ErrorMessage)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &t.Payload)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
