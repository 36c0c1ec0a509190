package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"annolab/internal/domain"
)

func marshalSpans(spans []domain.Span) (string, error) {
	if spans == nil {
		spans = []domain.Span{}
	}
	data, err := json.Marshal(spans)
	if err != nil {
		return "", fmt.Errorf("marshal spans: %w", err)
	}
	return string(data), nil
}

func unmarshalSpans(raw string) ([]domain.Span, error) {
	spans := []domain.Span{}
	if raw == "" {
		return spans, nil
	}
	if err := json.Unmarshal([]byte(raw), &spans); err != nil {
		return nil, fmt.Errorf("unmarshal spans: %w", err)
	}
	return spans, nil
}

const annotationColumns = `id,project_id,resource_id,annotator_id,reviewer_id,sub_type,status,spans_json,review_comment,version,created_at,updated_at,submitted_at,reviewed_at`

func scanAnnotation(row interface{ Scan(...any) error }) (domain.Annotation, error) {
	var a domain.Annotation
	var spans string
	err := row.Scan(&a.ID, &a.ProjectID, &a.ResourceID, &a.AnnotatorID, &a.ReviewerID,
		&a.SubType, &a.Status, &spans, &a.ReviewComment, &a.Version,
		&a.CreatedAt, &a.UpdatedAt, &a.SubmittedAt, &a.ReviewedAt)
	if err == sql.ErrNoRows {
		return domain.Annotation{}, ErrNotFound
	}
	if err != nil {
		return domain.Annotation{}, err
	}
	a.Spans, err = unmarshalSpans(spans)
	return a, err
}

func (r Repo) InsertAnnotationTx(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	spans, err := marshalSpans(a.Spans)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO annotations(id,project_id,resource_id,annotator_id,reviewer_id,sub_type,status,spans_json,review_comment,version,created_at,updated_at,submitted_at,reviewed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.ResourceID, a.AnnotatorID, nullablePtr(a.ReviewerID),
		a.SubType, a.Status, spans, nullablePtr(a.ReviewComment), a.Version,
		a.CreatedAt, a.UpdatedAt, nullablePtr(a.SubmittedAt), nullablePtr(a.ReviewedAt))
	return err
}

func (r Repo) GetAnnotation(ctx context.Context, id string) (domain.Annotation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=?`, id)
	return scanAnnotation(row)
}

func (r Repo) GetAnnotationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Annotation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=?`, id)
	return scanAnnotation(row)
}

func (r Repo) GetAnnotationByResourceAnnotator(ctx context.Context, resourceID, annotatorID string) (domain.Annotation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE resource_id=? AND annotator_id=?`,
		resourceID, annotatorID)
	return scanAnnotation(row)
}

// UpdateAnnotationTx writes every mutable field guarded by an optimistic
// version check. The row must still be at expectedVersion; otherwise no
// row matches and ErrConflict is returned.
func (r Repo) UpdateAnnotationTx(ctx context.Context, tx *sql.Tx, a domain.Annotation, expectedVersion int64) error {
	spans, err := marshalSpans(a.Spans)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE annotations
SET status=?, spans_json=?, reviewer_id=?, review_comment=?, version=?, updated_at=?, submitted_at=?, reviewed_at=?
WHERE id=? AND version=?`,
		a.Status, spans, nullablePtr(a.ReviewerID), nullablePtr(a.ReviewComment),
		a.Version, a.UpdatedAt, nullablePtr(a.SubmittedAt), nullablePtr(a.ReviewedAt),
		a.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type AnnotationFilters struct {
	ProjectID   string
	ResourceID  string
	AnnotatorID string
	Status      string
	SubType     string
	Limit       int
}

func (r Repo) ListAnnotations(ctx context.Context, f AnnotationFilters) ([]domain.Annotation, error) {
	query := `SELECT ` + annotationColumns + ` FROM annotations WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += " AND project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.ResourceID != "" {
		query += " AND resource_id=?"
		args = append(args, f.ResourceID)
	}
	if f.AnnotatorID != "" {
		query += " AND annotator_id=?"
		args = append(args, f.AnnotatorID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	if f.SubType != "" {
		query += " AND sub_type=?"
		args = append(args, f.SubType)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAnnotationsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM annotations WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
