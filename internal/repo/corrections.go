package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"annolab/internal/domain"
)

const correctionColumns = `id,annotation_id,reviewer_id,status,original_json,corrected_json,COALESCE(comment,''),annotator_response,created_at,updated_at`

func scanCorrection(row interface{ Scan(...any) error }) (domain.ReviewCorrection, error) {
	var c domain.ReviewCorrection
	var original, corrected string
	err := row.Scan(&c.ID, &c.AnnotationID, &c.ReviewerID, &c.Status,
		&original, &corrected, &c.Comment, &c.AnnotatorResponse, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ReviewCorrection{}, ErrNotFound
	}
	if err != nil {
		return domain.ReviewCorrection{}, err
	}
	if c.OriginalSpans, err = unmarshalSpans(original); err != nil {
		return domain.ReviewCorrection{}, err
	}
	if c.CorrectedSpans, err = unmarshalSpans(corrected); err != nil {
		return domain.ReviewCorrection{}, err
	}
	return c, nil
}

func (r Repo) InsertCorrectionTx(ctx context.Context, tx *sql.Tx, c domain.ReviewCorrection) error {
	original, err := json.Marshal(orEmpty(c.OriginalSpans))
	if err != nil {
		return fmt.Errorf("marshal original spans: %w", err)
	}
	corrected, err := json.Marshal(orEmpty(c.CorrectedSpans))
	if err != nil {
		return fmt.Errorf("marshal corrected spans: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO review_corrections(id,annotation_id,reviewer_id,status,original_json,corrected_json,comment,annotator_response,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AnnotationID, c.ReviewerID, c.Status, string(original), string(corrected),
		nullable(c.Comment), nullablePtr(c.AnnotatorResponse), c.CreatedAt, c.UpdatedAt)
	return err
}

func orEmpty(spans []domain.Span) []domain.Span {
	if spans == nil {
		return []domain.Span{}
	}
	return spans
}

func (r Repo) GetCorrection(ctx context.Context, id string) (domain.ReviewCorrection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+correctionColumns+` FROM review_corrections WHERE id=?`, id)
	return scanCorrection(row)
}

func (r Repo) GetCorrectionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewCorrection, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+correctionColumns+` FROM review_corrections WHERE id=?`, id)
	return scanCorrection(row)
}

func (r Repo) ListCorrections(ctx context.Context, annotationID, status string) ([]domain.ReviewCorrection, error) {
	query := `SELECT ` + correctionColumns + ` FROM review_corrections WHERE annotation_id=?`
	args := []any{annotationID}
	if status != "" {
		query += " AND status=?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewCorrection
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DecideCorrectionTx flips a pending correction to its final status.
// The pending guard makes decisions race-safe: a second decision finds
// no matching row and gets ErrConflict.
func (r Repo) DecideCorrectionTx(ctx context.Context, tx *sql.Tx, id, status string, response *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE review_corrections SET status=?, annotator_response=?, updated_at=? WHERE id=? AND status=?`,
		status, nullablePtr(response), updatedAt, id, domain.CorrectionPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
