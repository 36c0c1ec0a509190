package repo

import (
	"context"
	"database/sql"
	"fmt"

	"annolab/internal/domain"
)

func (r Repo) InsertResourceTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO resources(id,project_id,name,media_type,source_type,storage_key,external_url,content_preview,file_size,uploaded_by,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.ProjectID, res.Name, res.MediaType, res.SourceType,
		nullablePtr(res.StorageKey), nullablePtr(res.ExternalURL), nullablePtr(res.ContentPreview),
		nullableInt(res.FileSize), res.UploadedBy, res.Status, res.CreatedAt)
	return err
}

const resourceColumns = `id,project_id,name,media_type,source_type,storage_key,external_url,content_preview,file_size,uploaded_by,status,created_at`

func scanResource(row interface{ Scan(...any) error }) (domain.Resource, error) {
	var res domain.Resource
	err := row.Scan(&res.ID, &res.ProjectID, &res.Name, &res.MediaType, &res.SourceType,
		&res.StorageKey, &res.ExternalURL, &res.ContentPreview, &res.FileSize,
		&res.UploadedBy, &res.Status, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Resource{}, ErrNotFound
	}
	return res, err
}

func (r Repo) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id=?`, id)
	return scanResource(row)
}

type ResourceFilters struct {
	ProjectID string
	MediaType string
	Status    string
	Limit     int
}

func (r Repo) ListResources(ctx context.Context, f ResourceFilters) ([]domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += " AND project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.MediaType != "" {
		query += " AND media_type=?"
		args = append(args, f.MediaType)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
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
	var res []domain.Resource
	for rows.Next() {
		item, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) UpdateResourceStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE resources SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
