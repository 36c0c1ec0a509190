package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"annolab/internal/domain"
)

func validRole(role string) bool {
	switch role {
	case domain.RoleAnnotator, domain.RoleReviewer, domain.RoleManager:
		return true
	}
	return false
}

func (r Repo) UpsertAssignment(ctx context.Context, projectID, actorID, role string) (domain.Assignment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := r.UpsertAssignmentTx(ctx, tx, projectID, actorID, role)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func (r Repo) UpsertAssignmentTx(ctx context.Context, tx *sql.Tx, projectID, actorID, role string) (domain.Assignment, error) {
	if !validRole(role) {
		return domain.Assignment{}, fmt.Errorf("invalid role %q", role)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(project_id, actor_id, role, created_at, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(project_id, actor_id) DO UPDATE SET role=excluded.role, updated_at=excluded.updated_at`,
		projectID, actorID, role, now, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	return r.GetAssignmentTx(ctx, tx, projectID, actorID)
}

func (r Repo) GetAssignment(ctx context.Context, projectID, actorID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := r.DB.QueryRowContext(ctx, `SELECT project_id, actor_id, role, created_at, updated_at FROM assignments WHERE project_id=? AND actor_id=?`,
		projectID, actorID).Scan(&a.ProjectID, &a.ActorID, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := tx.QueryRowContext(ctx, `SELECT project_id, actor_id, role, created_at, updated_at FROM assignments WHERE project_id=? AND actor_id=?`,
		projectID, actorID).Scan(&a.ProjectID, &a.ActorID, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAssignments(ctx context.Context, projectID, role string) ([]domain.Assignment, error) {
	query := `SELECT project_id, actor_id, role, created_at, updated_at FROM assignments WHERE project_id=?`
	args := []any{projectID}
	if role != "" {
		query += " AND role=?"
		args = append(args, role)
	}
	query += " ORDER BY actor_id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.ProjectID, &a.ActorID, &a.Role, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAssignment(ctx context.Context, projectID, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assignments WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
