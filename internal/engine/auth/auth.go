package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ForbiddenError indicates the actor lacks a required project role.
type ForbiddenError struct {
	Roles []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required on project", strings.Join(e.Roles, " or "))
}

// Service answers role questions from the assignments table. A manager
// assignment satisfies any role requirement.
type Service struct {
	DB *sql.DB
}

// ActorRole returns the actor's role on the project, or "" when the
// actor is not assigned.
func (s Service) ActorRole(ctx context.Context, projectID, actorID string) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT role FROM assignments WHERE project_id=? AND actor_id=?`, projectID, actorID)
	var role string
	err := row.Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}

// ActorHasRole reports whether the actor holds one of the roles on the
// project (or is a manager).
func (s Service) ActorHasRole(ctx context.Context, projectID, actorID string, roles ...string) (bool, error) {
	role, err := s.ActorRole(ctx, projectID, actorID)
	if err != nil {
		return false, err
	}
	if role == "" {
		return false, nil
	}
	if role == "manager" {
		return true, nil
	}
	for _, want := range roles {
		if role == want {
			return true, nil
		}
	}
	return false, nil
}

// RequireRole returns ForbiddenError unless the actor holds one of the
// roles on the project.
func (s Service) RequireRole(ctx context.Context, projectID, actorID string, roles ...string) error {
	ok, err := s.ActorHasRole(ctx, projectID, actorID, roles...)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Roles: roles}
	}
	return nil
}
