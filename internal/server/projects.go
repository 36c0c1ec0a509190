package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"gopkg.in/yaml.v3"

	"annolab/internal/config"
	"annolab/internal/domain"
	"annolab/internal/engine"
)

func registerProjects(api huma.API, e engine.Engine) {
	type ProjectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, strings.TrimSpace(input.Body.ID), input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status with annotation counts",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountAnnotationsByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":        p.ID,
			"status":            p.Status,
			"annotation_counts": counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: ProjectConfigResponse{ProjectID: input.ProjectID, YAML: string(data)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body PutProjectConfigRequest `json:"body"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleManager); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		var cfg config.Config
		if err := yaml.Unmarshal([]byte(input.Body.YAML), &cfg); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid config yaml", nil)
		}
		cfg.Project.ID = input.ProjectID
		if err := cfg.Validate(); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, input.ProjectID, &cfg); err != nil {
			return nil, handleError(err)
		}
		data, _ := yaml.Marshal(&cfg)
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: ProjectConfigResponse{ProjectID: input.ProjectID, YAML: string(data)}}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	type ProjectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "set-assignment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/assignments",
		Summary:       "Assign an actor role on the project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body SetAssignmentRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		byActor, err := requireRole(ctx, e, input.ProjectID, domain.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.AssignActor(ctx, input.ProjectID, strings.TrimSpace(input.Body.ActorID), input.Body.Role, byActor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assignments",
		Summary:     "List project assignments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Role string `query:"role" enum:"annotator,reviewer,manager,"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListAssignments(ctx, input.ProjectID, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-assignment",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/assignments/{actor_id}",
		Summary:       "Remove an actor from the project",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectPath
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		byActor, err := requireRole(ctx, e, input.ProjectID, domain.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.UnassignActor(ctx, input.ProjectID, input.ActorID, byActor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
