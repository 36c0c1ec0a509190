package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/repo"
)

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-resource",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/resources",
		Summary:       "Register a content unit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      RegisterResourceRequest `json:"body"`
	}) (*struct {
		Body domain.Resource `json:"body"`
	}, error) {
		actorID, err := requireRole(ctx, e, input.ProjectID, domain.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.RegisterResource(ctx, engine.ResourceCreateOptions{
			ProjectID:      input.ProjectID,
			Name:           strings.TrimSpace(input.Body.Name),
			MediaType:      input.Body.MediaType,
			SourceType:     input.Body.SourceType,
			StorageKey:     input.Body.StorageKey,
			ExternalURL:    input.Body.ExternalURL,
			ContentPreview: input.Body.ContentPreview,
			FileSize:       input.Body.FileSize,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Resource `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/resources",
		Summary:     "List resources",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		MediaType string `query:"media_type" enum:"text,image,"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Resource `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListResources(ctx, repo.ResourceFilters{
			ProjectID: input.ProjectID,
			MediaType: input.MediaType,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Resource `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resource",
		Method:      http.MethodGet,
		Path:        "/resources/{resource_id}",
		Summary:     "Get resource",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*struct {
		Body domain.Resource `json:"body"`
	}, error) {
		res, err := e.Repo.GetResource(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireRole(ctx, e, res.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Resource `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-resource",
		Method:      http.MethodPost,
		Path:        "/resources/{resource_id}/archive",
		Summary:     "Archive resource",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*struct {
		Body domain.Resource `json:"body"`
	}, error) {
		res, err := e.Repo.GetResource(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireRole(ctx, e, res.ProjectID, domain.RoleManager)
		if err != nil {
			return nil, handleError(err)
		}
		archived, err := e.ArchiveResource(ctx, input.ResourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Resource `json:"body"`
		}{Body: archived}, nil
	})
}
