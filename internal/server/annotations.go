package server

import (
	"context"
	"net/http"
	"reflect"

	"github.com/danielgtaylor/huma/v2"

	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/repo"
)

// optionalParam wraps a huma path/query/header parameter so that absence can
// be distinguished from the zero value; huma does not allow pointer fields
// for parameters. This is the wrapper shape documented on huma.ParamWrapper
// and huma.ParamReactor.
type optionalParam[T any] struct {
	Value T
	IsSet bool
}

func (o *optionalParam[T]) Receiver() reflect.Value {
	return reflect.ValueOf(o).Elem().Field(0)
}

func (o *optionalParam[T]) OnParamSet(isSet bool, parsed any) {
	o.IsSet = isSet
}

// annotationProject resolves the annotation and checks the caller's
// roles on its project.
func annotationProject(ctx context.Context, e engine.Engine, annotationID string, roles ...string) (domain.Annotation, string, error) {
	a, err := e.Repo.GetAnnotation(ctx, annotationID)
	if err != nil {
		return domain.Annotation{}, "", err
	}
	actorID, err := requireRole(ctx, e, a.ProjectID, roles...)
	if err != nil {
		return domain.Annotation{}, "", err
	}
	return a, actorID, nil
}

func registerAnnotations(api huma.API, e engine.Engine) {
	type AnnotationPath struct {
		AnnotationID string `path:"annotation_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-annotation",
		Method:        http.MethodPost,
		Path:          "/resources/{resource_id}/annotations",
		Summary:       "Get or create the caller's annotation on a resource",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ResourceID string                  `path:"resource_id"`
		Body       CreateAnnotationRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		res, err := e.Repo.GetResource(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireRole(ctx, e, res.ProjectID, domain.RoleAnnotator)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.GetOrCreateAnnotation(ctx, engine.AnnotationCreateOptions{
			ResourceID:  input.ResourceID,
			AnnotatorID: actorID,
			SubType:     input.Body.SubType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-batch",
		Method:      http.MethodPost,
		Path:        "/resources/{resource_id}/annotations/submit",
		Summary:     "Validate and submit a span batch",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ResourceID string             `path:"resource_id"`
		Body       SubmitBatchRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		res, err := e.Repo.GetResource(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireRole(ctx, e, res.ProjectID, domain.RoleAnnotator)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.SubmitBatch(ctx, engine.SubmitBatchOptions{
			ResourceID:      input.ResourceID,
			AnnotatorID:     actorID,
			SubType:         input.Body.SubType,
			Spans:           input.Body.Spans,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-annotation",
		Method:      http.MethodGet,
		Path:        "/annotations/{annotation_id}",
		Summary:     "Get annotation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *AnnotationPath) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		a, _, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/annotations",
		Summary:     "List annotations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		ResourceID  string `query:"resource_id"`
		AnnotatorID string `query:"annotator_id"`
		Status      string `query:"status" enum:"draft,submitted,under_review,approved,rejected,"`
		SubType     string `query:"sub_type"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Annotation `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		list, err := e.ListAnnotations(ctx, repo.AnnotationFilters{
			ProjectID:   input.ProjectID,
			ResourceID:  input.ResourceID,
			AnnotatorID: input.AnnotatorID,
			Status:      input.Status,
			SubType:     input.SubType,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Annotation `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-annotation",
		Method:      http.MethodPut,
		Path:        "/annotations/{annotation_id}/spans",
		Summary:     "Replace the span set",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AnnotationPath
		Body EditAnnotationRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Edit(ctx, engine.EditOptions{
			AnnotationID:    input.AnnotationID,
			ActorID:         actorID,
			Spans:           input.Body.Spans,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-span",
		Method:        http.MethodPost,
		Path:          "/annotations/{annotation_id}/spans",
		Summary:       "Add a span",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AnnotationPath
		Body AddSpanRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.AddSpan(ctx, input.AnnotationID, actorID, input.Body.Span, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-span",
		Method:      http.MethodPatch,
		Path:        "/annotations/{annotation_id}/spans/{span_id}",
		Summary:     "Update a span",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AnnotationPath
		SpanID string            `path:"span_id"`
		Body   UpdateSpanRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.UpdateSpan(ctx, input.AnnotationID, input.SpanID, actorID, engine.SpanPatch{
			Label:  input.Body.Label,
			Text:   input.Body.Text,
			Start:  input.Body.Start,
			End:    input.Body.End,
			Box:    input.Body.Box,
			Points: input.Body.Points,
			Attrs:  input.Body.Attrs,
		}, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-span",
		Method:      http.MethodDelete,
		Path:        "/annotations/{annotation_id}/spans/{span_id}",
		Summary:     "Remove a span",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AnnotationPath
		SpanID          string                `path:"span_id"`
		ExpectedVersion optionalParam[int64] `query:"expected_version"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		var expectedVersion *int64
		if input.ExpectedVersion.IsSet {
			expectedVersion = &input.ExpectedVersion.Value
		}
		a, err := e.RemoveSpan(ctx, input.AnnotationID, input.SpanID, actorID, expectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-review",
		Method:      http.MethodPost,
		Path:        "/annotations/{annotation_id}/review/open",
		Summary:     "Claim a submitted annotation for review",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *AnnotationPath) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.OpenReview(ctx, input.AnnotationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-annotation",
		Method:      http.MethodPost,
		Path:        "/annotations/{annotation_id}/review",
		Summary:     "Approve or reject a submitted annotation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		AnnotationPath
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Review(ctx, engine.ReviewOptions{
			AnnotationID:    input.AnnotationID,
			ReviewerID:      actorID,
			Action:          input.Body.Action,
			Comment:         input.Body.Comment,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})
}
