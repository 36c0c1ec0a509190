package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"annolab/internal/domain"
	"annolab/internal/engine"
)

func registerCorrections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-correction",
		Method:        http.MethodPost,
		Path:          "/annotations/{annotation_id}/corrections",
		Summary:       "Propose a replacement span set",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AnnotationID string                   `path:"annotation_id"`
		Body         ProposeCorrectionRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewCorrection `json:"body"`
	}, error) {
		_, actorID, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleReviewer)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.ProposeCorrection(ctx, engine.ProposeCorrectionOptions{
			AnnotationID: input.AnnotationID,
			ReviewerID:   actorID,
			Spans:        input.Body.Spans,
			Comment:      input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewCorrection `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-corrections",
		Method:      http.MethodGet,
		Path:        "/annotations/{annotation_id}/corrections",
		Summary:     "List corrections for an annotation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AnnotationID string `path:"annotation_id"`
		Status       string `query:"status" enum:"pending,accepted,rejected,"`
	}) (*struct {
		Body []domain.ReviewCorrection `json:"body"`
	}, error) {
		if _, _, err := annotationProject(ctx, e, input.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		list, err := e.ListCorrections(ctx, input.AnnotationID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReviewCorrection `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-correction",
		Method:      http.MethodGet,
		Path:        "/corrections/{correction_id}",
		Summary:     "Get correction",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CorrectionID string `path:"correction_id"`
	}) (*struct {
		Body domain.ReviewCorrection `json:"body"`
	}, error) {
		c, err := e.GetCorrection(ctx, input.CorrectionID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, _, err := annotationProject(ctx, e, c.AnnotationID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewCorrection `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-correction",
		Method:      http.MethodPost,
		Path:        "/corrections/{correction_id}/decision",
		Summary:     "Accept or reject a correction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CorrectionID string                  `path:"correction_id"`
		Body         DecideCorrectionRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewCorrection `json:"body"`
	}, error) {
		c, err := e.GetCorrection(ctx, input.CorrectionID)
		if err != nil {
			return nil, handleError(err)
		}
		// Assignment check only; the engine enforces that the decider
		// is the annotation's annotator.
		_, actorID, err := annotationProject(ctx, e, c.AnnotationID, domain.RoleAnnotator)
		if err != nil {
			return nil, handleError(err)
		}
		decided, err := e.DecideCorrection(ctx, engine.DecideCorrectionOptions{
			CorrectionID: input.CorrectionID,
			ActorID:      actorID,
			Decision:     input.Body.Decision,
			Response:     input.Body.Response,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewCorrection `json:"body"`
		}{Body: decided}, nil
	})
}
