package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"annolab/internal/domain"
	"annolab/internal/events"
	"annolab/internal/queue"
	"annolab/internal/repo"
)

type ProposeCorrectionOptions struct {
	AnnotationID string
	ReviewerID   string
	Spans        []domain.Span
	Comment      string
}

// ProposeCorrection records a reviewer's replacement span set against
// the annotation's current spans. The original set is snapshotted so
// the proposal stays meaningful if the annotation moves on. Multiple
// pending corrections may coexist; the proposal itself never mutates
// the annotation, and its spans are validated at accept time.
func (e Engine) ProposeCorrection(ctx context.Context, opts ProposeCorrectionOptions) (domain.ReviewCorrection, error) {
	if strings.TrimSpace(opts.ReviewerID) == "" {
		return domain.ReviewCorrection{}, fmt.Errorf("reviewer id required")
	}
	a, err := e.Repo.GetAnnotation(ctx, opts.AnnotationID)
	if err != nil {
		return domain.ReviewCorrection{}, err
	}
	if a.Status == domain.AnnotationDraft {
		return domain.ReviewCorrection{}, fmt.Errorf("invalid correction target: annotation %s is draft", a.ID)
	}
	corrected := make([]domain.Span, len(opts.Spans))
	copy(corrected, opts.Spans)
	fillSpanIDs(corrected)
	now := e.ts()
	c := domain.ReviewCorrection{
		ID:             uuid.NewString(),
		AnnotationID:   a.ID,
		ReviewerID:     opts.ReviewerID,
		Status:         domain.CorrectionPending,
		OriginalSpans:  a.Spans,
		CorrectedSpans: corrected,
		Comment:        opts.Comment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewCorrection{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCorrectionTx(ctx, tx, c); err != nil {
		return domain.ReviewCorrection{}, fmt.Errorf("insert correction: %w", err)
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeCorrectionProposed, a.ProjectID, "correction", c.ID, opts.ReviewerID,
		events.EventPayload{"annotation_id": a.ID, "span_count": len(corrected)}); err != nil {
		return domain.ReviewCorrection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewCorrection{}, err
	}
	return c, nil
}

func (e Engine) GetCorrection(ctx context.Context, id string) (domain.ReviewCorrection, error) {
	return e.Repo.GetCorrection(ctx, id)
}

func (e Engine) ListCorrections(ctx context.Context, annotationID, status string) ([]domain.ReviewCorrection, error) {
	return e.Repo.ListCorrections(ctx, annotationID, status)
}

type DecideCorrectionOptions struct {
	CorrectionID string
	ActorID      string
	Decision     string // accept | reject
	Response     string
}

// DecideCorrection is the annotator's verdict on a proposal. Only the
// referenced annotation's annotator may decide, and only while the
// correction is pending. Accepting applies the corrected spans through
// the aggregate's validated replace path in the same transaction that
// finalizes the correction; a proposal that fails validation leaves the
// correction pending and the annotation untouched.
func (e Engine) DecideCorrection(ctx context.Context, opts DecideCorrectionOptions) (domain.ReviewCorrection, error) {
	if opts.Decision != "accept" && opts.Decision != "reject" {
		return domain.ReviewCorrection{}, fmt.Errorf("invalid decision %q", opts.Decision)
	}
	c, err := e.Repo.GetCorrection(ctx, opts.CorrectionID)
	if err != nil {
		return domain.ReviewCorrection{}, err
	}
	a, err := e.Repo.GetAnnotation(ctx, c.AnnotationID)
	if err != nil {
		return domain.ReviewCorrection{}, err
	}
	if a.AnnotatorID != opts.ActorID {
		return domain.ReviewCorrection{}, &OwnershipError{ActorID: opts.ActorID, AnnotatorID: a.AnnotatorID}
	}
	if c.Status != domain.CorrectionPending {
		return domain.ReviewCorrection{}, &AlreadyDecidedError{CorrectionID: c.ID, Status: c.Status}
	}
	var response *string
	if strings.TrimSpace(opts.Response) != "" {
		response = &opts.Response
	}
	now := e.ts()

	if opts.Decision == "accept" {
		// Validate before touching anything: a bad proposal fails the
		// accept and the correction stays pending.
		if err := e.validateSpans(c.CorrectedSpans, a.SubType); err != nil {
			return domain.ReviewCorrection{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewCorrection{}, err
	}
	defer tx.Rollback()

	status := domain.CorrectionRejected
	if opts.Decision == "accept" {
		status = domain.CorrectionAccepted
		expected := a.Version
		resetReviewState(&a)
		a.Spans = c.CorrectedSpans
		a.Version = expected + 1
		a.UpdatedAt = now
		if err := e.Repo.UpdateAnnotationTx(ctx, tx, a, expected); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return domain.ReviewCorrection{}, &ConflictError{AnnotationID: a.ID, ExpectedVersion: expected}
			}
			return domain.ReviewCorrection{}, err
		}
		if err := e.eventsWriter().Append(ctx, tx, events.TypeAnnotationEdited, a.ProjectID, "annotation", a.ID, opts.ActorID,
			events.EventPayload{"correction_id": c.ID, "span_count": len(a.Spans)}); err != nil {
			return domain.ReviewCorrection{}, err
		}
	}
	if err := e.Repo.DecideCorrectionTx(ctx, tx, c.ID, status, response, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.ReviewCorrection{}, &AlreadyDecidedError{CorrectionID: c.ID, Status: c.Status}
		}
		return domain.ReviewCorrection{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeCorrectionDecided, a.ProjectID, "correction", c.ID, opts.ActorID,
		events.EventPayload{"decision": opts.Decision, "annotation_id": a.ID}); err != nil {
		return domain.ReviewCorrection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewCorrection{}, err
	}

	c.Status = status
	c.AnnotatorResponse = response
	c.UpdatedAt = now
	e.enqueue(ctx, queue.Task{
		ProjectID:    a.ProjectID,
		Kind:         queue.KindCorrectionDecided,
		SubType:      a.SubType,
		AnnotationID: a.ID,
		Payload:      events.EventPayload{"correction_id": c.ID, "decision": opts.Decision},
	})
	return c, nil
}
