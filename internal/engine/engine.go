package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"annolab/internal/config"
	"annolab/internal/domain"
	"annolab/internal/engine/auth"
	"annolab/internal/events"
	"annolab/internal/queue"
	"annolab/internal/repo"
	"annolab/internal/span"
)

// Engine owns the business rules. Each operation runs in its own
// transaction; audit events commit with the state change, queue tasks
// are handed off only after a successful commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  queue.Enqueuer
	Auth   auth.Service
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.New(db),
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) eventsWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// enqueue is fire-and-forget: the state change already committed, so an
// enqueue failure is logged and swallowed.
func (e Engine) enqueue(ctx context.Context, t queue.Task) {
	if e.Queue == nil {
		return
	}
	if _, err := e.Queue.Enqueue(ctx, t); err != nil {
		e.Log.Warn().Err(err).
			Str("kind", t.Kind).
			Str("project_id", t.ProjectID).
			Str("annotation_id", t.AnnotationID).
			Msg("enqueue task failed")
	}
}

// validateSpans runs the full batch validation: project catalog, batch
// size limit, then the sub-type rules.
func (e Engine) validateSpans(spans []domain.Span, subType string) error {
	if e.Config != nil && !e.Config.AllowsSubType(subType) {
		return &span.ValidationError{
			Kind:    span.KindUnsupportedSubType,
			Message: fmt.Sprintf("sub-type %q is not enabled for this project", subType),
		}
	}
	if e.Config != nil && e.Config.Annotation.MaxBatchSpans > 0 && len(spans) > e.Config.Annotation.MaxBatchSpans {
		return fmt.Errorf("invalid batch: %d spans exceeds the configured maximum of %d", len(spans), e.Config.Annotation.MaxBatchSpans)
	}
	return span.Validate(spans, subType)
}

// resetReviewState routes a reviewed annotation back to draft, clearing
// every reviewer field. All mutating paths go through this; nothing
// else may clear review state.
func resetReviewState(a *domain.Annotation) {
	if a.Status != domain.AnnotationApproved && a.Status != domain.AnnotationRejected {
		return
	}
	a.Status = domain.AnnotationDraft
	a.ReviewerID = nil
	a.ReviewComment = nil
	a.ReviewedAt = nil
	a.SubmittedAt = nil
}

func fillSpanIDs(spans []domain.Span) {
	for i := range spans {
		if strings.TrimSpace(spans[i].ID) == "" {
			spans[i].ID = uuid.NewString()
		}
	}
}

// --- projects ---

// InitProject creates a project with its default config and assigns the
// creating actor as manager. Idempotent for an existing project.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, fmt.Errorf("project id required")
	}
	if existing, err := e.Repo.GetProject(ctx, projectID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	now := e.ts()
	p := domain.Project{
		ID:          projectID,
		Kind:        "annotation-project",
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	if cfg == nil || cfg.Project.ID != projectID {
		cfg = config.Default(projectID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if actorID != "" {
		if _, err := e.Repo.UpsertAssignmentTx(ctx, tx, projectID, actorID, domain.RoleManager); err != nil {
			return domain.Project{}, fmt.Errorf("assign manager: %w", err)
		}
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeProjectCreated, projectID, "project", projectID, actorID, nil); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// --- assignments ---

func (e Engine) AssignActor(ctx context.Context, projectID, actorID, role, byActorID string) (domain.Assignment, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Assignment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.UpsertAssignmentTx(ctx, tx, projectID, actorID, role)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeActorAssigned, projectID, "assignment", actorID, byActorID, events.EventPayload{"role": role}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func (e Engine) UnassignActor(ctx context.Context, projectID, actorID, byActorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeActorUnassigned, projectID, "assignment", actorID, byActorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// --- resources ---

type ResourceCreateOptions struct {
	ProjectID      string
	Name           string
	MediaType      string
	SourceType     string
	StorageKey     string
	ExternalURL    string
	ContentPreview string
	FileSize       *int64
	ActorID        string
}

// RegisterResource records a content unit and enqueues its ingestion
// task. Content bytes are never read here; StorageKey stays opaque.
func (e Engine) RegisterResource(ctx context.Context, opts ResourceCreateOptions) (domain.Resource, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Resource{}, fmt.Errorf("resource name required")
	}
	if opts.MediaType != domain.MediaText && opts.MediaType != domain.MediaImage {
		return domain.Resource{}, fmt.Errorf("invalid media_type %q", opts.MediaType)
	}
	switch opts.SourceType {
	case domain.SourceUpload:
		if strings.TrimSpace(opts.StorageKey) == "" {
			return domain.Resource{}, fmt.Errorf("storage_key required for upload resources")
		}
	case domain.SourceURL:
		if strings.TrimSpace(opts.ExternalURL) == "" {
			return domain.Resource{}, fmt.Errorf("external_url required for url resources")
		}
	default:
		return domain.Resource{}, fmt.Errorf("invalid source_type %q", opts.SourceType)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Resource{}, err
	}
	res := domain.Resource{
		ID:         uuid.NewString(),
		ProjectID:  opts.ProjectID,
		Name:       opts.Name,
		MediaType:  opts.MediaType,
		SourceType: opts.SourceType,
		UploadedBy: opts.ActorID,
		Status:     "active",
		CreatedAt:  e.ts(),
	}
	if opts.StorageKey != "" {
		res.StorageKey = &opts.StorageKey
	}
	if opts.ExternalURL != "" {
		res.ExternalURL = &opts.ExternalURL
	}
	if opts.ContentPreview != "" {
		res.ContentPreview = &opts.ContentPreview
	}
	res.FileSize = opts.FileSize

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Resource{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertResourceTx(ctx, tx, res); err != nil {
		return domain.Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeResourceRegistered, res.ProjectID, "resource", res.ID, opts.ActorID,
		events.EventPayload{"media_type": res.MediaType, "source_type": res.SourceType}); err != nil {
		return domain.Resource{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Resource{}, err
	}
	e.enqueue(ctx, queue.Task{
		ProjectID:  res.ProjectID,
		Kind:       queue.KindResourceIngested,
		ResourceID: res.ID,
		Payload:    events.EventPayload{"media_type": res.MediaType},
	})
	return res, nil
}

func (e Engine) ArchiveResource(ctx context.Context, resourceID, actorID string) (domain.Resource, error) {
	res, err := e.Repo.GetResource(ctx, resourceID)
	if err != nil {
		return domain.Resource{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Resource{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateResourceStatusTx(ctx, tx, resourceID, "archived"); err != nil {
		return domain.Resource{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeResourceArchived, res.ProjectID, "resource", res.ID, actorID, nil); err != nil {
		return domain.Resource{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Resource{}, err
	}
	res.Status = "archived"
	return res, nil
}

// --- annotation aggregate ---

type AnnotationCreateOptions struct {
	ResourceID  string
	AnnotatorID string
	SubType     string
}

// GetOrCreateAnnotation returns the annotator's annotation for the
// resource, creating an empty draft when none exists. At most one
// annotation exists per (resource, annotator); a concurrent create
// loses the insert race and returns the winner's row.
func (e Engine) GetOrCreateAnnotation(ctx context.Context, opts AnnotationCreateOptions) (domain.Annotation, error) {
	if strings.TrimSpace(opts.AnnotatorID) == "" {
		return domain.Annotation{}, fmt.Errorf("annotator id required")
	}
	if e.Config != nil && !e.Config.AllowsSubType(opts.SubType) {
		return domain.Annotation{}, &span.ValidationError{
			Kind:    span.KindUnsupportedSubType,
			Message: fmt.Sprintf("sub-type %q is not enabled for this project", opts.SubType),
		}
	}
	if !span.Supported(opts.SubType) {
		return domain.Annotation{}, &span.ValidationError{
			Kind:    span.KindUnsupportedSubType,
			Message: fmt.Sprintf("unsupported sub-type %q", opts.SubType),
		}
	}
	res, err := e.Repo.GetResource(ctx, opts.ResourceID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if existing, err := e.Repo.GetAnnotationByResourceAnnotator(ctx, opts.ResourceID, opts.AnnotatorID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Annotation{}, err
	}
	now := e.ts()
	a := domain.Annotation{
		ID:          uuid.NewString(),
		ProjectID:   res.ProjectID,
		ResourceID:  res.ID,
		AnnotatorID: opts.AnnotatorID,
		SubType:     opts.SubType,
		Status:      domain.AnnotationDraft,
		Spans:       []domain.Span{},
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAnnotationTx(ctx, tx, a); err != nil {
		// Unique (resource_id, annotator_id): a concurrent creator won.
		if existing, gerr := e.Repo.GetAnnotationByResourceAnnotator(ctx, opts.ResourceID, opts.AnnotatorID); gerr == nil {
			return existing, nil
		}
		return domain.Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeAnnotationCreated, a.ProjectID, "annotation", a.ID, opts.AnnotatorID,
		events.EventPayload{"resource_id": a.ResourceID, "sub_type": a.SubType}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

func (e Engine) GetAnnotation(ctx context.Context, id string) (domain.Annotation, error) {
	return e.Repo.GetAnnotation(ctx, id)
}

func (e Engine) ListAnnotations(ctx context.Context, f repo.AnnotationFilters) ([]domain.Annotation, error) {
	return e.Repo.ListAnnotations(ctx, f)
}

// mutateSpans is the single span-mutation path for draft-side edits:
// it checks mutation legality, applies the review-state reset, runs fn
// over the span set, re-validates the full result, and commits under
// the optimistic version check.
func (e Engine) mutateSpans(ctx context.Context, annotationID, actorID, evtType string, expectedVersion *int64, fn func(a *domain.Annotation) error) (domain.Annotation, error) {
	a, err := e.Repo.GetAnnotation(ctx, annotationID)
	if err != nil {
		return domain.Annotation{}, err
	}
	switch a.Status {
	case domain.AnnotationSubmitted, domain.AnnotationUnderReview:
		return domain.Annotation{}, &InvalidTransitionError{From: a.Status, To: domain.AnnotationDraft}
	}
	expected := a.Version
	if expectedVersion != nil {
		expected = *expectedVersion
	}
	resetReviewState(&a)
	if err := fn(&a); err != nil {
		return domain.Annotation{}, err
	}
	fillSpanIDs(a.Spans)
	if err := e.validateSpans(a.Spans, a.SubType); err != nil {
		return domain.Annotation{}, err
	}
	a.Version = expected + 1
	a.UpdatedAt = e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAnnotationTx(ctx, tx, a, expected); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Annotation{}, &ConflictError{AnnotationID: a.ID, ExpectedVersion: expected}
		}
		return domain.Annotation{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, evtType, a.ProjectID, "annotation", a.ID, actorID,
		events.EventPayload{"span_count": len(a.Spans), "version": a.Version}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

func (e Engine) AddSpan(ctx context.Context, annotationID, actorID string, s domain.Span, expectedVersion *int64) (domain.Annotation, error) {
	return e.mutateSpans(ctx, annotationID, actorID, events.TypeAnnotationEdited, expectedVersion, func(a *domain.Annotation) error {
		a.Spans = append(a.Spans, s)
		return nil
	})
}

// SpanPatch carries partial span updates; nil fields are unchanged.
type SpanPatch struct {
	Label  *string
	Text   *string
	Start  *int
	End    *int
	Box    *domain.Box
	Points [][]float64
	Attrs  map[string]any
}

func (e Engine) UpdateSpan(ctx context.Context, annotationID, spanID, actorID string, patch SpanPatch, expectedVersion *int64) (domain.Annotation, error) {
	return e.mutateSpans(ctx, annotationID, actorID, events.TypeAnnotationEdited, expectedVersion, func(a *domain.Annotation) error {
		for i := range a.Spans {
			if a.Spans[i].ID != spanID {
				continue
			}
			applyPatch(&a.Spans[i], patch)
			return nil
		}
		return fmt.Errorf("span %s: %w", spanID, repo.ErrNotFound)
	})
}

func applyPatch(s *domain.Span, patch SpanPatch) {
	if patch.Label != nil {
		s.Label = *patch.Label
	}
	if patch.Text != nil {
		s.Text = *patch.Text
	}
	if patch.Start != nil {
		s.Start = *patch.Start
	}
	if patch.End != nil {
		s.End = *patch.End
	}
	if patch.Box != nil {
		s.Box = patch.Box
	}
	if patch.Points != nil {
		s.Points = patch.Points
	}
	if patch.Attrs != nil {
		s.Attrs = patch.Attrs
	}
}

func (e Engine) RemoveSpan(ctx context.Context, annotationID, spanID, actorID string, expectedVersion *int64) (domain.Annotation, error) {
	return e.mutateSpans(ctx, annotationID, actorID, events.TypeAnnotationEdited, expectedVersion, func(a *domain.Annotation) error {
		for i := range a.Spans {
			if a.Spans[i].ID == spanID {
				a.Spans = append(a.Spans[:i], a.Spans[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("span %s: %w", spanID, repo.ErrNotFound)
	})
}

type EditOptions struct {
	AnnotationID    string
	ActorID         string
	Spans           []domain.Span
	ExpectedVersion *int64
}

// Edit replaces the whole span set. Legal from draft, and from
// approved/rejected via the review-state reset; editing work that is
// awaiting review is an invalid transition.
func (e Engine) Edit(ctx context.Context, opts EditOptions) (domain.Annotation, error) {
	return e.mutateSpans(ctx, opts.AnnotationID, opts.ActorID, events.TypeAnnotationEdited, opts.ExpectedVersion, func(a *domain.Annotation) error {
		a.Spans = opts.Spans
		return nil
	})
}

type SubmitBatchOptions struct {
	ResourceID      string
	AnnotatorID     string
	SubType         string
	Spans           []domain.Span
	ExpectedVersion *int64
}

// SubmitBatch is the canonical entry point: it validates the batch,
// gets-or-creates the annotation, atomically replaces its span set, and
// moves it to submitted. Nothing is written when validation fails.
func (e Engine) SubmitBatch(ctx context.Context, opts SubmitBatchOptions) (domain.Annotation, error) {
	spans := make([]domain.Span, len(opts.Spans))
	copy(spans, opts.Spans)
	fillSpanIDs(spans)
	if err := e.validateSpans(spans, opts.SubType); err != nil {
		return domain.Annotation{}, err
	}
	a, err := e.GetOrCreateAnnotation(ctx, AnnotationCreateOptions{
		ResourceID:  opts.ResourceID,
		AnnotatorID: opts.AnnotatorID,
		SubType:     opts.SubType,
	})
	if err != nil {
		return domain.Annotation{}, err
	}
	if a.SubType != opts.SubType {
		return domain.Annotation{}, fmt.Errorf("invalid sub-type %q: annotation %s is %q", opts.SubType, a.ID, a.SubType)
	}
	switch a.Status {
	case domain.AnnotationSubmitted, domain.AnnotationUnderReview:
		return domain.Annotation{}, &InvalidTransitionError{From: a.Status, To: domain.AnnotationSubmitted}
	}
	expected := a.Version
	if opts.ExpectedVersion != nil {
		expected = *opts.ExpectedVersion
	}
	resetReviewState(&a)
	now := e.ts()
	a.Spans = spans
	a.Status = domain.AnnotationSubmitted
	a.SubmittedAt = &now
	a.Version = expected + 1
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAnnotationTx(ctx, tx, a, expected); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Annotation{}, &ConflictError{AnnotationID: a.ID, ExpectedVersion: expected}
		}
		return domain.Annotation{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeAnnotationSubmitted, a.ProjectID, "annotation", a.ID, opts.AnnotatorID,
		events.EventPayload{"span_count": len(a.Spans), "sub_type": a.SubType}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	e.enqueue(ctx, queue.Task{
		ProjectID:    a.ProjectID,
		Kind:         queue.KindAnnotationSubmitted,
		SubType:      a.SubType,
		ResourceID:   a.ResourceID,
		AnnotationID: a.ID,
		Payload:      events.EventPayload{"span_count": len(a.Spans)},
	})
	return a, nil
}

// OpenReview moves a submitted annotation to under_review and records
// the reviewer working on it.
func (e Engine) OpenReview(ctx context.Context, annotationID, reviewerID string) (domain.Annotation, error) {
	a, err := e.Repo.GetAnnotation(ctx, annotationID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if a.Status != domain.AnnotationSubmitted {
		return domain.Annotation{}, &InvalidTransitionError{From: a.Status, To: domain.AnnotationUnderReview}
	}
	expected := a.Version
	a.Status = domain.AnnotationUnderReview
	a.ReviewerID = &reviewerID
	a.Version = expected + 1
	a.UpdatedAt = e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAnnotationTx(ctx, tx, a, expected); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Annotation{}, &ConflictError{AnnotationID: a.ID, ExpectedVersion: expected}
		}
		return domain.Annotation{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeReviewOpened, a.ProjectID, "annotation", a.ID, reviewerID, nil); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

type ReviewOptions struct {
	AnnotationID    string
	ReviewerID      string
	Action          string // approve | reject
	Comment         string
	ExpectedVersion *int64
}

// Review approves or rejects a submitted annotation.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (domain.Annotation, error) {
	var target string
	switch opts.Action {
	case "approve":
		target = domain.AnnotationApproved
	case "reject":
		target = domain.AnnotationRejected
	default:
		return domain.Annotation{}, fmt.Errorf("invalid review action %q", opts.Action)
	}
	a, err := e.Repo.GetAnnotation(ctx, opts.AnnotationID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if a.Status != domain.AnnotationSubmitted && a.Status != domain.AnnotationUnderReview {
		return domain.Annotation{}, &InvalidTransitionError{From: a.Status, To: target}
	}
	expected := a.Version
	if opts.ExpectedVersion != nil {
		expected = *opts.ExpectedVersion
	}
	now := e.ts()
	a.Status = target
	a.ReviewerID = &opts.ReviewerID
	a.ReviewedAt = &now
	if strings.TrimSpace(opts.Comment) != "" {
		comment := opts.Comment
		a.ReviewComment = &comment
	} else {
		a.ReviewComment = nil
	}
	a.Version = expected + 1
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAnnotationTx(ctx, tx, a, expected); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Annotation{}, &ConflictError{AnnotationID: a.ID, ExpectedVersion: expected}
		}
		return domain.Annotation{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeAnnotationReviewed, a.ProjectID, "annotation", a.ID, opts.ReviewerID,
		events.EventPayload{"action": opts.Action}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	e.enqueue(ctx, queue.Task{
		ProjectID:    a.ProjectID,
		Kind:         queue.KindAnnotationReviewed,
		SubType:      a.SubType,
		ResourceID:   a.ResourceID,
		AnnotationID: a.ID,
		Payload:      events.EventPayload{"action": opts.Action},
	})
	return a, nil
}
