package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"annolab/internal/config"
	"annolab/internal/db"
	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/migrate"
	"annolab/internal/queue"
	"annolab/internal/span"
)

type testEnv struct {
	Engine   engine.Engine
	Queue    queue.Store
	Ctx      context.Context
	Resource domain.Resource
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = clock
	store := queue.NewStore(conn, zerolog.Nop())
	store.Now = clock
	eng.Queue = store
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "boss"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, err := eng.AssignActor(ctx, "proj-1", "annie", domain.RoleAnnotator, "boss"); err != nil {
		t.Fatalf("assign annotator: %v", err)
	}
	if _, err := eng.AssignActor(ctx, "proj-1", "rex", domain.RoleReviewer, "boss"); err != nil {
		t.Fatalf("assign reviewer: %v", err)
	}
	res, err := eng.RegisterResource(ctx, engine.ResourceCreateOptions{
		ProjectID:  "proj-1",
		Name:       "doc-1.txt",
		MediaType:  domain.MediaText,
		SourceType: domain.SourceUpload,
		StorageKey: "blobs/proj-1/doc-1.txt",
		ActorID:    "boss",
	})
	if err != nil {
		t.Fatalf("register resource: %v", err)
	}
	return testEnv{Engine: eng, Queue: store, Ctx: ctx, Resource: res}
}

func nerSpan(id string, start, end int, label, text string) domain.Span {
	return domain.Span{ID: id, Label: label, Text: text, Start: start, End: end}
}

func submit(t *testing.T, env testEnv, annotator string, spans []domain.Span) domain.Annotation {
	t.Helper()
	a, err := env.Engine.SubmitBatch(env.Ctx, engine.SubmitBatchOptions{
		ResourceID:  env.Resource.ID,
		AnnotatorID: annotator,
		SubType:     span.SubTypeNER,
		Spans:       spans,
	})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	return a
}

func TestSubmitBatchHappyPath(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{
		nerSpan("", 0, 4, "PER", "John"),
		nerSpan("", 5, 10, "LOC", "Paris"),
	})
	if a.Status != domain.AnnotationSubmitted {
		t.Fatalf("expected submitted, got %s", a.Status)
	}
	if a.Version != 1 {
		t.Fatalf("expected version 1, got %d", a.Version)
	}
	if a.SubmittedAt == nil {
		t.Fatalf("expected submitted_at")
	}
	if len(a.Spans) != 2 || a.Spans[0].ID == "" {
		t.Fatalf("expected 2 spans with generated ids, got %+v", a.Spans)
	}
	// audit event written in the same commit
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='annotation.submitted' AND entity_id=?`, a.ID)
	if err := row.Scan(&count); err != nil || count != 1 {
		t.Fatalf("expected one submitted event, got %d (%v)", count, err)
	}
	// queue task handed off after commit
	tasks, err := env.Queue.Pending(env.Ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var found bool
	for _, task := range tasks {
		if task.Kind == queue.KindAnnotationSubmitted && task.AnnotationID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected annotation.submitted task, got %+v", tasks)
	}
}

func TestSubmitBatchOverlapWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitBatch(env.Ctx, engine.SubmitBatchOptions{
		ResourceID:  env.Resource.ID,
		AnnotatorID: "annie",
		SubType:     span.SubTypeNER,
		Spans: []domain.Span{
			nerSpan("a", 0, 5, "PER", "one"),
			nerSpan("b", 3, 8, "LOC", "two"),
		},
	})
	var ve *span.ValidationError
	if !errors.As(err, &ve) || ve.Kind != span.KindOverlappingSpans {
		t.Fatalf("expected overlap error, got %v", err)
	}
	// validation fails before get-or-create: no annotation, no task
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM annotations WHERE resource_id=?`, env.Resource.ID)
	if err := row.Scan(&count); err != nil || count != 0 {
		t.Fatalf("expected zero annotation rows, got %d (%v)", count, err)
	}
	tasks, _ := env.Queue.Pending(env.Ctx, "proj-1", 10)
	for _, task := range tasks {
		if task.Kind == queue.KindAnnotationSubmitted {
			t.Fatalf("unexpected queue task %+v", task)
		}
	}
}

func TestGetOrCreateAnnotationIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID:  env.Resource.ID,
		AnnotatorID: "annie",
		SubType:     span.SubTypeNER,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != domain.AnnotationDraft || first.Version != 0 || len(first.Spans) != 0 {
		t.Fatalf("expected empty draft at version 0, got %+v", first)
	}
	second, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID:  env.Resource.ID,
		AnnotatorID: "annie",
		SubType:     span.SubTypeNER,
	})
	if err != nil || second.ID != first.ID {
		t.Fatalf("expected same annotation back: %v (%s vs %s)", err, second.ID, first.ID)
	}
	other, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID:  env.Resource.ID,
		AnnotatorID: "bert",
		SubType:     span.SubTypeNER,
	})
	if err != nil || other.ID == first.ID {
		t.Fatalf("expected distinct annotation per annotator: %v", err)
	}
}

func TestGetOrCreateRejectsUnknownSubType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID:  env.Resource.ID,
		AnnotatorID: "annie",
		SubType:     "coreference",
	})
	var ve *span.ValidationError
	if !errors.As(err, &ve) || ve.Kind != span.KindUnsupportedSubType {
		t.Fatalf("expected unsupported sub-type, got %v", err)
	}
}

func TestReviewFlow(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("", 0, 4, "PER", "John")})

	opened, err := env.Engine.OpenReview(env.Ctx, a.ID, "rex")
	if err != nil || opened.Status != domain.AnnotationUnderReview {
		t.Fatalf("open review: %v (%+v)", err, opened)
	}
	if opened.ReviewerID == nil || *opened.ReviewerID != "rex" {
		t.Fatalf("expected reviewer recorded")
	}

	approved, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		AnnotationID: a.ID,
		ReviewerID:   "rex",
		Action:       "approve",
		Comment:      "looks right",
	})
	if err != nil || approved.Status != domain.AnnotationApproved {
		t.Fatalf("approve: %v (%+v)", err, approved)
	}
	if approved.ReviewedAt == nil || approved.ReviewComment == nil {
		t.Fatalf("expected reviewer fields set")
	}

	// approving again is an invalid transition
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{AnnotationID: a.ID, ReviewerID: "rex", Action: "approve"})
	var te *engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestReviewDraftIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID: env.Resource.ID, AnnotatorID: "annie", SubType: span.SubTypeNER,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{AnnotationID: a.ID, ReviewerID: "rex", Action: "reject"})
	var te *engine.InvalidTransitionError
	if !errors.As(err, &te) || te.From != domain.AnnotationDraft {
		t.Fatalf("expected invalid transition from draft, got %v", err)
	}
}

func TestEditAfterRejectionResetsReviewState(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("", 0, 4, "PER", "John")})
	rejected, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		AnnotationID: a.ID, ReviewerID: "rex", Action: "reject", Comment: "wrong label",
	})
	if err != nil || rejected.Status != domain.AnnotationRejected {
		t.Fatalf("reject: %v", err)
	}

	edited, err := env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("", 5, 10, "LOC", "Paris"), nil)
	if err != nil {
		t.Fatalf("add span: %v", err)
	}
	if edited.Status != domain.AnnotationDraft {
		t.Fatalf("expected draft after edit, got %s", edited.Status)
	}
	if edited.ReviewerID != nil || edited.ReviewComment != nil || edited.ReviewedAt != nil || edited.SubmittedAt != nil {
		t.Fatalf("expected reviewer state cleared, got %+v", edited)
	}
	if edited.Version != rejected.Version+1 {
		t.Fatalf("expected version bump, got %d after %d", edited.Version, rejected.Version)
	}

	// the cycle continues: resubmit and approve
	resubmitted := submit(t, env, "annie", []domain.Span{nerSpan("", 0, 4, "PER", "John")})
	if resubmitted.Status != domain.AnnotationSubmitted {
		t.Fatalf("expected resubmission, got %s", resubmitted.Status)
	}
}

func TestEditSubmittedIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("", 0, 4, "PER", "John")})
	_, err := env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("", 5, 10, "LOC", "Paris"), nil)
	var te *engine.InvalidTransitionError
	if !errors.As(err, &te) || te.From != domain.AnnotationSubmitted {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	// resubmitting over a pending submission is also invalid
	_, err = env.Engine.SubmitBatch(env.Ctx, engine.SubmitBatchOptions{
		ResourceID: env.Resource.ID, AnnotatorID: "annie", SubType: span.SubTypeNER,
		Spans: []domain.Span{nerSpan("", 0, 4, "PER", "John")},
	})
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition on resubmit, got %v", err)
	}
}

func TestEditValidatesFullResultingSet(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID: env.Resource.ID, AnnotatorID: "annie", SubType: span.SubTypeNER,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("", 0, 5, "PER", "John"), nil); err != nil {
		t.Fatalf("first span: %v", err)
	}
	// the new span alone is fine but overlaps the existing one
	_, err = env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("", 3, 8, "LOC", "ohn P"), nil)
	var ve *span.ValidationError
	if !errors.As(err, &ve) || ve.Kind != span.KindOverlappingSpans {
		t.Fatalf("expected overlap on union, got %v", err)
	}
	got, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if len(got.Spans) != 1 {
		t.Fatalf("failed edit must not persist, got %d spans", len(got.Spans))
	}
}

func TestUpdateAndRemoveSpan(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID: env.Resource.ID, AnnotatorID: "annie", SubType: span.SubTypeNER,
	})
	if err != nil {
		t.Fatal(err)
	}
	a, err = env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("s1", 0, 5, "PER", "John"), nil)
	if err != nil {
		t.Fatal(err)
	}
	label := "ORG"
	a, err = env.Engine.UpdateSpan(env.Ctx, a.ID, "s1", "annie", engine.SpanPatch{Label: &label}, nil)
	if err != nil || a.Spans[0].Label != "ORG" {
		t.Fatalf("update span: %v (%+v)", err, a.Spans)
	}
	a, err = env.Engine.RemoveSpan(env.Ctx, a.ID, "s1", "annie", nil)
	if err != nil || len(a.Spans) != 0 {
		t.Fatalf("remove span: %v", err)
	}
	_, err = env.Engine.RemoveSpan(env.Ctx, a.ID, "missing", "annie", nil)
	if err == nil {
		t.Fatalf("expected not found for unknown span id")
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID: env.Resource.ID, AnnotatorID: "annie", SubType: span.SubTypeNER,
	})
	if err != nil {
		t.Fatal(err)
	}
	stale := a.Version
	if _, err := env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("", 0, 5, "PER", "John"), nil); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	// second writer still holds the pre-edit version
	_, err = env.Engine.AddSpan(env.Ctx, a.ID, "annie", nerSpan("", 6, 9, "LOC", "Rio"), &stale)
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if len(got.Spans) != 1 || got.Version != 1 {
		t.Fatalf("loser must not write, got %+v", got)
	}
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, queue.Task) (queue.JobHandle, error) {
	return queue.JobHandle{}, fmt.Errorf("broker down")
}

func TestEnqueueFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Queue = failingEnqueuer{}
	a := submit(t, env, "annie", []domain.Span{nerSpan("", 0, 4, "PER", "John")})
	got, err := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if err != nil || got.Status != domain.AnnotationSubmitted {
		t.Fatalf("submission must survive enqueue failure: %v (%+v)", err, got)
	}
}

func TestRegisterResourceValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterResource(env.Ctx, engine.ResourceCreateOptions{
		ProjectID: "proj-1", Name: "x", MediaType: "audio", SourceType: domain.SourceURL, ExternalURL: "http://example.com",
	})
	if err == nil {
		t.Fatalf("expected invalid media_type")
	}
	_, err = env.Engine.RegisterResource(env.Ctx, engine.ResourceCreateOptions{
		ProjectID: "proj-1", Name: "x", MediaType: domain.MediaText, SourceType: domain.SourceUpload,
	})
	if err == nil {
		t.Fatalf("expected storage_key required")
	}
}
