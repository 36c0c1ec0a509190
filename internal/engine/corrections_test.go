package engine_test

import (
	"errors"
	"testing"

	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/queue"
	"annolab/internal/span"
)

func propose(t *testing.T, env testEnv, annotationID string, spans []domain.Span, comment string) domain.ReviewCorrection {
	t.Helper()
	c, err := env.Engine.ProposeCorrection(env.Ctx, engine.ProposeCorrectionOptions{
		AnnotationID: annotationID,
		ReviewerID:   "rex",
		Spans:        spans,
		Comment:      comment,
	})
	if err != nil {
		t.Fatalf("propose correction: %v", err)
	}
	return c
}

func TestProposeSnapshotsOriginalSpans(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "ORG", "John")}, "entity type is wrong")

	if c.Status != domain.CorrectionPending {
		t.Fatalf("expected pending, got %s", c.Status)
	}
	if len(c.OriginalSpans) != 1 || c.OriginalSpans[0].ID != "s1" || c.OriginalSpans[0].Label != "PER" {
		t.Fatalf("expected original snapshot, got %+v", c.OriginalSpans)
	}
	if len(c.CorrectedSpans) != 1 || c.CorrectedSpans[0].Label != "ORG" {
		t.Fatalf("expected corrected spans, got %+v", c.CorrectedSpans)
	}
	// proposal never mutates the annotation
	got, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if got.Version != a.Version || got.Spans[0].Label != "PER" {
		t.Fatalf("proposal must not touch the annotation: %+v", got)
	}
}

func TestProposeOnDraftFails(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.GetOrCreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		ResourceID: env.Resource.ID, AnnotatorID: "annie", SubType: span.SubTypeNER,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ProposeCorrection(env.Ctx, engine.ProposeCorrectionOptions{
		AnnotationID: a.ID, ReviewerID: "rex", Spans: nil,
	})
	if err == nil {
		t.Fatalf("expected proposing on a draft to fail")
	}
}

func TestMultiplePendingCorrectionsCoexist(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	first := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "ORG", "John")}, "a")
	second := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "LOC", "John")}, "b")
	if first.ID == second.ID {
		t.Fatalf("expected distinct corrections")
	}
	pending, err := env.Engine.ListCorrections(env.Ctx, a.ID, domain.CorrectionPending)
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending corrections: %v (%d)", err, len(pending))
	}
}

func TestDecideRequiresAnnotator(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "ORG", "John")}, "")

	for _, actor := range []string{"rex", "boss", "bert"} {
		_, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
			CorrectionID: c.ID, ActorID: actor, Decision: "accept",
		})
		var oe *engine.OwnershipError
		if !errors.As(err, &oe) {
			t.Fatalf("actor %s: expected ownership error, got %v", actor, err)
		}
	}
	// correction untouched
	got, _ := env.Engine.GetCorrection(env.Ctx, c.ID)
	if got.Status != domain.CorrectionPending {
		t.Fatalf("expected still pending, got %s", got.Status)
	}
}

func TestAcceptAppliesCorrectedSpans(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{
		nerSpan("", 0, 4, "ORG", "John"),
		nerSpan("", 5, 10, "LOC", "Paris"),
	}, "missed one")

	decided, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
		CorrectionID: c.ID, ActorID: "annie", Decision: "accept", Response: "agreed",
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if decided.Status != domain.CorrectionAccepted || decided.AnnotatorResponse == nil || *decided.AnnotatorResponse != "agreed" {
		t.Fatalf("unexpected correction %+v", decided)
	}
	got, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if len(got.Spans) != 2 || got.Spans[0].Label != "ORG" {
		t.Fatalf("expected corrected spans applied, got %+v", got.Spans)
	}
	if got.Version != a.Version+1 {
		t.Fatalf("expected version bump, got %d", got.Version)
	}
	// the accepted correction still holds the pre-correction snapshot
	reread, _ := env.Engine.GetCorrection(env.Ctx, c.ID)
	if len(reread.OriginalSpans) != 1 || reread.OriginalSpans[0].Label != "PER" {
		t.Fatalf("snapshot must be immutable, got %+v", reread.OriginalSpans)
	}
	// a correction-decided task was handed off
	tasks, _ := env.Queue.Pending(env.Ctx, "proj-1", 20)
	var found bool
	for _, task := range tasks {
		if task.Kind == queue.KindCorrectionDecided && task.AnnotationID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected correction.decided task")
	}
}

func TestAcceptInvalidProposalStaysPending(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{
		nerSpan("x", 0, 5, "PER", "one"),
		nerSpan("y", 3, 8, "LOC", "two"),
	}, "overlapping proposal")

	_, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
		CorrectionID: c.ID, ActorID: "annie", Decision: "accept",
	})
	var ve *span.ValidationError
	if !errors.As(err, &ve) || ve.Kind != span.KindOverlappingSpans {
		t.Fatalf("expected overlap error, got %v", err)
	}
	got, _ := env.Engine.GetCorrection(env.Ctx, c.ID)
	if got.Status != domain.CorrectionPending {
		t.Fatalf("failed accept must leave correction pending, got %s", got.Status)
	}
	ann, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if len(ann.Spans) != 1 || ann.Version != a.Version {
		t.Fatalf("annotation must be untouched, got %+v", ann)
	}
}

func TestRejectLeavesAnnotationUntouched(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "ORG", "John")}, "")

	decided, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
		CorrectionID: c.ID, ActorID: "annie", Decision: "reject", Response: "original was right",
	})
	if err != nil || decided.Status != domain.CorrectionRejected {
		t.Fatalf("reject: %v (%+v)", err, decided)
	}
	got, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if got.Version != a.Version || got.Spans[0].Label != "PER" {
		t.Fatalf("reject must not mutate annotation, got %+v", got)
	}
}

func TestDecidedCorrectionIsFinal(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "ORG", "John")}, "")

	if _, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
		CorrectionID: c.ID, ActorID: "annie", Decision: "reject",
	}); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
		CorrectionID: c.ID, ActorID: "annie", Decision: "accept",
	})
	var de *engine.AlreadyDecidedError
	if !errors.As(err, &de) || de.Status != domain.CorrectionRejected {
		t.Fatalf("expected already decided, got %v", err)
	}
}

func TestAcceptOnApprovedAnnotationResetsReviewState(t *testing.T) {
	env := newTestEnv(t)
	a := submit(t, env, "annie", []domain.Span{nerSpan("s1", 0, 4, "PER", "John")})
	c := propose(t, env, a.ID, []domain.Span{nerSpan("", 0, 4, "ORG", "John")}, "")
	if _, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		AnnotationID: a.ID, ReviewerID: "rex", Action: "approve",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.DecideCorrection(env.Ctx, engine.DecideCorrectionOptions{
		CorrectionID: c.ID, ActorID: "annie", Decision: "accept",
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, _ := env.Engine.GetAnnotation(env.Ctx, a.ID)
	if got.Status != domain.AnnotationDraft || got.ReviewerID != nil || got.ReviewedAt != nil {
		t.Fatalf("accept on reviewed work must reset review state, got %+v", got)
	}
	if got.Spans[0].Label != "ORG" {
		t.Fatalf("expected corrected spans, got %+v", got.Spans)
	}
}
