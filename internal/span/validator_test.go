package span_test

import (
	"errors"
	"testing"

	"annolab/internal/domain"
	"annolab/internal/span"
)

func textSpan(id string, start, end int, label, text string) domain.Span {
	return domain.Span{ID: id, Label: label, Text: text, Start: start, End: end}
}

func kindOf(t *testing.T, err error) span.Kind {
	t.Helper()
	var ve *span.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return ve.Kind
}

func TestValidateAcceptsCleanBatch(t *testing.T) {
	spans := []domain.Span{
		textSpan("a", 0, 4, "PER", "John"),
		textSpan("b", 5, 10, "LOC", "Paris"),
		textSpan("c", 12, 20, "ORG", "Initech"),
	}
	if err := span.Validate(spans, span.SubTypeNER); err != nil {
		t.Fatalf("expected clean batch to pass: %v", err)
	}
}

func TestValidateUnsupportedSubType(t *testing.T) {
	err := span.Validate(nil, "dependency")
	if kindOf(t, err) != span.KindUnsupportedSubType {
		t.Fatalf("expected unsupported sub-type, got %v", err)
	}
}

func TestValidateMalformedInterval(t *testing.T) {
	cases := []domain.Span{
		textSpan("x", 4, 4, "PER", "zero width"),
		textSpan("x", 9, 3, "PER", "inverted"),
		textSpan("x", -1, 3, "PER", "negative"),
	}
	for _, s := range cases {
		err := span.Validate([]domain.Span{s}, span.SubTypeNER)
		if kindOf(t, err) != span.KindMalformedSpan {
			t.Fatalf("span [%d,%d): expected malformed, got %v", s.Start, s.End, err)
		}
	}
}

func TestValidateEmptyFields(t *testing.T) {
	err := span.Validate([]domain.Span{textSpan("x", 0, 3, "", "abc")}, span.SubTypeNER)
	if kindOf(t, err) != span.KindEmptyField {
		t.Fatalf("empty label: got %v", err)
	}
	err = span.Validate([]domain.Span{textSpan("x", 0, 3, "PER", "  ")}, span.SubTypeNER)
	if kindOf(t, err) != span.KindEmptyField {
		t.Fatalf("blank text: got %v", err)
	}
}

func TestValidateOverlapNamesBothSpans(t *testing.T) {
	spans := []domain.Span{
		textSpan("b", 3, 9, "LOC", "second"),
		textSpan("a", 0, 5, "PER", "first"),
	}
	err := span.Validate(spans, span.SubTypeSpan)
	var ve *span.ValidationError
	if !errors.As(err, &ve) || ve.Kind != span.KindOverlappingSpans {
		t.Fatalf("expected overlap error, got %v", err)
	}
	if ve.SpanID != "a" || ve.OtherID != "b" {
		t.Fatalf("expected overlap to name a then b, got %s/%s", ve.SpanID, ve.OtherID)
	}
}

func TestValidateAdjacentIntervalsDoNotOverlap(t *testing.T) {
	spans := []domain.Span{
		textSpan("a", 0, 5, "PER", "first"),
		textSpan("b", 5, 9, "LOC", "second"),
	}
	if err := span.Validate(spans, span.SubTypeNER); err != nil {
		t.Fatalf("touching intervals must be legal: %v", err)
	}
}

func TestValidateContainedIntervalOverlaps(t *testing.T) {
	spans := []domain.Span{
		textSpan("a", 0, 20, "A", "long"),
		textSpan("b", 2, 4, "B", "in"),
	}
	err := span.Validate(spans, span.SubTypeNER)
	if kindOf(t, err) != span.KindOverlappingSpans {
		t.Fatalf("expected overlap, got %v", err)
	}
}

func TestValidateRuleOrderShortCircuits(t *testing.T) {
	// One malformed span and one overlap: the malformed report wins.
	spans := []domain.Span{
		textSpan("a", 0, 5, "PER", "one"),
		textSpan("b", 3, 8, "LOC", "two"),
		textSpan("c", 7, 2, "ORG", "bad"),
	}
	err := span.Validate(spans, span.SubTypeNER)
	if kindOf(t, err) != span.KindMalformedSpan {
		t.Fatalf("expected malformed before overlap, got %v", err)
	}
}

func TestValidateClassificationRequiresClass(t *testing.T) {
	s := domain.Span{ID: "c1", Label: "topic"}
	err := span.Validate([]domain.Span{s}, span.SubTypeClassification)
	if kindOf(t, err) != span.KindEmptyField {
		t.Fatalf("missing class: got %v", err)
	}
	s.Attrs = map[string]any{"class": "sports"}
	if err := span.Validate([]domain.Span{s}, span.SubTypeClassification); err != nil {
		t.Fatalf("classification with class should pass: %v", err)
	}
}

func TestValidateClassificationSkipsOverlapSweep(t *testing.T) {
	spans := []domain.Span{
		{ID: "c1", Label: "topic", Attrs: map[string]any{"class": "a"}},
		{ID: "c2", Label: "topic", Attrs: map[string]any{"class": "b"}},
	}
	if err := span.Validate(spans, span.SubTypeClassification); err != nil {
		t.Fatalf("classification spans carry no intervals: %v", err)
	}
}

func TestValidateBoundingBox(t *testing.T) {
	ok := domain.Span{ID: "b1", Label: "car", Box: &domain.Box{X: 10, Y: 20, Width: 50, Height: 40}}
	if err := span.Validate([]domain.Span{ok}, span.SubTypeBoundingBox); err != nil {
		t.Fatalf("valid box: %v", err)
	}
	flat := domain.Span{ID: "b2", Label: "car", Box: &domain.Box{X: 10, Y: 20, Width: 50, Height: 0}}
	if kindOf(t, span.Validate([]domain.Span{flat}, span.SubTypeBoundingBox)) != span.KindMalformedSpan {
		t.Fatalf("zero-height box must be malformed")
	}
	missing := domain.Span{ID: "b3", Label: "car"}
	if kindOf(t, span.Validate([]domain.Span{missing}, span.SubTypeBoundingBox)) != span.KindMalformedSpan {
		t.Fatalf("box-less bounding_box span must be malformed")
	}
}

func TestValidatePolygonNeedsThreePoints(t *testing.T) {
	s := domain.Span{ID: "p1", Label: "roof", Points: [][]float64{{0, 0}, {1, 0}}}
	if kindOf(t, span.Validate([]domain.Span{s}, span.SubTypePolygon)) != span.KindMalformedSpan {
		t.Fatalf("two-point polygon must be malformed")
	}
	s.Points = append(s.Points, []float64{1, 1})
	if err := span.Validate([]domain.Span{s}, span.SubTypePolygon); err != nil {
		t.Fatalf("triangle should pass: %v", err)
	}
}

func TestValidateKeypointNeedsCoordinates(t *testing.T) {
	s := domain.Span{ID: "k1", Label: "elbow"}
	if kindOf(t, span.Validate([]domain.Span{s}, span.SubTypeKeypoint)) != span.KindMalformedSpan {
		t.Fatalf("keypoint without points must be malformed")
	}
	s.Points = [][]float64{{12.5, 40.1}}
	if err := span.Validate([]domain.Span{s}, span.SubTypeKeypoint); err != nil {
		t.Fatalf("single keypoint should pass: %v", err)
	}
	s.Points = [][]float64{{12.5}}
	if kindOf(t, span.Validate([]domain.Span{s}, span.SubTypeKeypoint)) != span.KindMalformedSpan {
		t.Fatalf("one-coordinate point must be malformed")
	}
}

func TestSupportedCatalog(t *testing.T) {
	for _, st := range span.SubTypes() {
		if !span.Supported(st) {
			t.Fatalf("catalog sub-type %s not supported", st)
		}
	}
	if span.Supported("coreference") {
		t.Fatalf("coreference is not in the catalog")
	}
	if !span.IsTextSubType(span.SubTypeNER) || span.IsTextSubType(span.SubTypePolygon) {
		t.Fatalf("family classification wrong")
	}
}
