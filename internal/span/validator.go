package span

import (
	"fmt"
	"sort"
	"strings"

	"annolab/internal/domain"
)

// Sub-types recognized by the validator. Text sub-types carry character
// intervals (except classification), image sub-types carry geometry.
const (
	SubTypeNER                 = "ner"
	SubTypePOS                 = "pos"
	SubTypeSentiment           = "sentiment"
	SubTypeSpan                = "span"
	SubTypeClassification      = "classification"
	SubTypeBoundingBox         = "bounding_box"
	SubTypePolygon             = "polygon"
	SubTypeKeypoint            = "keypoint"
	SubTypeImageClassification = "image_classification"
)

// Kind identifies a validation failure class.
type Kind string

const (
	KindMalformedSpan      Kind = "malformed_span"
	KindEmptyField         Kind = "empty_field"
	KindOverlappingSpans   Kind = "overlapping_spans"
	KindUnsupportedSubType Kind = "unsupported_sub_type"
)

// ValidationError reports the first rule a span batch violates.
// For overlaps, SpanID and OtherID name both offending spans.
type ValidationError struct {
	Kind    Kind
	Message string
	SpanID  string
	OtherID string
}

func (e *ValidationError) Error() string { return e.Message }

type family int

const (
	textFamily family = iota
	imageFamily
)

type subTypeSpec struct {
	family family
	// intervals marks sub-types whose spans are character ranges and
	// participate in the overlap sweep.
	intervals  bool
	structural func(domain.Span) *ValidationError
}

var registry = map[string]subTypeSpec{
	SubTypeNER:       {family: textFamily, intervals: true},
	SubTypePOS:       {family: textFamily, intervals: true},
	SubTypeSentiment: {family: textFamily, intervals: true},
	SubTypeSpan:      {family: textFamily, intervals: true},
	SubTypeClassification: {
		family:     textFamily,
		structural: requireClass,
	},
	SubTypeBoundingBox: {
		family:     imageFamily,
		structural: requireBox,
	},
	SubTypePolygon: {
		family:     imageFamily,
		structural: requirePolygon,
	},
	SubTypeKeypoint: {
		family:     imageFamily,
		structural: requireKeypoints,
	},
	SubTypeImageClassification: {
		family:     imageFamily,
		structural: requireClass,
	},
}

// Supported reports whether the sub-type is known to the validator.
func Supported(subType string) bool {
	_, ok := registry[subType]
	return ok
}

// IsTextSubType reports whether the sub-type belongs to the text family.
func IsTextSubType(subType string) bool {
	spec, ok := registry[subType]
	return ok && spec.family == textFamily
}

// SubTypes returns all supported sub-types, sorted.
func SubTypes() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks a proposed span batch for the given sub-type. Rules
// run in a fixed order over the whole batch and short-circuit on the
// first violation: well-formedness, required fields, interval overlap,
// then per-sub-type structure. It has no side effects; callers decide
// what to do with the (unmodified) batch on failure.
func Validate(spans []domain.Span, subType string) error {
	spec, ok := registry[subType]
	if !ok {
		return &ValidationError{
			Kind:    KindUnsupportedSubType,
			Message: fmt.Sprintf("unsupported sub-type %q", subType),
		}
	}
	for _, s := range spans {
		if err := checkWellFormed(s, spec); err != nil {
			return err
		}
	}
	for _, s := range spans {
		if err := checkRequiredFields(s, spec); err != nil {
			return err
		}
	}
	if spec.intervals {
		if err := checkOverlaps(spans); err != nil {
			return err
		}
	}
	if spec.structural != nil {
		for _, s := range spans {
			if err := spec.structural(s); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkWellFormed(s domain.Span, spec subTypeSpec) *ValidationError {
	if spec.intervals {
		if s.Start < 0 || s.Start >= s.End {
			return malformed(s, fmt.Sprintf("span %s has invalid interval [%d,%d)", s.ID, s.Start, s.End))
		}
		return nil
	}
	if s.Box != nil {
		if s.Box.X < 0 || s.Box.Y < 0 || s.Box.Width <= 0 || s.Box.Height <= 0 {
			return malformed(s, fmt.Sprintf("span %s has degenerate box", s.ID))
		}
	}
	for _, p := range s.Points {
		if len(p) < 2 || len(p) > 3 {
			return malformed(s, fmt.Sprintf("span %s has a point with %d coordinates", s.ID, len(p)))
		}
	}
	return nil
}

func checkRequiredFields(s domain.Span, spec subTypeSpec) *ValidationError {
	if strings.TrimSpace(s.Label) == "" {
		return &ValidationError{
			Kind:    KindEmptyField,
			Message: fmt.Sprintf("span %s has an empty label", s.ID),
			SpanID:  s.ID,
		}
	}
	if spec.intervals && strings.TrimSpace(s.Text) == "" {
		return &ValidationError{
			Kind:    KindEmptyField,
			Message: fmt.Sprintf("span %s has empty text", s.ID),
			SpanID:  s.ID,
		}
	}
	return nil
}

// checkOverlaps sorts by (start, end) and sweeps, comparing each span
// against the furthest-reaching interval seen so far. Deterministic for
// a given batch.
func checkOverlaps(spans []domain.Span) *ValidationError {
	if len(spans) < 2 {
		return nil
	}
	sorted := make([]domain.Span, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})
	prev := sorted[0]
	for _, cur := range sorted[1:] {
		if cur.Start < prev.End {
			return &ValidationError{
				Kind: KindOverlappingSpans,
				Message: fmt.Sprintf("span %s [%d,%d) overlaps span %s [%d,%d)",
					prev.ID, prev.Start, prev.End, cur.ID, cur.Start, cur.End),
				SpanID:  prev.ID,
				OtherID: cur.ID,
			}
		}
		if cur.End > prev.End {
			prev = cur
		}
	}
	return nil
}

func requireClass(s domain.Span) *ValidationError {
	if cls, ok := s.Attrs["class"].(string); ok && strings.TrimSpace(cls) != "" {
		return nil
	}
	return &ValidationError{
		Kind:    KindEmptyField,
		Message: fmt.Sprintf("span %s is missing attrs.class", s.ID),
		SpanID:  s.ID,
	}
}

func requireBox(s domain.Span) *ValidationError {
	if s.Box == nil {
		return malformed(s, fmt.Sprintf("span %s requires a box", s.ID))
	}
	return nil
}

func requirePolygon(s domain.Span) *ValidationError {
	if len(s.Points) < 3 {
		return malformed(s, fmt.Sprintf("span %s requires at least 3 points, got %d", s.ID, len(s.Points)))
	}
	return nil
}

func requireKeypoints(s domain.Span) *ValidationError {
	if len(s.Points) == 0 {
		return malformed(s, fmt.Sprintf("span %s requires at least one coordinate pair", s.ID))
	}
	return nil
}

func malformed(s domain.Span, msg string) *ValidationError {
	return &ValidationError{Kind: KindMalformedSpan, Message: msg, SpanID: s.ID}
}
