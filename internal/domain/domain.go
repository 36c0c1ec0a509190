package domain

// Project groups resources, annotations, and assignments.
type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Resource is a registered content unit (text document or image).
// Content bytes live in external storage; StorageKey is opaque here.
type Resource struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Name           string  `json:"name"`
	MediaType      string  `json:"media_type"`
	SourceType     string  `json:"source_type"`
	StorageKey     *string `json:"storage_key,omitempty"`
	ExternalURL    *string `json:"external_url,omitempty"`
	ContentPreview *string `json:"content_preview,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
	UploadedBy     string  `json:"uploaded_by"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
}

// Resource media types.
const (
	MediaText  = "text"
	MediaImage = "image"
)

// Resource source types.
const (
	SourceUpload = "upload"
	SourceURL    = "url"
)

// Box is an axis-aligned rectangle for bounding_box spans.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Span is one labeled unit inside an annotation. It is a tagged union
// over the annotation's sub-type: text sub-types use Text/Start/End,
// image sub-types use Box or Points, classification sub-types carry
// their class in Attrs.
type Span struct {
	ID     string         `json:"id" required:"false"`
	Label  string         `json:"label"`
	Text   string         `json:"text,omitempty"`
	Start  int            `json:"start"`
	End    int            `json:"end"`
	Box    *Box           `json:"box,omitempty"`
	Points [][]float64    `json:"points,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Annotation statuses.
const (
	AnnotationDraft       = "draft"
	AnnotationSubmitted   = "submitted"
	AnnotationUnderReview = "under_review"
	AnnotationApproved    = "approved"
	AnnotationRejected    = "rejected"
)

// Annotation is one annotator's span set over one resource.
type Annotation struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	ResourceID    string  `json:"resource_id"`
	AnnotatorID   string  `json:"annotator_id"`
	ReviewerID    *string `json:"reviewer_id,omitempty"`
	SubType       string  `json:"sub_type"`
	Status        string  `json:"status"`
	Spans         []Span  `json:"spans"`
	ReviewComment *string `json:"review_comment,omitempty"`
	Version       int64   `json:"version"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
	SubmittedAt   *string `json:"submitted_at,omitempty"`
	ReviewedAt    *string `json:"reviewed_at,omitempty"`
}

// Correction statuses.
const (
	CorrectionPending  = "pending"
	CorrectionAccepted = "accepted"
	CorrectionRejected = "rejected"
)

// ReviewCorrection is a reviewer's proposed replacement span set for an
// annotation. The original set is snapshotted at proposal time; once
// decided the row is an immutable audit record.
type ReviewCorrection struct {
	ID                string  `json:"id"`
	AnnotationID      string  `json:"annotation_id"`
	ReviewerID        string  `json:"reviewer_id"`
	Status            string  `json:"status"`
	OriginalSpans     []Span  `json:"original_spans"`
	CorrectedSpans    []Span  `json:"corrected_spans"`
	Comment           string  `json:"comment,omitempty"`
	AnnotatorResponse *string `json:"annotator_response,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// Assignment roles.
const (
	RoleAnnotator = "annotator"
	RoleReviewer  = "reviewer"
	RoleManager   = "manager"
)

// Assignment records an actor's role on a project.
type Assignment struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Event is one append-only audit log row, written in the same
// transaction as the state change it records.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIKey holds a hashed API credential for an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}
