package server

import "annolab/internal/domain"

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateProjectRequest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type SetAssignmentRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"annotator,reviewer,manager"`
}

type RegisterResourceRequest struct {
	Name           string `json:"name"`
	MediaType      string `json:"media_type" enum:"text,image"`
	SourceType     string `json:"source_type" enum:"upload,url"`
	StorageKey     string `json:"storage_key,omitempty"`
	ExternalURL    string `json:"external_url,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`
	FileSize       *int64 `json:"file_size,omitempty"`
}

type CreateAnnotationRequest struct {
	SubType string `json:"sub_type"`
}

type SubmitBatchRequest struct {
	SubType         string        `json:"sub_type"`
	Spans           []domain.Span `json:"spans"`
	ExpectedVersion *int64        `json:"expected_version,omitempty"`
}

type EditAnnotationRequest struct {
	Spans           []domain.Span `json:"spans"`
	ExpectedVersion *int64        `json:"expected_version,omitempty"`
}

type AddSpanRequest struct {
	Span            domain.Span `json:"span"`
	ExpectedVersion *int64      `json:"expected_version,omitempty"`
}

// UpdateSpanRequest carries a partial span update; absent fields are
// left unchanged.
type UpdateSpanRequest struct {
	Label           *string        `json:"label,omitempty"`
	Text            *string        `json:"text,omitempty"`
	Start           *int           `json:"start,omitempty"`
	End             *int           `json:"end,omitempty"`
	Box             *domain.Box    `json:"box,omitempty"`
	Points          [][]float64    `json:"points,omitempty"`
	Attrs           map[string]any `json:"attrs,omitempty" jsonschema:"type=object,additionalProperties=true"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
}

type ReviewRequest struct {
	Action          string `json:"action" enum:"approve,reject"`
	Comment         string `json:"comment,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type ProposeCorrectionRequest struct {
	Spans   []domain.Span `json:"spans"`
	Comment string        `json:"comment,omitempty"`
}

type DecideCorrectionRequest struct {
	Decision string `json:"decision" enum:"accept,reject"`
	Response string `json:"response,omitempty"`
}

type FailTaskRequest struct {
	Error string `json:"error,omitempty"`
}

type ProjectConfigResponse struct {
	ProjectID string `json:"project_id"`
	YAML      string `json:"yaml"`
}

type PutProjectConfigRequest struct {
	YAML string `json:"yaml"`
}
