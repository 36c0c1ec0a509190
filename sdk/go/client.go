package annolabsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Annolab HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Box is an axis-aligned rectangle for bounding_box spans.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Span is one labeled unit inside an annotation.
type Span struct {
	ID     string         `json:"id,omitempty"`
	Label  string         `json:"label"`
	Text   string         `json:"text,omitempty"`
	Start  int            `json:"start,omitempty"`
	End    int            `json:"end,omitempty"`
	Box    *Box           `json:"box,omitempty"`
	Points [][]float64    `json:"points,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Resource represents the API resource model.
type Resource struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	MediaType  string `json:"media_type"`
	SourceType string `json:"source_type"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// Annotation represents the API annotation model.
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
	SubmittedAt   *string `json:"submitted_at,omitempty"`
	ReviewedAt    *string `json:"reviewed_at,omitempty"`
}

// Correction represents a reviewer-proposed replacement span set.
type Correction struct {
	ID                string  `json:"id"`
	AnnotationID      string  `json:"annotation_id"`
	ReviewerID        string  `json:"reviewer_id"`
	Status            string  `json:"status"`
	OriginalSpans     []Span  `json:"original_spans"`
	CorrectedSpans    []Span  `json:"corrected_spans"`
	Comment           string  `json:"comment,omitempty"`
	AnnotatorResponse *string `json:"annotator_response,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterResource registers a content unit with the project.
func (c *Client) RegisterResource(ctx context.Context, name, mediaType, sourceType, storageKey, externalURL string) (Resource, error) {
	body := map[string]any{
		"name":        name,
		"media_type":  mediaType,
		"source_type": sourceType,
	}
	if storageKey != "" {
		body["storage_key"] = storageKey
	}
	if externalURL != "" {
		body["external_url"] = externalURL
	}
	var resp Resource
	err := c.do(ctx, http.MethodPost, c.projectPath("resources"), body, &resp)
	return resp, err
}

// SubmitBatch validates and submits a span batch for a resource.
func (c *Client) SubmitBatch(ctx context.Context, resourceID, subType string, spans []Span, expectedVersion *int64) (Annotation, error) {
	body := map[string]any{
		"sub_type": subType,
		"spans":    spans,
	}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var resp Annotation
	endpoint := fmt.Sprintf("v0/resources/%s/annotations/submit", url.PathEscape(resourceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetAnnotation fetches an annotation by id.
func (c *Client) GetAnnotation(ctx context.Context, id string) (Annotation, error) {
	var resp Annotation
	endpoint := fmt.Sprintf("v0/annotations/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenReview claims a submitted annotation for review.
func (c *Client) OpenReview(ctx context.Context, annotationID string) (Annotation, error) {
	var resp Annotation
	endpoint := fmt.Sprintf("v0/annotations/%s/review/open", url.PathEscape(annotationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Review approves or rejects a submitted annotation.
func (c *Client) Review(ctx context.Context, annotationID, action, comment string) (Annotation, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Annotation
	endpoint := fmt.Sprintf("v0/annotations/%s/review", url.PathEscape(annotationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ProposeCorrection proposes a replacement span set as a reviewer.
func (c *Client) ProposeCorrection(ctx context.Context, annotationID string, spans []Span, comment string) (Correction, error) {
	body := map[string]any{
		"spans":   spans,
		"comment": comment,
	}
	var resp Correction
	endpoint := fmt.Sprintf("v0/annotations/%s/corrections", url.PathEscape(annotationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListCorrections returns corrections for an annotation, optionally by status.
func (c *Client) ListCorrections(ctx context.Context, annotationID, status string) ([]Correction, error) {
	endpoint := fmt.Sprintf("v0/annotations/%s/corrections", url.PathEscape(annotationID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Correction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DecideCorrection accepts or rejects a correction as the annotator.
func (c *Client) DecideCorrection(ctx context.Context, correctionID, decision, response string) (Correction, error) {
	body := map[string]any{"decision": decision}
	if response != "" {
		body["response"] = response
	}
	var resp Correction
	endpoint := fmt.Sprintf("v0/corrections/%s/decision", url.PathEscape(correctionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
