package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"annolab/internal/config"
	"annolab/internal/db"
	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/migrate"
	"annolab/internal/queue"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer boots a real listener over a temp workspace with one
// project, one text resource, and the usual cast: annie (annotator),
// rex (reviewer), boss (manager).
func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	store := queue.NewStore(conn, zerolog.Nop())
	e.Queue = store
	ctx := context.Background()
	if _, err := e.InitProject(ctx, "proj-1", "", "boss"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, err := e.AssignActor(ctx, "proj-1", "annie", domain.RoleAnnotator, "boss"); err != nil {
		t.Fatalf("assign annie: %v", err)
	}
	if _, err := e.AssignActor(ctx, "proj-1", "rex", domain.RoleReviewer, "boss"); err != nil {
		t.Fatalf("assign rex: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		Queue:    store,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func registerTextResource(t *testing.T, srv *testServer) domain.Resource {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-1/resources", map[string]any{
		"name":        "doc-1.txt",
		"media_type":  "text",
		"source_type": "upload",
		"storage_key": "uploads/doc-1.txt",
	}, asActor("boss"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register resource status %d: %s", res.StatusCode, string(data))
	}
	var out domain.Resource
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal resource: %v", err)
	}
	return out
}

func TestSubmitReviewFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	resource := registerTextResource(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resources/"+resource.ID+"/annotations/submit", map[string]any{
		"sub_type": "ner",
		"spans": []map[string]any{
			{"label": "PER", "text": "John", "start": 0, "end": 4},
			{"label": "LOC", "text": "Paris", "start": 10, "end": 15},
		},
	}, asActor("annie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted domain.Annotation
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal annotation: %v", err)
	}
	if submitted.Status != domain.AnnotationSubmitted || submitted.Version != 1 {
		t.Fatalf("unexpected annotation %+v", submitted)
	}
	if len(submitted.Spans) != 2 || submitted.Spans[0].ID == "" {
		t.Fatalf("expected span ids assigned, got %+v", submitted.Spans)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/annotations/"+submitted.ID+"/review/open", nil, asActor("rex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open review status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/annotations/"+submitted.ID+"/review", map[string]any{
		"action":  "approve",
		"comment": "clean work",
	}, asActor("rex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}
	var reviewed domain.Annotation
	if err := json.Unmarshal(data, &reviewed); err != nil {
		t.Fatalf("unmarshal reviewed: %v", err)
	}
	if reviewed.Status != domain.AnnotationApproved || reviewed.ReviewerID == nil || *reviewed.ReviewerID != "rex" {
		t.Fatalf("unexpected reviewed annotation %+v", reviewed)
	}
}

func TestSubmitOverlapReturnsValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	resource := registerTextResource(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/resources/"+resource.ID+"/annotations/submit", map[string]any{
		"sub_type": "ner",
		"spans": []map[string]any{
			{"id": "a", "label": "PER", "text": "one", "start": 0, "end": 5},
			{"id": "b", "label": "LOC", "text": "two", "start": 3, "end": 8},
		},
	}, asActor("annie"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["kind"] != "overlapping_spans" {
		t.Fatalf("expected overlap kind, got %v", envelope.Error.Details)
	}
}

func TestStaleVersionReturnsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	resource := registerTextResource(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resources/"+resource.ID+"/annotations", map[string]any{
		"sub_type": "ner",
	}, asActor("annie"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create annotation status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Annotation
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal annotation: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/annotations/"+a.ID+"/spans", map[string]any{
		"span": map[string]any{"label": "PER", "text": "John", "start": 0, "end": 4},
	}, asActor("annie"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add span status %d: %s", res.StatusCode, string(data))
	}

	// Replay with the pre-edit version token.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/annotations/"+a.ID+"/spans", map[string]any{
		"span":             map[string]any{"label": "LOC", "text": "Paris", "start": 10, "end": 15},
		"expected_version": a.Version,
	}, asActor("annie"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %s", envelope.Error.Code)
	}
}

func TestRoleGatingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	resource := registerTextResource(t, srv)

	// Annotators cannot review.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resources/"+resource.ID+"/annotations/submit", map[string]any{
		"sub_type": "ner",
		"spans":    []map[string]any{{"label": "PER", "text": "John", "start": 0, "end": 4}},
	}, asActor("annie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Annotation
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal annotation: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/annotations/"+a.ID+"/review", map[string]any{
		"action": "approve",
	}, asActor("annie"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for annotator review, got %d: %s", res.StatusCode, string(data))
	}

	// Unassigned actors cannot submit.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/resources/"+resource.ID+"/annotations/submit", map[string]any{
		"sub_type": "ner",
		"spans":    []map[string]any{{"label": "PER", "text": "John", "start": 0, "end": 4}},
	}, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d: %s", res.StatusCode, string(data))
	}

	// Only managers register resources.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/resources", map[string]any{
		"name":        "doc-2.txt",
		"media_type":  "text",
		"source_type": "upload",
		"storage_key": "uploads/doc-2.txt",
	}, asActor("annie"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for annotator resource register, got %d: %s", res.StatusCode, string(data))
	}

	// No credentials at all.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCorrectionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	resource := registerTextResource(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/resources/"+resource.ID+"/annotations/submit", map[string]any{
		"sub_type": "ner",
		"spans":    []map[string]any{{"label": "PER", "text": "John", "start": 0, "end": 4}},
	}, asActor("annie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Annotation
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal annotation: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/annotations/"+a.ID+"/corrections", map[string]any{
		"spans":   []map[string]any{{"label": "ORG", "text": "John", "start": 0, "end": 4}},
		"comment": "entity type is wrong",
	}, asActor("rex"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("propose status %d: %s", res.StatusCode, string(data))
	}
	var c domain.ReviewCorrection
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal correction: %v", err)
	}
	if c.Status != domain.CorrectionPending || len(c.OriginalSpans) != 1 {
		t.Fatalf("unexpected correction %+v", c)
	}

	// Only the annotator decides.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/corrections/"+c.ID+"/decision", map[string]any{
		"decision": "accept",
	}, asActor("boss"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-annotator decide, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/corrections/"+c.ID+"/decision", map[string]any{
		"decision": "accept",
		"response": "agreed",
	}, asActor("annie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var decided domain.ReviewCorrection
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decided: %v", err)
	}
	if decided.Status != domain.CorrectionAccepted {
		t.Fatalf("expected accepted, got %s", decided.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/annotations/"+a.ID, nil, asActor("annie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get annotation status %d: %s", res.StatusCode, string(data))
	}
	var got domain.Annotation
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal annotation: %v", err)
	}
	if got.Spans[0].Label != "ORG" {
		t.Fatalf("expected corrected spans applied, got %+v", got.Spans)
	}

	// Deciding again conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/corrections/"+c.ID+"/decision", map[string]any{
		"decision": "reject",
	}, asActor("annie"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second decision, got %d: %s", res.StatusCode, string(data))
	}
}

func TestQueueWorkerEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	resource := registerTextResource(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/queue/tasks?status=pending", nil, asActor("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks []queue.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Kind != queue.KindResourceIngested || tasks[0].ResourceID != resource.ID {
		t.Fatalf("expected one resource.ingested task, got %+v", tasks)
	}
	taskPath := srv.URL + "/v0/queue/tasks/" + strconv.FormatInt(tasks[0].ID, 10)

	if res, data = doJSON(t, client, http.MethodPost, taskPath+"/claim", nil, asActor("annie")); res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-manager claim, got %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, taskPath+"/claim", nil, asActor("boss")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, taskPath+"/fail", map[string]any{"error": "sink down"}, asActor("boss")); res.StatusCode != http.StatusOK {
		t.Fatalf("fail status %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, taskPath+"/retry", nil, asActor("boss")); res.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, taskPath+"/retry", nil, asActor("boss"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 retrying a pending task, got %d: %s", res.StatusCode, string(data))
	}
}
