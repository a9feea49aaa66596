package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dlcs/composite-handler/internal/config"
	"github.com/dlcs/composite-handler/internal/dlcs"
	"github.com/dlcs/composite-handler/internal/models"
	"github.com/dlcs/composite-handler/internal/queue"
	"github.com/dlcs/composite-handler/internal/store"
)

type fakeStore struct {
	collection models.Collection
	members    []models.Member
	batches    map[string][]models.Batch
	events     map[string][]models.MemberEvent
	memberErrs map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:    map[string][]models.Batch{},
		events:     map[string][]models.MemberEvent{},
		memberErrs: map[string]string{},
	}
}

func (f *fakeStore) CreateCollection(_ context.Context, p store.CreateCollectionParams) (models.Collection, []models.Member, error) {
	now := time.Now().UTC()
	f.collection = models.Collection{ID: "collection-1", Customer: p.Customer, Payload: p.Payload, CreatedAt: now, UpdatedAt: now}
	f.members = nil
	for i, tmpl := range p.Templates {
		f.members = append(f.members, models.Member{
			ID:           fmt.Sprintf("member-%d", i+1),
			CollectionID: f.collection.ID,
			Template:     tmpl,
			Status:       models.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return f.collection, f.members, nil
}

func (f *fakeStore) GetCollection(_ context.Context, id string) (models.Collection, error) {
	if id != f.collection.ID {
		return models.Collection{}, fmt.Errorf("collection %s: %w", id, store.ErrNotFound)
	}
	return f.collection, nil
}

func (f *fakeStore) GetCollectionMember(_ context.Context, collectionID, memberID string) (models.Member, error) {
	for _, m := range f.members {
		if m.ID == memberID && m.CollectionID == collectionID {
			return m, nil
		}
	}
	return models.Member{}, fmt.Errorf("member: %w", store.ErrNotFound)
}

func (f *fakeStore) ListMembers(_ context.Context, collectionID string) ([]models.Member, error) {
	if collectionID != f.collection.ID {
		return nil, nil
	}
	return f.members, nil
}

func (f *fakeStore) ListBatches(_ context.Context, memberID string) ([]models.Batch, error) {
	return f.batches[memberID], nil
}

func (f *fakeStore) ListEvents(_ context.Context, memberID string) ([]models.MemberEvent, error) {
	return f.events[memberID], nil
}

func (f *fakeStore) MarkMemberError(_ context.Context, id, message string) error {
	f.memberErrs[id] = message
	return nil
}

type fakeQueue struct {
	tasks []queue.Task
	dlq   []string
}

func (f *fakeQueue) Submit(_ context.Context, task queue.Task, _ string, _ time.Time) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeQueue) DLQPeek(context.Context, int64) ([]string, error) {
	return f.dlq, nil
}

type fakeCreds struct{}

func (fakeCreds) TestCredentials(_ context.Context, customer int, auth string) error {
	if auth == "Basic bad" {
		return &dlcs.CredentialError{Customer: customer, StatusCode: http.StatusUnauthorized}
	}
	return nil
}

type fakeLimiter struct{ deny bool }

func (f fakeLimiter) Allow(context.Context, string) (bool, float64, error) {
	return !f.deny, 1, nil
}

func testServer(t *testing.T, st CollectionStore, q TaskQueue, limiter Limiter) *Server {
	t.Helper()
	cfg := config.Config{PublicScheme: "http", PublicHostname: "localhost:8080"}
	s, err := New(cfg, st, q, fakeCreds{}, limiter)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func submitBody() string {
	return `{"member": [
		{"origin": "https://example.org/a.pdf", "incrementSeed": 1, "string1": "a-{0}"},
		{"origin": "https://example.org/b.pdf"}
	]}`
}

func TestSubmitCollection(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	s := testServer(t, st, q, fakeLimiter{})

	req := httptest.NewRequest(http.MethodPost, "/customers/5/collections", strings.NewReader(submitBody()))
	req.Header.Set("Authorization", "Basic good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(q.tasks) != 2 {
		t.Fatalf("expected one task per member, got %d", len(q.tasks))
	}
	for _, task := range q.tasks {
		if task.Type != queue.TaskProcessMember {
			t.Fatalf("unexpected task type %s", task.Type)
		}
		if task.Auth != "Basic good" {
			t.Fatalf("auth header must travel with the task")
		}
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	members := body["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("expected 2 members in response, got %d", len(members))
	}
	first := members[0].(map[string]any)
	if first["status"] != models.StatusPending {
		t.Fatalf("new members must report PENDING, got %v", first["status"])
	}
}

func TestSubmitCollectionValidation(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{}, fakeLimiter{})

	for _, body := range []string{
		`{}`,
		`{"member": []}`,
		`{"member": [{"incrementSeed": 1}]}`,
		`{"member": [{"origin": 42}]}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/customers/5/collections", strings.NewReader(body))
		req.Header.Set("Authorization", "Basic good")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestSubmitCollectionAuth(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{}, fakeLimiter{})

	req := httptest.NewRequest(http.MethodPost, "/customers/5/collections", strings.NewReader(submitBody()))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing auth: expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/customers/5/collections", strings.NewReader(submitBody()))
	req.Header.Set("Authorization", "Basic bad")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad auth: expected 401, got %d", rec.Code)
	}
}

func TestSubmitCollectionRateLimited(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{}, fakeLimiter{deny: true})

	req := httptest.NewRequest(http.MethodPost, "/customers/5/collections", strings.NewReader(submitBody()))
	req.Header.Set("Authorization", "Basic good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestGetCollectionNotFound(t *testing.T) {
	s := testServer(t, newFakeStore(), &fakeQueue{}, fakeLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/collections/nope", nil)
	req.Header.Set("Authorization", "Basic good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func seededStore(status string) *fakeStore {
	st := newFakeStore()
	now := time.Now().UTC()
	st.collection = models.Collection{ID: "collection-1", Customer: 5, CreatedAt: now, UpdatedAt: now}
	count := 3
	member := models.Member{
		ID:           "member-1",
		CollectionID: "collection-1",
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	switch status {
	case models.StatusError:
		msg := "fetch origin https://example.org/a.pdf: connection refused"
		member.Error = &msg
	case models.StatusCompleted:
		member.ImageCount = &count
		st.batches["member-1"] = []models.Batch{
			{MemberID: "member-1", DLCSID: "570", URI: "https://dlcs.example/customers/5/queue/batches/570"},
			{MemberID: "member-1", DLCSID: "571", URI: "https://dlcs.example/customers/5/queue/batches/571"},
		}
	}
	st.members = []models.Member{member}
	return st
}

func TestGetMemberError(t *testing.T) {
	s := testServer(t, seededStore(models.StatusError), &fakeQueue{}, fakeLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/collections/collection-1/members/member-1", nil)
	req.Header.Set("Authorization", "Basic good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ERROR member must report 422, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !strings.Contains(body["error"].(string), "fetch origin") {
		t.Fatalf("error text missing: %v", body)
	}
	if _, ok := body["dlcs_uris"]; ok {
		t.Fatalf("errored member must not report dlcs_uris")
	}
}

func TestGetMemberCompleted(t *testing.T) {
	s := testServer(t, seededStore(models.StatusCompleted), &fakeQueue{}, fakeLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/collections/collection-1/members/member-1", nil)
	req.Header.Set("Authorization", "Basic good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["image_count"] != float64(3) {
		t.Fatalf("expected image_count 3, got %v", body["image_count"])
	}
	uris := body["dlcs_uris"].([]any)
	if len(uris) != 2 {
		t.Fatalf("expected 2 batch uris, got %v", uris)
	}
}

func TestGetMemberMissingAuthForbidden(t *testing.T) {
	s := testServer(t, seededStore(models.StatusCompleted), &fakeQueue{}, fakeLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/collections/collection-1/members/member-1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing auth on polling: expected 403, got %d", rec.Code)
	}
}

func TestGetMemberEvents(t *testing.T) {
	st := seededStore(models.StatusCompleted)
	now := time.Now().UTC()
	st.events["member-1"] = []models.MemberEvent{
		{MemberID: "member-1", Event: "status", Detail: models.StatusFetchingOrigin, Recorded: now},
		{MemberID: "member-1", Event: "status", Detail: models.StatusRasterizing, Recorded: now},
	}
	s := testServer(t, st, &fakeQueue{}, fakeLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/collections/collection-1/members/member-1/events", nil)
	req.Header.Set("Authorization", "Basic good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Events []models.MemberEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 || body.Events[0].Detail != models.StatusFetchingOrigin {
		t.Fatalf("unexpected audit trail %+v", body.Events)
	}
}

func TestDLQEndpoint(t *testing.T) {
	q := &fakeQueue{dlq: []string{"member-9"}}
	s := testServer(t, newFakeStore(), q, fakeLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/dlq", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "member-9") {
		t.Fatalf("dlq contents missing: %s", rec.Body.String())
	}
}
