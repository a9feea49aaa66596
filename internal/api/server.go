package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dlcs/composite-handler/internal/config"
	"github.com/dlcs/composite-handler/internal/dlcs"
	"github.com/dlcs/composite-handler/internal/models"
	"github.com/dlcs/composite-handler/internal/queue"
	"github.com/dlcs/composite-handler/internal/ratelimit"
	"github.com/dlcs/composite-handler/internal/store"
	"github.com/dlcs/composite-handler/internal/telemetry"
)

// CollectionStore is the persistence surface the API needs.
type CollectionStore interface {
	CreateCollection(ctx context.Context, p store.CreateCollectionParams) (models.Collection, []models.Member, error)
	GetCollection(ctx context.Context, id string) (models.Collection, error)
	GetCollectionMember(ctx context.Context, collectionID, memberID string) (models.Member, error)
	ListMembers(ctx context.Context, collectionID string) ([]models.Member, error)
	ListBatches(ctx context.Context, memberID string) ([]models.Batch, error)
	ListEvents(ctx context.Context, memberID string) ([]models.MemberEvent, error)
	MarkMemberError(ctx context.Context, id, message string) error
}

// TaskQueue submits member tasks and exposes the DLQ for inspection.
type TaskQueue interface {
	Submit(ctx context.Context, task queue.Task, priority string, runAt time.Time) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// CredentialChecker verifies caller credentials against DLCS.
type CredentialChecker interface {
	TestCredentials(ctx context.Context, customer int, auth string) error
}

// Limiter throttles collection submissions per customer.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for collection submission and polling.
type Server struct {
	cfg     config.Config
	store   CollectionStore
	queue   TaskQueue
	dlcs    CredentialChecker
	limiter Limiter
	schema  *jsonschema.Schema
}

// New constructs the API server, compiling the submission schema.
func New(cfg config.Config, st CollectionStore, q TaskQueue, creds CredentialChecker, limiter Limiter) (*Server, error) {
	schema, err := newCollectionSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		dlcs:    creds,
		limiter: limiter,
		schema:  schema,
	}, nil
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/customers/{customerID}/collections", s.handleSubmitCollection)
	r.Get("/collections/{collectionID}", s.handleGetCollection)
	r.Get("/collections/{collectionID}/members/{memberID}", s.handleGetMember)
	r.Get("/collections/{collectionID}/members/{memberID}/events", s.handleGetMemberEvents)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleSubmitCollection(w http.ResponseWriter, r *http.Request) {
	customer, err := strconv.Atoi(chi.URLParam(r, "customerID"))
	if err != nil {
		http.Error(w, "invalid customer id", http.StatusBadRequest)
		return
	}

	auth := r.Header.Get("Authorization")
	if err := s.checkCredentials(r.Context(), customer, auth, w); err != nil {
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.CustomerKey(customer))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.schema.Validate(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}

	rawMembers := payload["member"].([]any)
	templates := make([]models.MemberTemplate, 0, len(rawMembers))
	for _, raw := range rawMembers {
		data, err := json.Marshal(raw)
		if err != nil {
			http.Error(w, "invalid member", http.StatusBadRequest)
			return
		}
		var tmpl models.MemberTemplate
		if err := json.Unmarshal(data, &tmpl); err != nil {
			http.Error(w, "invalid member", http.StatusBadRequest)
			return
		}
		templates = append(templates, tmpl)
	}

	collection, members, err := s.store.CreateCollection(r.Context(), store.CreateCollectionParams{
		Customer:  customer,
		Payload:   payload,
		Templates: templates,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for _, member := range members {
		task := queue.Task{Type: queue.TaskProcessMember, MemberID: member.ID, Auth: auth}
		if err := s.queue.Submit(r.Context(), task, "default", time.Now()); err != nil {
			_ = s.store.MarkMemberError(r.Context(), member.ID, fmt.Sprintf("submit processing task: %v", err))
		}
	}
	telemetry.CollectionsAccepted.Inc()

	body, err := s.collectionBody(r.Context(), collection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "collectionID")
	collection, err := s.store.GetCollection(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.checkCredentials(r.Context(), collection.Customer, r.Header.Get("Authorization"), w); err != nil {
		return
	}

	body, err := s.collectionBody(r.Context(), collection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	memberID := chi.URLParam(r, "memberID")

	member, err := s.store.GetCollectionMember(r.Context(), collectionID, memberID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	collection, err := s.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.checkCredentials(r.Context(), collection.Customer, r.Header.Get("Authorization"), w); err != nil {
		return
	}

	body, err := s.memberBody(r.Context(), member)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if member.Status == models.StatusError {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, body)
}

// handleGetMemberEvents returns a member's stage-transition audit trail.
func (s *Server) handleGetMemberEvents(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	memberID := chi.URLParam(r, "memberID")

	member, err := s.store.GetCollectionMember(r.Context(), collectionID, memberID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	collection, err := s.store.GetCollection(r.Context(), collectionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.checkCredentials(r.Context(), collection.Customer, r.Header.Get("Authorization"), w); err != nil {
		return
	}

	events, err := s.store.ListEvents(r.Context(), member.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDLQ returns the dead-lettered member IDs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// checkCredentials writes the failure response itself and reports whether the
// caller may proceed.
func (s *Server) checkCredentials(ctx context.Context, customer int, auth string, w http.ResponseWriter) error {
	if auth == "" {
		http.Error(w, "authorization required", http.StatusForbidden)
		return errors.New("missing authorization")
	}
	if err := s.dlcs.TestCredentials(ctx, customer, auth); err != nil {
		var credErr *dlcs.CredentialError
		if errors.As(err, &credErr) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
		} else {
			http.Error(w, "credential check failed", http.StatusBadGateway)
		}
		return err
	}
	return nil
}

func (s *Server) collectionBody(ctx context.Context, collection models.Collection) (map[string]any, error) {
	members, err := s.store.ListMembers(ctx, collection.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	memberBodies := make([]map[string]any, 0, len(members))
	for _, member := range members {
		body, err := s.memberBody(ctx, member)
		if err != nil {
			return nil, err
		}
		memberBodies = append(memberBodies, body)
	}
	return map[string]any{
		"id":      fmt.Sprintf("%s://%s/collections/%s", s.cfg.PublicScheme, s.cfg.PublicHostname, collection.ID),
		"members": memberBodies,
	}, nil
}

func (s *Server) memberBody(ctx context.Context, member models.Member) (map[string]any, error) {
	body := map[string]any{
		"id":           fmt.Sprintf("%s://%s/collections/%s/members/%s", s.cfg.PublicScheme, s.cfg.PublicHostname, member.CollectionID, member.ID),
		"status":       member.Status,
		"created":      member.CreatedAt,
		"last_updated": member.UpdatedAt,
	}
	if member.ImageCount != nil {
		body["image_count"] = *member.ImageCount
	}
	if member.Error != nil {
		body["error"] = *member.Error
	}
	batches, err := s.store.ListBatches(ctx, member.ID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	if len(batches) > 0 {
		uris := make([]string, 0, len(batches))
		for _, b := range batches {
			uris = append(uris, b.URI)
		}
		body["dlcs_uris"] = uris
	}
	return body, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
