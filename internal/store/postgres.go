package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dlcs/composite-handler/internal/models"
)

// ErrNotFound is returned when a collection or member id has no row.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateCollectionParams collects inputs required to insert a collection and its members.
type CreateCollectionParams struct {
	Customer  int
	Payload   map[string]any
	Templates []models.MemberTemplate
}

// CreateCollection inserts the collection row and one PENDING member per template
// in a single transaction, so a partially visible submission can never exist.
func (s *Store) CreateCollection(ctx context.Context, p CreateCollectionParams) (models.Collection, []models.Member, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Collection{}, nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Collection{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	collection := models.Collection{
		ID:        uuid.New().String(),
		Customer:  p.Customer,
		Payload:   p.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO collections (id, customer, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, collection.ID, collection.Customer, payloadJSON, now)
	if err != nil {
		return models.Collection{}, nil, fmt.Errorf("insert collection: %w", err)
	}

	members := make([]models.Member, 0, len(p.Templates))
	for _, tmpl := range p.Templates {
		templateJSON, err := json.Marshal(tmpl)
		if err != nil {
			return models.Collection{}, nil, fmt.Errorf("marshal template: %w", err)
		}
		member := models.Member{
			ID:           uuid.New().String(),
			CollectionID: collection.ID,
			Template:     tmpl,
			Status:       models.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO members (id, collection_id, template, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, member.ID, member.CollectionID, templateJSON, member.Status, now)
		if err != nil {
			return models.Collection{}, nil, fmt.Errorf("insert member: %w", err)
		}
		members = append(members, member)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Collection{}, nil, fmt.Errorf("commit: %w", err)
	}
	return collection, members, nil
}

// GetCollection fetches a collection by id.
func (s *Store) GetCollection(ctx context.Context, id string) (models.Collection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer, payload, created_at, updated_at
		FROM collections WHERE id = $1
	`, id)

	var c models.Collection
	var payloadJSON []byte
	if err := row.Scan(&c.ID, &c.Customer, &payloadJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Collection{}, fmt.Errorf("collection %s: %w", id, ErrNotFound)
		}
		return models.Collection{}, fmt.Errorf("scan collection: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
		return models.Collection{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return c, nil
}

const memberColumns = `id, collection_id, template, status, image_count, error, created_at, updated_at`

// GetMember fetches a member by id.
func (s *Store) GetMember(ctx context.Context, id string) (models.Member, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	return scanMember(row)
}

// GetCollectionMember fetches a member scoped to its collection.
func (s *Store) GetCollectionMember(ctx context.Context, collectionID, memberID string) (models.Member, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+memberColumns+` FROM members WHERE id = $1 AND collection_id = $2
	`, memberID, collectionID)
	return scanMember(row)
}

// ListMembers returns the members of a collection in creation order.
func (s *Store) ListMembers(ctx context.Context, collectionID string) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+memberColumns+` FROM members WHERE collection_id = $1 ORDER BY created_at, id
	`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanMember(row pgx.Row) (models.Member, error) {
	var m models.Member
	var templateJSON []byte
	var imageCount pgtype.Int4
	var memberErr pgtype.Text

	if err := row.Scan(&m.ID, &m.CollectionID, &templateJSON, &m.Status, &imageCount, &memberErr, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Member{}, fmt.Errorf("member: %w", ErrNotFound)
		}
		return models.Member{}, fmt.Errorf("scan member: %w", err)
	}
	if err := json.Unmarshal(templateJSON, &m.Template); err != nil {
		return models.Member{}, fmt.Errorf("unmarshal template: %w", err)
	}
	if imageCount.Valid {
		n := int(imageCount.Int32)
		m.ImageCount = &n
	}
	if memberErr.Valid {
		v := memberErr.String
		m.Error = &v
	}
	return m, nil
}

// UpdateMemberStatus persists a stage transition.
func (s *Store) UpdateMemberStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// SetMemberImageCount records the page count once rasterization sizing is known.
func (s *Store) SetMemberImageCount(ctx context.Context, id string, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members SET image_count = $2, updated_at = NOW() WHERE id = $1
	`, id, count)
	return err
}

// MarkMemberError transitions a member to ERROR with the failure text.
func (s *Store) MarkMemberError(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members SET status = $2, error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusError, message)
	return err
}

// MarkMemberCompleted transitions a member to COMPLETED and clears any error.
func (s *Store) MarkMemberCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members SET status = $2, error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// AppendBatch records one acknowledged DLCS batch. Rows accumulate as batches
// complete; they are never written atomically as a set.
func (s *Store) AppendBatch(ctx context.Context, memberID, dlcsID, uri string, response map[string]any) (models.Batch, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return models.Batch{}, fmt.Errorf("marshal response: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO batches (member_id, dlcs_id, uri, response, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`, memberID, dlcsID, uri, responseJSON)

	batch := models.Batch{MemberID: memberID, DLCSID: dlcsID, URI: uri, Response: response}
	if err := row.Scan(&batch.ID, &batch.CreatedAt); err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns the recorded batches for a member in submission order.
func (s *Store) ListBatches(ctx context.Context, memberID string) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, member_id, dlcs_id, uri, response, created_at
		FROM batches WHERE member_id = $1 ORDER BY id
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		var b models.Batch
		var responseJSON []byte
		if err := rows.Scan(&b.ID, &b.MemberID, &b.DLCSID, &b.URI, &responseJSON, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if err := json.Unmarshal(responseJSON, &b.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListEvents returns a member's audit trail in recording order.
func (s *Store) ListEvents(ctx context.Context, memberID string) ([]models.MemberEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT member_id, event, detail, ts
		FROM member_events WHERE member_id = $1 ORDER BY id
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.MemberEvent
	for rows.Next() {
		var e models.MemberEvent
		if err := rows.Scan(&e.MemberID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendEvent adds a stage-transition audit row.
func (s *Store) AppendEvent(ctx context.Context, memberID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO member_events (member_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, memberID, event, detail)
	return err
}
