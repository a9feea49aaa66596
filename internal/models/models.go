package models

import (
	"time"
)

// Member statuses persisted in Postgres, in happy-path order.
const (
	StatusPending             = "PENDING"
	StatusFetchingOrigin      = "FETCHING_ORIGIN"
	StatusRasterizing         = "RASTERIZING"
	StatusPushingToDLCS       = "PUSHING_TO_DLCS"
	StatusBuildingDLCSRequest = "BUILDING_DLCS_REQUEST"
	StatusSubmitting          = "SUBMITTING"
	StatusCompleted           = "COMPLETED"
	StatusError               = "ERROR"
)

// Terminal reports whether a member in the given status will never advance again.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// Collection groups the members submitted together in one request.
type Collection struct {
	ID        string         `json:"id"`
	Customer  int            `json:"customer"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Member is one composite document processing unit within a collection.
type Member struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Template     MemberTemplate `json:"template"`
	Status       string         `json:"status"`
	ImageCount   *int           `json:"image_count,omitempty"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created"`
	UpdatedAt    time.Time      `json:"last_updated"`
}

// Batch records one acknowledged ingest submission to DLCS.
type Batch struct {
	ID        int64          `json:"id"`
	MemberID  string         `json:"member_id"`
	DLCSID    string         `json:"dlcs_id"`
	URI       string         `json:"uri"`
	Response  map[string]any `json:"response"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemberEvent is a stage-transition audit row.
type MemberEvent struct {
	MemberID string    `json:"member_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
