// Package dlcs talks to the downstream DLCS API: credential checks at
// submission time and batched ingest requests from the pipeline.
package dlcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// IngestRequest is one chunked hydra collection POSTed to the customer queue.
type IngestRequest struct {
	Context string           `json:"@context"`
	Type    string           `json:"@type"`
	Members []map[string]any `json:"member"`
}

// Envelope constants for ingest requests.
const (
	HydraContext   = "http://www.w3.org/ns/hydra/context.jsonld"
	CollectionType = "Collection"
)

// NewIngestRequest wraps a chunk of member records in the hydra envelope.
func NewIngestRequest(members []map[string]any) IngestRequest {
	return IngestRequest{
		Context: HydraContext,
		Type:    CollectionType,
		Members: members,
	}
}

// BatchAck is the acknowledgement DLCS returns for one accepted batch.
type BatchAck struct {
	ID       string
	URI      string
	Response map[string]any
}

// CredentialError indicates DLCS rejected the caller's credentials.
type CredentialError struct {
	Customer   int
	StatusCode int
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("dlcs rejected credentials for customer %d (status %d)", e.Customer, e.StatusCode)
}

// IngestError indicates DLCS rejected a batch submission.
type IngestError struct {
	Customer   int
	StatusCode int
	Body       string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("dlcs rejected batch for customer %d (status %d): %s", e.Customer, e.StatusCode, e.Body)
}

// Client is a thin HTTP client for the DLCS API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client for the given DLCS base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// TestCredentials verifies the Authorization header against the customer record.
// Anything but 200 is treated as invalid.
func (c *Client) TestCredentials(ctx context.Context, customer int, auth string) error {
	url := fmt.Sprintf("%s/customers/%d", c.baseURL, customer)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dlcs credential check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &CredentialError{Customer: customer, StatusCode: resp.StatusCode}
	}
	return nil
}

// Ingest submits one batch to the customer queue. DLCS answers 201 with a JSON
// body whose @id addresses the created batch; anything else is an IngestError.
func (c *Client) Ingest(ctx context.Context, customer int, batch IngestRequest, auth string) (BatchAck, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return BatchAck{}, fmt.Errorf("marshal batch: %w", err)
	}

	url := fmt.Sprintf("%s/customers/%d/queue", c.baseURL, customer)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return BatchAck{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BatchAck{}, fmt.Errorf("dlcs ingest: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return BatchAck{}, fmt.Errorf("read dlcs response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return BatchAck{}, &IngestError{Customer: customer, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return BatchAck{}, fmt.Errorf("decode dlcs response: %w", err)
	}
	uri, _ := parsed["@id"].(string)
	if uri == "" {
		return BatchAck{}, fmt.Errorf("dlcs response missing @id: %s", string(respBody))
	}

	return BatchAck{ID: lastPathSegment(uri), URI: uri, Response: parsed}, nil
}

func lastPathSegment(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
