package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// OriginFetcher downloads composite source documents into workspaces.
// It never retries; redelivery policy belongs to the task layer.
type OriginFetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewOriginFetcher builds a fetcher with a request timeout and download cap.
func NewOriginFetcher(timeout time.Duration, maxBytes int64) *OriginFetcher {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &OriginFetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch streams the resource at sourceURI into the workspace source file,
// copying in bounded chunks so large composites never sit in memory whole.
func (f *OriginFetcher) Fetch(ctx context.Context, ws *Workspace, sourceURI string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURI, nil)
	if err != nil {
		return "", &OriginFetchError{URI: sourceURI, Err: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", &OriginFetchError{URI: sourceURI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &OriginFetchError{URI: sourceURI, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	dest := ws.SourcePath()
	out, err := os.Create(dest)
	if err != nil {
		return "", &OriginFetchError{URI: sourceURI, Err: err}
	}
	defer out.Close()

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	buf := make([]byte, 1<<20)
	written, err := io.CopyBuffer(out, body, buf)
	if err != nil {
		return "", &OriginFetchError{URI: sourceURI, Err: err}
	}
	if f.maxBytes > 0 && written > f.maxBytes {
		return "", &OriginFetchError{URI: sourceURI, Err: fmt.Errorf("origin larger than %d bytes", f.maxBytes)}
	}
	if err := out.Sync(); err != nil {
		return "", &OriginFetchError{URI: sourceURI, Err: err}
	}
	return dest, nil
}
