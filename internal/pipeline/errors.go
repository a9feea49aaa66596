package pipeline

import (
	"fmt"
	"strings"
)

// OriginFetchError indicates the source document could not be downloaded.
type OriginFetchError struct {
	URI string
	Err error
}

func (e *OriginFetchError) Error() string {
	return fmt.Sprintf("fetch origin %s: %v", e.URI, e.Err)
}

func (e *OriginFetchError) Unwrap() error { return e.Err }

// RasterizationError indicates the source document could not be converted
// into page images.
type RasterizationError struct {
	Path string
	Err  error
}

func (e *RasterizationError) Error() string {
	return fmt.Sprintf("rasterize %s: %v", e.Path, e.Err)
}

func (e *RasterizationError) Unwrap() error { return e.Err }

// UploadFailure is one failed page-image upload.
type UploadFailure struct {
	Path string
	Err  error
}

// UploadError aggregates every upload failure for a member. All in-flight
// uploads finish before this is built, so no failure is lost from the report.
type UploadError struct {
	Total    int
	Failures []UploadFailure
}

func (e *UploadError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Path, f.Err))
	}
	return fmt.Sprintf("%d of %d uploads failed: %s", len(e.Failures), e.Total, strings.Join(parts, "; "))
}
