package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dlcs/composite-handler/internal/telemetry"
)

// ObjectStore is the object-storage contract the uploader needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// ImageUploader pushes page images to object storage with a bounded worker
// pool. Result order always matches input order regardless of which uploads
// finish first.
type ImageUploader struct {
	store   ObjectStore
	prefix  string
	workers int
}

// NewImageUploader constructs an uploader with the given concurrency.
func NewImageUploader(store ObjectStore, prefix string, workers int) *ImageUploader {
	if workers <= 0 {
		workers = 5
	}
	return &ImageUploader{store: store, prefix: prefix, workers: workers}
}

// Upload pushes every image and returns their public URIs in input order.
// If any upload fails, all in-flight uploads are drained first and a single
// UploadError reporting every failure is returned.
func (u *ImageUploader) Upload(ctx context.Context, memberID string, paths []string) ([]string, error) {
	uris := make([]string, len(paths))
	var mu sync.Mutex
	var failures []indexedFailure

	type item struct {
		index int
		path  string
	}
	jobs := make(chan item)

	workers := u.workers
	if workers > len(paths) {
		workers = len(paths)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				uri, err := u.uploadOne(ctx, memberID, it.path)
				if err != nil {
					mu.Lock()
					failures = append(failures, indexedFailure{index: it.index, failure: UploadFailure{Path: it.path, Err: err}})
					mu.Unlock()
					continue
				}
				uris[it.index] = uri
				telemetry.ImagesUploaded.Inc()
			}
		}()
	}

	for i, p := range paths {
		jobs <- item{index: i, path: p}
	}
	close(jobs)
	wg.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].index < failures[j].index })
		agg := &UploadError{Total: len(paths)}
		for _, f := range failures {
			agg.Failures = append(agg.Failures, f.failure)
		}
		return nil, agg
	}
	return uris, nil
}

type indexedFailure struct {
	index   int
	failure UploadFailure
}

func (u *ImageUploader) uploadOne(ctx context.Context, memberID, path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	key := objectKey(u.prefix, memberID, filepath.Base(path))
	return u.store.Put(ctx, key, in, contentTypeForExt(filepath.Ext(path)))
}

// objectKey derives a deterministic storage key: prefix/member/basename.
func objectKey(prefix, memberID, basename string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, memberID, basename)
	return strings.Join(parts, "/")
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "tif", "tiff":
		return "image/tiff"
	case "gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
