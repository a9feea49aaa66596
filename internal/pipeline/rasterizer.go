package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/disintegration/imaging"
	fitz "github.com/gen2brain/go-fitz"
)

// FitzRasterizer converts a composite document into one image per page using
// MuPDF, writing pages straight into the workspace so nothing is copied twice.
type FitzRasterizer struct {
	dpi     int
	format  string
	quality int
}

// NewFitzRasterizer builds a rasterizer for the configured resolution and format.
func NewFitzRasterizer(dpi int, format string, quality int) *FitzRasterizer {
	if dpi <= 0 {
		dpi = 300
	}
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "" || format == "jpeg" {
		format = "jpg"
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &FitzRasterizer{dpi: dpi, format: format, quality: quality}
}

// Rasterize renders every page of the source document into the workspace and
// returns the image paths in page order. On failure no paths are returned;
// partial output is left for workspace cleanup.
func (r *FitzRasterizer) Rasterize(ctx context.Context, ws *Workspace, sourcePath string) ([]string, error) {
	doc, err := fitz.New(sourcePath)
	if err != nil {
		return nil, &RasterizationError{Path: sourcePath, Err: err}
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return nil, &RasterizationError{Path: sourcePath, Err: errors.New("document has no pages")}
	}

	paths := make([]string, 0, pages)
	for page := 0; page < pages; page++ {
		select {
		case <-ctx.Done():
			return nil, &RasterizationError{Path: sourcePath, Err: ctx.Err()}
		default:
		}

		img, err := doc.ImageDPI(page, float64(r.dpi))
		if err != nil {
			return nil, &RasterizationError{Path: sourcePath, Err: err}
		}

		out := ws.PagePath(page+1, r.format)
		if err := imaging.Save(img, out, imaging.JPEGQuality(r.quality)); err != nil {
			return nil, &RasterizationError{Path: sourcePath, Err: err}
		}
		paths = append(paths, out)
	}
	return paths, nil
}
