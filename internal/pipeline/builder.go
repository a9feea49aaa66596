package pipeline

import (
	"strconv"
	"strings"

	"github.com/dlcs/composite-handler/internal/dlcs"
	"github.com/dlcs/composite-handler/internal/models"
)

// counterPlaceholder is the substitution marker accepted in format fields,
// e.g. "object-{0}" with a counter of 7 becomes "object-7".
const counterPlaceholder = "{0}"

// RequestBuilder turns uploaded page images into chunked DLCS ingest requests.
// One record is appended per image; Build splits them into batches of at most
// batchSize records each.
type RequestBuilder struct {
	base      map[string]any
	format    map[string]any
	counter   int64
	batchSize int
	records   []map[string]any
}

// NewRequestBuilder seeds a builder from a member template. Framework-only
// fields are dropped from the record base and the fixed media type and family
// are merged in; the running counter starts at the template's incrementSeed.
func NewRequestBuilder(tmpl models.MemberTemplate, batchSize int) *RequestBuilder {
	if batchSize < 1 {
		batchSize = 1
	}

	base := make(map[string]any, len(tmpl.Extra)+len(models.StaticFields))
	for k, v := range tmpl.Extra {
		base[k] = v
	}
	for k, v := range models.StaticFields {
		base[k] = v
	}

	format := make(map[string]any, len(tmpl.Format))
	for k, v := range tmpl.Format {
		format[k] = v
	}

	return &RequestBuilder{
		base:      base,
		format:    format,
		counter:   tmpl.IncrementSeed,
		batchSize: batchSize,
	}
}

// AddImage appends one ingest record for an uploaded image. String-typed
// format fields get the current counter substituted; fields submitted with
// any other type pass through untouched.
func (b *RequestBuilder) AddImage(uri string) {
	record := make(map[string]any, len(b.base)+len(b.format)+1)
	for k, v := range b.base {
		record[k] = v
	}

	value := strconv.FormatInt(b.counter, 10)
	for _, name := range models.FormatFields {
		v, ok := b.format[name]
		if !ok {
			continue
		}
		if pattern, isString := v.(string); isString {
			record[name] = strings.ReplaceAll(pattern, counterPlaceholder, value)
		} else {
			record[name] = v
		}
	}

	record[models.FieldOrigin] = uri
	b.counter++
	b.records = append(b.records, record)
}

// Build chunks the accumulated records into ingest requests of at most
// batchSize members; the last chunk may be smaller. Image order within and
// across chunks matches the order images were added.
func (b *RequestBuilder) Build() []dlcs.IngestRequest {
	requests := make([]dlcs.IngestRequest, 0, (len(b.records)+b.batchSize-1)/b.batchSize)
	for start := 0; start < len(b.records); start += b.batchSize {
		end := start + b.batchSize
		if end > len(b.records) {
			end = len(b.records)
		}
		requests = append(requests, dlcs.NewIngestRequest(b.records[start:end]))
	}
	return requests
}
