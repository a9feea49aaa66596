package models

import (
	"encoding/json"
)

// Field names with special handling during request building.
const (
	FieldType          = "@type"
	FieldOrigin        = "origin"
	FieldOriginFormat  = "originFormat"
	FieldIncrementSeed = "incrementSeed"
)

// FormatFields are the template fields eligible for counter substitution.
// A field only gets substituted when it was submitted as a string.
var FormatFields = []string{
	"id",
	"string1", "string2", "string3",
	"number1", "number2", "number3",
	"text",
}

// StaticFields are merged into every ingest record built from a template.
var StaticFields = map[string]any{
	"mediaType": "image/jp2",
	"family":    "I",
}

// MemberTemplate is the submitted description of one composite document.
// Known fields are typed; everything else rides in Extra and is passed
// through to the ingest records untouched.
type MemberTemplate struct {
	Type          string
	Origin        string
	OriginFormat  string
	IncrementSeed int64
	Format        map[string]any
	Extra         map[string]any
}

func (t *MemberTemplate) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = MemberTemplate{
		Format: map[string]any{},
		Extra:  map[string]any{},
	}
	if v, ok := raw[FieldType].(string); ok {
		t.Type = v
	}
	if v, ok := raw[FieldOrigin].(string); ok {
		t.Origin = v
	}
	if v, ok := raw[FieldOriginFormat].(string); ok {
		t.OriginFormat = v
	}
	if v, ok := raw[FieldIncrementSeed].(float64); ok {
		t.IncrementSeed = int64(v)
	}
	delete(raw, FieldType)
	delete(raw, FieldOrigin)
	delete(raw, FieldOriginFormat)
	delete(raw, FieldIncrementSeed)

	for _, name := range FormatFields {
		if v, ok := raw[name]; ok {
			t.Format[name] = v
			delete(raw, name)
		}
	}
	t.Extra = raw
	return nil
}

func (t MemberTemplate) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+len(t.Format)+4)
	for k, v := range t.Extra {
		out[k] = v
	}
	for k, v := range t.Format {
		out[k] = v
	}
	if t.Type != "" {
		out[FieldType] = t.Type
	}
	if t.Origin != "" {
		out[FieldOrigin] = t.Origin
	}
	if t.OriginFormat != "" {
		out[FieldOriginFormat] = t.OriginFormat
	}
	if t.IncrementSeed != 0 {
		out[FieldIncrementSeed] = t.IncrementSeed
	}
	return json.Marshal(out)
}
