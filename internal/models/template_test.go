package models

import (
	"encoding/json"
	"testing"
)

func TestMemberTemplateUnmarshal(t *testing.T) {
	raw := `{
		"@type": "Member",
		"origin": "https://example.org/doc.pdf",
		"originFormat": "application/pdf",
		"incrementSeed": 7,
		"string1": "vol-{0}",
		"number1": 4,
		"text": "page {0}",
		"space": 5
	}`

	var tmpl MemberTemplate
	if err := json.Unmarshal([]byte(raw), &tmpl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if tmpl.Type != "Member" {
		t.Fatalf("expected @type captured, got %q", tmpl.Type)
	}
	if tmpl.Origin != "https://example.org/doc.pdf" {
		t.Fatalf("unexpected origin %q", tmpl.Origin)
	}
	if tmpl.OriginFormat != "application/pdf" {
		t.Fatalf("unexpected originFormat %q", tmpl.OriginFormat)
	}
	if tmpl.IncrementSeed != 7 {
		t.Fatalf("unexpected incrementSeed %d", tmpl.IncrementSeed)
	}
	if got := tmpl.Format["string1"]; got != "vol-{0}" {
		t.Fatalf("string1 not captured as format field: %v", got)
	}
	if got, ok := tmpl.Format["number1"].(float64); !ok || got != 4 {
		t.Fatalf("number1 should keep its submitted numeric type: %v", tmpl.Format["number1"])
	}
	if got := tmpl.Extra["space"]; got != float64(5) {
		t.Fatalf("unknown field should land in Extra: %v", got)
	}
	if _, ok := tmpl.Extra["origin"]; ok {
		t.Fatalf("origin must not leak into Extra")
	}
}

func TestMemberTemplateRoundTrip(t *testing.T) {
	raw := `{"origin":"https://example.org/doc.pdf","incrementSeed":1,"string1":"s-{0}","space":2}`

	var tmpl MemberTemplate
	if err := json.Unmarshal([]byte(raw), &tmpl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, err := json.Marshal(tmpl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var again MemberTemplate
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if again.Origin != tmpl.Origin || again.IncrementSeed != tmpl.IncrementSeed {
		t.Fatalf("round trip lost typed fields: %+v", again)
	}
	if again.Format["string1"] != "s-{0}" || again.Extra["space"] != float64(2) {
		t.Fatalf("round trip lost field maps: %+v", again)
	}
}
