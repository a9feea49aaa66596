package api

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/collection.json
var schemaFiles embed.FS

// newCollectionSchema compiles the embedded submission schema once at startup.
func newCollectionSchema() (*jsonschema.Schema, error) {
	raw, err := schemaFiles.ReadFile("schema/collection.json")
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("collection.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("collection.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
