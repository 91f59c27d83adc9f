package backup

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The backup stream is line-delimited JSON. Every line is validated on
// restore before anything touches the database, so a corrupted or
// hand-edited file fails fast instead of half-applying.

const headerSchemaJSON = `{
	"type": "object",
	"required": ["format", "version", "created_at"],
	"properties": {
		"format": {"const": "ledgerd-backup"},
		"version": {"type": "integer", "minimum": 1},
		"created_at": {"type": "string"}
	}
}`

const chunkSchemaJSON = `{
	"type": "object",
	"required": ["type", "chunk_index", "total_chunks", "data"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"chunk_index": {"type": "integer", "minimum": 0},
		"total_chunks": {"type": "integer", "minimum": 1},
		"data": {"type": "array", "items": {"type": "object"}}
	}
}`

const trailerSchemaJSON = `{
	"type": "object",
	"required": ["type", "counts", "checksum"],
	"properties": {
		"type": {"const": "summary"},
		"counts": {
			"type": "object",
			"additionalProperties": {"type": "integer", "minimum": 0}
		},
		"checksum": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
	}
}`

type lineValidators struct {
	header  *jsonschema.Schema
	chunk   *jsonschema.Schema
	trailer *jsonschema.Schema
}

func compileLineValidators() (*lineValidators, error) {
	c := jsonschema.NewCompiler()
	for name, src := range map[string]string{
		"header.json":  headerSchemaJSON,
		"chunk.json":   chunkSchemaJSON,
		"trailer.json": trailerSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	v := &lineValidators{}
	var err error
	if v.header, err = c.Compile("header.json"); err != nil {
		return nil, fmt.Errorf("compile header schema: %w", err)
	}
	if v.chunk, err = c.Compile("chunk.json"); err != nil {
		return nil, fmt.Errorf("compile chunk schema: %w", err)
	}
	if v.trailer, err = c.Compile("trailer.json"); err != nil {
		return nil, fmt.Errorf("compile trailer schema: %w", err)
	}
	return v, nil
}

func validateLine(schema *jsonschema.Schema, line []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(line)))
	if err != nil {
		return fmt.Errorf("line is not valid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("line failed validation: %w", err)
	}
	return nil
}
