package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"

	"github.com/openfroyo/flowsync/pkg/model"
)

// CUEParser parses device snapshots written in CUE. A document is checked
// against the closed #Snapshot definition before it is decoded, so unknown
// fields and out-of-range ids are reported with their source position.
type CUEParser struct {
	schemas *SchemaRegistry
}

// NewCUEParser creates a parser backed by the built-in schemas.
func NewCUEParser() *CUEParser {
	return &CUEParser{schemas: NewSchemaRegistry()}
}

// Schemas returns the schema registry.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// ParseFile parses the CUE snapshot at path.
func (cp *CUEParser) ParseFile(path string) (*model.DeviceConfigSnapshot, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return cp.Parse(path, content)
}

// Parse parses a CUE snapshot. filename is used in error positions only.
func (cp *CUEParser) Parse(filename string, content []byte) (*model.DeviceConfigSnapshot, error) {
	val, err := cp.compile(filename, content)
	if err != nil {
		return nil, err
	}

	unified, err := cp.schemas.Check(SchemaSnapshot, val)
	if err != nil {
		return nil, cp.convertCUEErrors(filename, err)
	}

	return decodeSnapshot(unified)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (*model.DeviceConfigSnapshot, error) {
	return cp.Parse("inline", []byte(content))
}

func (cp *CUEParser) compile(filename string, content []byte) (cue.Value, error) {
	val := cp.schemas.Context().CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(filename, err)
	}
	return val, nil
}

// decodeSnapshot goes through JSON so the model's json tags, embedded stale
// types included, apply exactly as for JSON files.
func decodeSnapshot(val cue.Value) (*model.DeviceConfigSnapshot, error) {
	data, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export snapshot: %w", err)
	}
	var snap model.DeviceConfigSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors. Positions without
// a file name are attributed to filename.
func (cp *CUEParser) convertCUEErrors(filename string, err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    filename,
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			// Prefer a position in the document over one in the schema.
			p := pos[0]
			for _, candidate := range pos {
				if candidate.Filename() == filename {
					p = candidate
					break
				}
			}
			if f := p.Filename(); f != "" {
				ve.File = f
			}
			ve.Line = p.Line()
			ve.Column = p.Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{File: filename, Message: err.Error()})
	}
	return validationErrors
}
