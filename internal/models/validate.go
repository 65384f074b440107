package models

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce    sync.Once
	schemaErr     error
	requestSchema *jsonschema.Schema
	eventSchema   *jsonschema.Schema
)

func loadSchemas() {
	compiler := jsonschema.NewCompiler()
	compile := func(name string) *jsonschema.Schema {
		if schemaErr != nil {
			return nil
		}
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", name, err)
			return nil
		}
		id := "inmemory://" + name
		if err := compiler.AddResource(id, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("add schema resource %s: %w", name, err)
			return nil
		}
		compiled, err := compiler.Compile(id)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return nil
		}
		return compiled
	}
	requestSchema = compile("job_request.json")
	eventSchema = compile("job_event.json")
}

func validateAgainst(get func() *jsonschema.Schema, data []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	var payload any
	if err := decodeJSON(data, &payload); err != nil {
		return &ValidationError{Message: "invalid JSON body"}
	}
	if err := get().Validate(payload); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := verr
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			field := strings.TrimPrefix(leaf.InstanceLocation, "/")
			return &ValidationError{Field: field, Message: leaf.Message}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// DecodeJobRequest validates and decodes a job submission body
func DecodeJobRequest(data []byte) (JobRequest, error) {
	var req JobRequest
	if err := validateAgainst(func() *jsonschema.Schema { return requestSchema }, data); err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &ValidationError{Message: "invalid JSON body"}
	}
	req.NaturalLanguageQuery = strings.TrimSpace(req.NaturalLanguageQuery)
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// Validate checks the invariants of a request built in code
func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.NaturalLanguageQuery) == "" {
		return &ValidationError{Field: "naturalLanguageQuery", Message: "must not be empty"}
	}
	return nil
}

// DecodeJobEvent validates and decodes an ingress event body
func DecodeJobEvent(data []byte) (JobEvent, error) {
	var event JobEvent
	if err := validateAgainst(func() *jsonschema.Schema { return eventSchema }, data); err != nil {
		return event, err
	}
	if err := decodeJSON(data, &event); err != nil {
		return event, &ValidationError{Message: "invalid JSON body"}
	}
	return event, nil
}

// decodeJSON keeps numbers as json.Number so row values such as 64-bit ids
// survive the trip through the ingress unchanged
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
