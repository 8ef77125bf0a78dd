package httpapi

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/clinicsync/internal/offline"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://clinicsync.local/schemas/"

// payloadSchemas holds one compiled JSON schema per operation type. It
// rejects malformed request bodies before they reach the queue.
type payloadSchemas struct {
	byType map[offline.OperationType]*jsonschema.Schema
}

func compilePayloadSchemas() (*payloadSchemas, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	for _, t := range offline.OperationTypes() {
		data, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", t, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", t, err)
		}
		if err := compiler.AddResource(schemaBaseURL+string(t)+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", t, err)
		}
	}

	schemas := &payloadSchemas{byType: map[offline.OperationType]*jsonschema.Schema{}}
	for _, t := range offline.OperationTypes() {
		schema, err := compiler.Compile(schemaBaseURL + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t, err)
		}
		schemas.byType[t] = schema
	}
	return schemas, nil
}

func (p *payloadSchemas) validate(t offline.OperationType, raw []byte) error {
	schema, ok := p.byType[t]
	if !ok {
		return fmt.Errorf("%w: %q", offline.ErrUnknownOperation, t)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", offline.ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", offline.ErrInvalidInput, err)
	}
	return nil
}
