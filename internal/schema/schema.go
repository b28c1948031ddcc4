// Package schema validates telemetry envelopes against the embedded JSON
// Schema (draft 2020-12) before they are admitted into player timelines.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed tspi.schema.json
var schemaDocument string

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func load() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaDocument))
		if err != nil {
			compileErr = fmt.Errorf("schema: parse embedded document: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tspi.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("schema: add resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("tspi.schema.json")
	})
	return compiled, compileErr
}

// ValidatePayload checks a decoded telemetry envelope. CBOR integer types
// are normalised through a JSON round trip so numeric keywords behave the
// same regardless of the decoder that produced the map.
func ValidatePayload(payload map[string]any) error {
	sch, err := load()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("schema: encode payload: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("schema: normalise payload: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// IsTelemetry reports whether a decoded payload looks like a telemetry
// envelope (as opposed to a command or tag event).
func IsTelemetry(payload map[string]any) bool {
	if _, ok := payload["cmd_id"]; ok {
		return false
	}
	_, hasType := payload["type"]
	_, hasSensor := payload["sensor_id"]
	return hasType && hasSensor
}
