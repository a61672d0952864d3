package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request schemas, compiled once at init. Bodies are validated before
// any store mutation.
const ingestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entity_type", "entity_id"],
  "properties": {
    "entity_type": {"type": "string", "minLength": 1},
    "entity_id": {"type": "string", "minLength": 1},
    "properties": {"type": "object"},
    "source": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "obligations": {"type": "array", "items": {"type": "string"}}
  }
}`

const actionTypeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type_id", "description"],
  "properties": {
    "type_id": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "default_authorization_level": {"enum": ["L0", "L1", "L2", "L3", "L4"]},
    "risk_profile": {
      "type": "object",
      "properties": {
        "impact_scope": {"type": "string"},
        "reversibility": {"type": "string"},
        "blast_radius": {"type": "string"}
      }
    },
    "applicable_policies": {"type": "array", "items": {"type": "string"}},
    "phase_config": {"type": "array"},
    "registered_by": {"type": "string"}
  }
}`

const intentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["objective", "priority"],
  "properties": {
    "id": {"type": "string"},
    "objective": {"type": "string", "minLength": 1},
    "priority": {"type": "integer", "minimum": 1, "maximum": 100},
    "hard_constraints": {"type": "array"},
    "soft_constraints": {"type": "array"},
    "cost_ceiling": {"type": "number", "minimum": 0},
    "created_by": {"type": "string"},
    "active": {"type": "boolean"}
  }
}`

var (
	ingestSchema     = mustCompile("ingest.json", ingestSchemaJSON)
	actionTypeSchema = mustCompile("action_type.json", actionTypeSchemaJSON)
	intentSchema     = mustCompile("intent.json", intentSchemaJSON)
)

func mustCompile(name, raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("api: schema resource %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// validateBody checks raw JSON against the schema and returns a
// human-readable error.
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("body fails schema validation: %w", err)
	}
	return nil
}
