package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the JSON Schema for JSON-format configuration files.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "version": { "type": "integer", "minimum": 1 },
    "storage": {
      "type": "object",
      "properties": {
        "root": { "type": "string" },
        "bookmarks_db": { "type": "string" },
        "mappings_db": { "type": "string" },
        "identifiers_db": { "type": "string" },
        "changeset_dir": { "type": "string" },
        "blob_dir": { "type": "string" }
      },
      "additionalProperties": false
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": { "enum": ["debug", "info", "warn", "error"] },
        "format": { "enum": ["text", "json"] },
        "output": { "enum": ["stdout", "stderr"] },
        "add_source": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "sync": {
      "type": "object",
      "properties": {
        "version": { "type": "integer", "minimum": 1 },
        "small_repo_id": { "type": "integer", "minimum": 0 },
        "large_repo_id": { "type": "integer", "minimum": 0 },
        "prefix": { "type": "string", "minLength": 1 },
        "common_bookmarks": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "bookmark_prefix": { "type": "string", "minLength": 1 },
        "empty_commits": { "enum": ["skip", "keep"] }
      },
      "required": ["version", "small_repo_id", "large_repo_id", "prefix", "bookmark_prefix"],
      "additionalProperties": false
    }
  },
  "required": ["sync"],
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

// validateJSONSchema checks a JSON configuration document against the
// schema.
func validateJSONSchema(data []byte) error {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("config: parse json: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	return nil
}
