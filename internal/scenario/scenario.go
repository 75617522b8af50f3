// Package scenario parses and validates the JSON scenario files the
// host driver executes against a simulated machine. Instances are
// checked against an embedded JSON schema before anything touches the
// monitor.
package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is the scenario file schema.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "keystonesm/scenario-v1.schema.json",
  "type": "object",
  "required": ["name", "steps"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["op"],
        "additionalProperties": false,
        "properties": {
          "op": {
            "type": "string",
            "enum": ["create", "run", "resume", "stop", "exit", "attest", "chain", "keypair", "destroy"]
          },
          "enclave": {"type": "string"},
          "epm_base": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
          "epm_size": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
          "utm_base": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
          "utm_size": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
          "payload": {"type": "string"},
          "data": {"type": "string"},
          "request": {"type": "string", "enum": ["timer", "edge_call", "exit"]},
          "retval": {"type": "integer", "minimum": 0},
          "index": {"type": "integer", "minimum": 0, "maximum": 9}
        }
      }
    }
  }
}`

// Step is one scenario operation.
type Step struct {
	Op      string `json:"op"`
	Enclave string `json:"enclave,omitempty"`
	EPMBase string `json:"epm_base,omitempty"`
	EPMSize string `json:"epm_size,omitempty"`
	UTMBase string `json:"utm_base,omitempty"`
	UTMSize string `json:"utm_size,omitempty"`
	Payload string `json:"payload,omitempty"`
	Data    string `json:"data,omitempty"`
	Request string `json:"request,omitempty"`
	Retval  uint64 `json:"retval,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// Scenario is a named sequence of steps.
type Scenario struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Load reads, schema-validates and decodes a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse schema-validates and decodes scenario JSON.
func Parse(data []byte) (*Scenario, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("scenario-v1.schema.json", bytes.NewReader([]byte(Schema))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("scenario-v1.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("scenario does not match schema: %w", err)
	}

	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
