package patchstream

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type FrameKind int

const (
	FrameHeartbeat FrameKind = iota
	FramePatch
	FrameReady
	FrameFinished
)

func (k FrameKind) String() string {
	switch k {
	case FramePatch:
		return "patch"
	case FrameReady:
		return "ready"
	case FrameFinished:
		return "finished"
	default:
		return "heartbeat"
	}
}

type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type Frame struct {
	Kind FrameKind
	Ops  []Operation
}

const frameSchemaURL = "patch-frame.json"

const frameSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$defs": {
    "pointer": {"type": "string", "pattern": "^(/|$)"},
    "operation": {
      "type": "object",
      "required": ["op", "path"],
      "properties": {
        "op": {"enum": ["add", "remove", "replace", "move", "copy", "test"]},
        "path": {"$ref": "#/$defs/pointer"},
        "from": {"$ref": "#/$defs/pointer"}
      },
      "allOf": [
        {
          "if": {"properties": {"op": {"enum": ["add", "replace", "test"]}}},
          "then": {"required": ["value"]}
        },
        {
          "if": {"properties": {"op": {"enum": ["move", "copy"]}}},
          "then": {"required": ["from"]}
        }
      ]
    },
    "patch": {"type": "array", "items": {"$ref": "#/$defs/operation"}}
  },
  "oneOf": [
    {"$ref": "#/$defs/patch"},
    {"type": "object", "required": ["JsonPatch"], "properties": {"JsonPatch": {"$ref": "#/$defs/patch"}}},
    {"type": "object", "required": ["Ready"], "properties": {"Ready": {"const": true}}},
    {"type": "object", "required": ["finished"], "properties": {"finished": {"const": true}}}
  ]
}`

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
		if err != nil {
			frameSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchema, frameSchemaErr = compiler.Compile(frameSchemaURL)
	})
	return frameSchema, frameSchemaErr
}

type frameEnvelope struct {
	JsonPatch []Operation `json:"JsonPatch"`
	Ready     bool        `json:"Ready"`
	Finished  bool        `json:"finished"`
}

// Decode parses one transport message. Empty payloads are heartbeats. Any
// other payload that is not a well-formed patch list or envelope yields an
// error matching ErrMalformedFrame; nothing is repaired or inferred.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{Kind: FrameHeartbeat}, nil
	}
	schema, err := compiledFrameSchema()
	if err != nil {
		return Frame{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return Frame{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return Frame{}, &DecodeError{Reason: "unexpected shape", Err: err}
	}

	if trimmed[0] == '[' {
		var ops []Operation
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return Frame{}, &DecodeError{Reason: "invalid patch list", Err: err}
		}
		return Frame{Kind: FramePatch, Ops: normalizeOps(ops)}, nil
	}

	var envelope frameEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return Frame{}, &DecodeError{Reason: "invalid envelope", Err: err}
	}
	switch {
	case envelope.Finished:
		return Frame{Kind: FrameFinished}, nil
	case envelope.Ready:
		return Frame{Kind: FrameReady}, nil
	default:
		return Frame{Kind: FramePatch, Ops: normalizeOps(envelope.JsonPatch)}, nil
	}
}

func normalizeOps(ops []Operation) []Operation {
	if ops == nil {
		return []Operation{}
	}
	for i := range ops {
		if len(ops[i].Value) == 0 && opCarriesValue(ops[i].Op) {
			ops[i].Value = json.RawMessage("null")
		}
	}
	return ops
}

func opCarriesValue(op string) bool {
	return op == "add" || op == "replace" || op == "test"
}
