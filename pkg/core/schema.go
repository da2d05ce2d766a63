package core

import (
	"fmt"
	"strings"

	"github.com/harun/memledger/pkg/gate"
	"github.com/harun/memledger/pkg/tiers"
	"github.com/xeipuuv/gojsonschema"
)

const (
	proposalIDPattern = `^gp-[A-Za-z0-9_-]{1,64}$`
	actorPattern      = `^[A-Za-z0-9][A-Za-z0-9._@:-]{0,127}$`
)

func nonEmpty() map[string]interface{} {
	return map[string]interface{}{"type": "string", "minLength": 1, "pattern": `\S`}
}

func stringArray(itemMin int) map[string]interface{} {
	return map[string]interface{}{
		"type":  "array",
		"items": map[string]interface{}{"type": "string", "minLength": itemMin},
	}
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func tierEnum() []interface{} {
	out := make([]interface{}, 0, len(tiers.AllTiers))
	for _, t := range tiers.AllTiers {
		out = append(out, string(t))
	}
	return out
}

func stateEnum() []interface{} {
	out := make([]interface{}, 0, len(gate.AllStates))
	for _, s := range gate.AllStates {
		out = append(out, string(s))
	}
	return out
}

func proposalID() map[string]interface{} {
	return map[string]interface{}{"type": "string", "pattern": proposalIDPattern}
}

// requestSchemas describes the JSON form of each request type by operation.
func requestSchemas() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		opCheckpointAppend: object([]string{"decision"}, map[string]interface{}{
			"run_id":    map[string]interface{}{"type": "string", "maxLength": 128},
			"scope":     map[string]interface{}{"type": "string"},
			"decision":  nonEmpty(),
			"next_step": map[string]interface{}{"type": "string"},
			"evidence":  stringArray(1),
		}),
		opStore: object([]string{"tier", "session_id", "text"}, map[string]interface{}{
			"tier":          map[string]interface{}{"type": "string", "enum": tierEnum()},
			"scope_id":      map[string]interface{}{"type": "string"},
			"session_id":    map[string]interface{}{"type": "string", "minLength": 1, "maxLength": 128},
			"text":          nonEmpty(),
			"redacted_text": map[string]interface{}{"type": "string"},
			"references":    stringArray(1),
			"weight": map[string]interface{}{
				"type": "object",
				"additionalProperties": map[string]interface{}{
					"type": []interface{}{"string", "number", "boolean", "null"},
				},
			},
			"pii_flags":     stringArray(1),
			"timestamp":     map[string]interface{}{"type": "string", "format": "date-time"},
			"gate_token":    map[string]interface{}{"type": "string"},
			"approved_hash": map[string]interface{}{"type": "string", "pattern": `^[0-9a-fA-F]{64}$`},
		}),
		opSearch: object([]string{"query"}, map[string]interface{}{
			"query":          nonEmpty(),
			"k":              map[string]interface{}{"type": "integer", "minimum": 0},
			"tiers":          map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string", "enum": tierEnum()}},
			"half_life_days": map[string]interface{}{"type": "number", "minimum": 0},
			"rerank":         map[string]interface{}{"type": "boolean"},
			"min_score":      map[string]interface{}{"type": "number", "minimum": 0},
		}),
		opPropose: object([]string{"text"}, map[string]interface{}{
			"text":          nonEmpty(),
			"references":    stringArray(1),
			"scope_id":      map[string]interface{}{"type": "string"},
			"rationale":     map[string]interface{}{"type": "string"},
			"redacted_text": map[string]interface{}{"type": "string"},
		}),
		opPatch: object([]string{"id", "redacted_text"}, map[string]interface{}{
			"id":            proposalID(),
			"redacted_text": nonEmpty(),
		}),
		opWithdraw: object([]string{"id"}, map[string]interface{}{
			"id": proposalID(),
		}),
		opApprove: object([]string{"id"}, map[string]interface{}{
			"id":           proposalID(),
			"run_id":       map[string]interface{}{"type": "string", "maxLength": 128},
			"evidence_ref": map[string]interface{}{"type": "string"},
		}),
		opReject: object([]string{"id", "code"}, map[string]interface{}{
			"id":     proposalID(),
			"code":   nonEmpty(),
			"reason": map[string]interface{}{"type": "string"},
		}),
		opList: object(nil, map[string]interface{}{
			"state":    map[string]interface{}{"type": "string", "enum": stateEnum()},
			"proposer": map[string]interface{}{"type": "string"},
			"limit":    map[string]interface{}{"type": "integer", "minimum": 0},
		}),
	}
}

// schemaSet holds the compiled request schemas.
type schemaSet struct {
	schemas map[string]*gojsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	set := &schemaSet{schemas: make(map[string]*gojsonschema.Schema)}
	for op, def := range requestSchemas() {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", op, err)
		}
		set.schemas[op] = schema
	}
	return set, nil
}

// validate checks req against the schema of op. Operations without a schema
// accept anything.
func (s *schemaSet) validate(op string, req interface{}) error {
	schema := s.schemas[op]
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(req))
	if err != nil {
		return err
	}
	if !result.Valid() {
		details := []string{}
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(details, "; "))
	}
	return nil
}
