package action

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// paramSchemas holds the JSON Schema for each recognized action's parameters,
// keyed by "TARGET/action_type". Schemas are strict: unknown parameters are
// rejected so a typo cannot silently widen an action's effect.
var paramSchemas = map[string]string{
	"EDR/isolate_host": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"},
			"ticket": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"EDR/release_host": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"},
			"ticket": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"EDR/kill_process": `{
		"type": "object",
		"properties": {
			"pid": {"type": "integer", "minimum": 1},
			"reason": {"type": "string"}
		},
		"required": ["pid"],
		"additionalProperties": false
	}`,
	"IDP/disable_user": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"},
			"ticket": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"IDP/enable_user": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"IDP/revoke_sessions": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"NETWORK/block_cidr": `{
		"type": "object",
		"properties": {
			"cidr": {"type": "string", "pattern": "^[0-9a-fA-F:.]+/[0-9]+$"},
			"reason": {"type": "string"}
		},
		"required": ["cidr"],
		"additionalProperties": false
	}`,
	"NETWORK/unblock_cidr": `{
		"type": "object",
		"properties": {
			"cidr": {"type": "string", "pattern": "^[0-9a-fA-F:.]+/[0-9]+$"},
			"reason": {"type": "string"}
		},
		"required": ["cidr"],
		"additionalProperties": false
	}`,
	"SIEM/run_query": `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"window_minutes": {"type": "integer", "minimum": 1, "maximum": 10080}
		},
		"required": ["query"],
		"additionalProperties": false
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, len(paramSchemas))
		for key, src := range paramSchemas {
			c := jsonschema.NewCompiler()
			url := "aegis://schemas/" + key + ".json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("schema %s: %w", key, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("schema %s: %w", key, err)
				return
			}
			compiled[key] = sch
		}
	})
	return compiled, compileErr
}

// SchemaKey returns the registry key for a target/action pair.
func SchemaKey(target TargetSystem, actionType string) string {
	return string(target) + "/" + actionType
}

// KnownAction reports whether the target/action pair has a registered schema.
func KnownAction(target TargetSystem, actionType string) bool {
	_, ok := paramSchemas[SchemaKey(target, actionType)]
	return ok
}

// validateParams checks the request's parameters against the registered
// schema. jsonschema validates decoded JSON values, so scalar params map
// directly.
func validateParams(req ActionRequest) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[SchemaKey(req.Target, req.ActionType)]
	if !ok {
		return fmt.Errorf("no schema for %s", SchemaKey(req.Target, req.ActionType))
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	// jsonschema expects the shapes produced by encoding/json. Integer
	// params arriving as Go ints are normalized to float64 first.
	norm := make(map[string]any, len(params))
	for k, v := range params {
		switch n := v.(type) {
		case int:
			norm[k] = float64(n)
		case int64:
			norm[k] = float64(n)
		default:
			norm[k] = v
		}
	}
	return sch.Validate(any(norm))
}
