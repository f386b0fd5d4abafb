package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func enum[T fmt.Stringer](values []T) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

func stringEnum[T ~string](values []T) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func levels() []security.Level {
	var out []security.Level
	for l := security.LevelNone; l.IsValid(); l++ {
		out = append(out, l)
	}
	return out
}

func states() []permission.State {
	var out []permission.State
	for s := permission.Denied; s.IsValid(); s++ {
		out = append(out, s)
	}
	return out
}

var (
	boolean    = map[string]interface{}{"type": "boolean"}
	str        = map[string]interface{}{"type": "string"}
	timestamp  = map[string]interface{}{"type": "string", "format": "date-time"}
	id32       = map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 4294967295}
	count      = map[string]interface{}{"type": "integer", "minimum": 0}
	stringList = map[string]interface{}{"type": "array", "items": str}
)

// DocumentSchema returns the JSON schema policy documents are checked
// against before their invariants.
func DocumentSchema() map[string]interface{} {
	condition := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"hours": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []interface{}{"start", "end"},
				"properties": map[string]interface{}{
					"start":         map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 23},
					"end":           map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 24},
					"weekdays_only": boolean,
					"timezone":      str,
				},
			},
			"path_prefixes": stringList,
		},
	}

	entry := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []interface{}{"id", "state"},
		"properties": map[string]interface{}{
			"id":             map[string]interface{}{"enum": enum(permission.All())},
			"state":          map[string]interface{}{"enum": enum(states())},
			"granted_at":     timestamp,
			"expiry":         timestamp,
			"reason":         str,
			"audit_required": boolean,
			"condition":      condition,
		},
	}

	limit := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []interface{}{"kind", "soft", "hard", "enforce"},
		"properties": map[string]interface{}{
			"kind":              map[string]interface{}{"enum": stringEnum(resources.Kinds())},
			"soft":              count,
			"hard":              count,
			"enforce":           boolean,
			"warn_on_approach":  boolean,
			"warning_threshold": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
			"strict":            boolean,
		},
	}

	namespaceKind := map[string]interface{}{"enum": stringEnum(security.NamespaceKinds())}

	mapping := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []interface{}{"kind", "host_start", "sandbox_start", "length"},
		"properties": map[string]interface{}{
			"kind":          namespaceKind,
			"host_start":    id32,
			"sandbox_start": id32,
			"length":        id32,
			"read_only":     boolean,
		},
	}

	filterAction := map[string]interface{}{
		"enum": []interface{}{"allow", "errno", "kill", "log", "trap"},
	}
	context := map[string]interface{}{
		"type":                 []interface{}{"object", "null"},
		"additionalProperties": false,
		"required":             []interface{}{"label", "level"},
		"properties": map[string]interface{}{
			"id":                str,
			"name":              str,
			"label":             map[string]interface{}{"type": "string", "pattern": "^[^:]*:[^:]*:[^:]*(:[^:]*)?$"},
			"level":             map[string]interface{}{"enum": enum(levels())},
			"capabilities":      stringList,
			"no_new_privileges": boolean,
			"syscall_filter": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []interface{}{"default_action"},
				"properties": map[string]interface{}{
					"default_action": filterAction,
					"deny_action":    filterAction,
					"allow":          stringList,
					"deny":           stringList,
				},
			},
		},
	}

	return map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                "sandboxd policy",
		"type":                 "object",
		"additionalProperties": false,
		"required": []interface{}{
			"version", "name", "type", "security_level",
			"permissions", "resource_limits", "namespace_mappings", "security_context",
		},
		"properties": map[string]interface{}{
			"version":                map[string]interface{}{"enum": []interface{}{DocumentVersion}},
			"id":                     str,
			"name":                   map[string]interface{}{"type": "string", "minLength": 1},
			"description":            str,
			"type":                   map[string]interface{}{"enum": stringEnum(SandboxTypes())},
			"security_level":         map[string]interface{}{"enum": enum(levels())},
			"default_deny":           boolean,
			"require_explicit_grant": boolean,
			"user_configurable":      boolean,
			"enterprise_managed":     boolean,
			"auto_stop":              boolean,
			"features": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]interface{}{
					"audit":                  boolean,
					"ai_anomaly_detection":   boolean,
					"quantum_crypto":         boolean,
					"homomorphic_encryption": boolean,
				},
			},
			"permissions":        map[string]interface{}{"type": "array", "items": entry},
			"resource_limits":    map[string]interface{}{"type": "array", "items": limit},
			"namespaces":         map[string]interface{}{"type": "array", "items": namespaceKind},
			"namespace_mappings": map[string]interface{}{"type": "array", "items": mapping},
			"security_context":   context,
		},
	}
}

func schema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(DocumentSchema()))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile policy schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// validateSchema checks a decoded document tree.
func validateSchema(tree interface{}) error {
	s, err := schema()
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(tree))
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%w: %s", errdefs.ErrPolicyRejected, strings.Join(problems, "; "))
	}
	return nil
}
