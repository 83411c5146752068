package value

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dataflowrt/core/tenerr"
)

// Schema compiles a JSON Schema document once and exposes it as the
// runtime's schema-check predicate: the core never
// parses or validates JSON <-> value conversions itself beyond this
// predicate; full property-schema semantics are an external collaborator.
type Schema struct {
	compiled *jsonschema.Schema
}

// CompileSchema compiles doc (a decoded JSON Schema document, e.g. produced
// by json.Unmarshal into map[string]any) into a reusable Schema. A property
// key containing a literal '.' is rejected here: ParsePath has no escape
// syntax for it, so such a key could never be addressed once assigned.
func CompileSchema(name string, doc map[string]any) (*Schema, error) {
	for k := range flattenObjectKeys(doc) {
		if containsDot(k) {
			return nil, tenerr.SchemaViolationf("schema %s declares property key %q containing a literal '.': not supported without an escape syntax", name, k)
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, tenerr.Wrap(tenerr.SchemaViolation, err, "encoding schema %s", name)
	}
	compiler := jsonschema.NewCompiler()
	resource, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, tenerr.Wrap(tenerr.SchemaViolation, err, "decoding schema %s", name)
	}
	if err := compiler.AddResource(name, resource); err != nil {
		return nil, tenerr.Wrap(tenerr.SchemaViolation, err, "registering schema %s", name)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, tenerr.Wrap(tenerr.SchemaViolation, err, "compiling schema %s", name)
	}
	return &Schema{compiled: compiled}, nil
}

// Check validates v's JSON projection against the compiled schema. It is
// invoked only at two checkpoints: extension
// ingress (before a handler runs) and egress (before send_* accepts the
// message) -- never on every mutation.
func (s *Schema) Check(v Value) error {
	if s == nil {
		return nil
	}
	doc, err := ToJSON(v)
	if err != nil {
		return tenerr.Wrap(tenerr.SchemaViolation, err, "projecting value to json")
	}
	if err := s.compiled.Validate(doc); err != nil {
		return tenerr.Wrap(tenerr.SchemaViolation, err, "property bag failed schema validation")
	}
	return nil
}

func flattenObjectKeys(doc map[string]any) map[string]struct{} {
	out := map[string]struct{}{}
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, e := range t {
				out[k] = struct{}{}
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(doc)
	return out
}

func containsDot(key string) bool {
	for _, r := range key {
		if r == '.' {
			return true
		}
	}
	return false
}

