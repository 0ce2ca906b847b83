package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	decisionSchemaURL = "https://conductor.dev/schemas/decision.json"

	// DefaultSchemaCacheSize bounds how many distinct action input schemas
	// stay compiled.
	DefaultSchemaCacheSize = 128
)

// decisionSchema is the contract the planner's reply must satisfy.
//
//go:embed schemas/decision.json
var decisionSchema []byte

// JSONSchemaValidator validates documents against JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	decision *jsonschema.Schema
	cache    *lru.Cache[string, *jsonschema.Schema]
}

// NewJSONSchemaValidator compiles the planner decision schema and prepares
// the input schema cache.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	decision, err := compileSchema(decisionSchemaURL, decisionSchema)
	if err != nil {
		return nil, fmt.Errorf("decision schema: %w", err)
	}
	cache, err := lru.New[string, *jsonschema.Schema](DefaultSchemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &JSONSchemaValidator{decision: decision, cache: cache}, nil
}

// ValidateDecision checks a raw planner reply against the decision schema.
func (v *JSONSchemaValidator) ValidateDecision(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodePlanning, "planner reply is not valid JSON").WithCause(err)
	}
	return violations(v.decision.Validate(doc)).ToError(schema.ErrCodePlanning)
}

// ValidateInput checks action arguments against the action's input schema.
// A nil input is treated as an empty object.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		input = map[string]any{}
	}
	return v.ValidateDocument(input, inputSchema)
}

// ValidateDocument validates any JSON-compatible value. An empty schema
// accepts everything.
func (v *JSONSchemaValidator) ValidateDocument(value any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.compiled(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	b, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not JSON-encodable").WithCause(err)
	}
	// The validator wants json.Number, not float64.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not JSON-encodable").WithCause(err)
	}
	return violations(compiled.Validate(doc)).ToError(schema.ErrCodeValidation)
}

func (v *JSONSchemaValidator) compiled(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)
	if s, ok := v.cache.Get(key); ok {
		return s, nil
	}
	// Each schema gets its own compiler, so a fixed resource URL is fine.
	s, err := compileSchema("conductor://schema/input.json", schemaBytes)
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, s)
	return s, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

var english = message.NewPrinter(language.English)

// violations flattens a validation error tree into one issue per leaf,
// keyed by instance pointer and failing keyword.
func violations(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", "schema", err.Error())
		return result
	}

	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		keyword, msg := "schema", e.Error()
		if e.ErrorKind != nil {
			if kp := e.ErrorKind.KeywordPath(); len(kp) > 0 {
				keyword = kp[len(kp)-1]
			}
			msg = e.ErrorKind.LocalizedString(english)
		}
		result.AddError("/"+strings.Join(e.InstanceLocation, "/"), keyword, msg)
	}
	walk(verr)
	return result
}
