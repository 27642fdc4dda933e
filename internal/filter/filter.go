// Package filter projects stream payloads through JMESPath expressions.
package filter

import (
	"fmt"

	"kubepulse/internal/types"

	"github.com/goccy/go-json"
	"github.com/jmespath/go-jmespath"
)

// Filter is a compiled JMESPath expression.
type Filter struct {
	expr string
	jp   *jmespath.JMESPath
}

// Compile parses expression. A syntax error wraps types.ErrValidation.
func Compile(expression string) (*Filter, error) {
	jp, err := jmespath.Compile(expression)
	if err != nil {
		return nil, types.Err(types.ErrValidation, err, "invalid filter %q", expression)
	}
	return &Filter{expr: expression, jp: jp}, nil
}

func (f *Filter) String() string {
	return f.expr
}

// Apply evaluates the filter against v. v is first re-encoded as plain JSON so expressions address the json
// field names of typed payloads rather than Go field names.
func (f *Filter) Apply(v any) (any, error) {
	doc, err := toJSONValue(v)
	if err != nil {
		return nil, err
	}
	return EvalAny(f.jp, doc)
}

// EvalAny returns the raw value selected by the JMESPath expression.
// It will return nil and no error if the expression does not match anything.
// That is the same effect as having the expression evaluate to `null`.
func EvalAny(jp *jmespath.JMESPath, payload any) (any, error) {
	v, err := jp.Search(payload)
	if err != nil {
		return nil, fmt.Errorf("jmespath: %w", err)
	}
	return v, nil
}

func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
