package clients

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jmespath/go-jmespath"
)

// EvalAny returns the raw value selected by the JMESPath expression from a decoded JSON document.
// It returns nil and no error if the expression does not match anything.
func EvalAny(expression string, payload any) (any, error) {
	v, err := jmespath.Search(expression, payload)
	if err != nil {
		return nil, fmt.Errorf("jmespath %q: %w", expression, err)
	}
	return v, nil
}

// EvalString coerces the selection to string; non-strings are JSON-encoded. An empty match gives "".
func EvalString(expression string, payload any) (string, error) {
	v, err := EvalAny(expression, payload)
	if err != nil || v == nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
