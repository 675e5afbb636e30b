package services

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// Project evaluates a JSONPath expression against the JSON form of v.
// The root is whatever v marshals to, so for a record list "$[*].host" yields
// every host.
func Project(v any, path string) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode projection input: %w", err)
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode projection input: %w", err)
	}

	if path == "$" {
		return data, nil
	}

	result, err := jsonpath.Get(path, data)
	if err != nil {
		return nil, fmt.Errorf("jsonpath %q failed: %w", path, err)
	}
	return result, nil
}
