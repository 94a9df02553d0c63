package durable

import (
	"encoding/json"
	"fmt"
)

// fingerprint canonicalises an activity input for the determinism
// check. encoding/json sorts object keys, so the result is byte-stable
// for any JSON-compatible value: the string computed at schedule time
// equals the string recomputed from the same values on replay.
func fingerprint(args []any, kwargs map[string]any) (string, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	b, err := json.Marshal(map[string]any{"args": args, "kwargs": kwargs})
	if err != nil {
		return "", fmt.Errorf("fingerprint activity input: %w", err)
	}
	return string(b), nil
}
