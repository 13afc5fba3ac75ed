package cmd

import (
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/countygis/agentcore/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// parsePayload decodes a --payload flag. An empty flag yields an empty object.
func parsePayload(raw string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return out, nil
}

func parsePriorityFlag(raw string) (schemas.Priority, error) {
	p, err := schemas.ParsePriority(raw)
	if err != nil {
		return p, fmt.Errorf("--priority: %w", err)
	}
	return p, nil
}
