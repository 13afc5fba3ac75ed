package store

import (
	"fmt"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encodeJSONObject renders a map as a JSON object, never "null".
func encodeJSONObject(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

func decodeJSONObject(raw []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

func copyPayload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func cloneMessage(m schemas.AgentMessage) schemas.AgentMessage {
	m.Payload = copyPayload(m.Payload)
	m.ExpiresAt = copyTime(m.ExpiresAt)
	m.ProcessedAt = copyTime(m.ProcessedAt)
	return m
}

// statusArg converts an optional status into a nullable SQL argument.
func statusArg(s *schemas.MessageStatus) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}
