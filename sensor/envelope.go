package sensor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the optional {success, data} wrapper some endpoints return
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// decodePayload validates body as JSON and unwraps the envelope when
// success is true and data is present. Any other shape is returned as-is.
func decodePayload(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrDecode)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrDecode)
	}
	if trimmed[0] != '{' {
		return json.RawMessage(trimmed), nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		// a success field of the wrong type is just a bare payload
		return json.RawMessage(trimmed), nil
	}
	if env.Success != nil && *env.Success && isPresent(env.Data) {
		return env.Data, nil
	}
	return json.RawMessage(trimmed), nil
}

// isPresent reports whether a raw JSON value is set to something truthy
func isPresent(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}
