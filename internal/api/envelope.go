package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnrecognizedShape is returned when a response body is neither a
// known envelope nor a bare object or array.
var ErrUnrecognizedShape = errors.New("api: unrecognized response shape")

// envelopeKeys are tried in order before falling back to the bare body.
var envelopeKeys = []string{"data", "resultData"}

// Unwrap returns the payload of a response body. Bodies shaped
// {"data": X} or {"resultData": X} yield X; any other object or array is
// its own payload. Empty bodies, null, scalars and envelopes that carry
// only null payloads are rejected.
func Unwrap(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnrecognizedShape)
	}

	switch body[0] {
	case '[':
		return json.RawMessage(body), nil
	case '{':
	default:
		return nil, fmt.Errorf("%w: top-level %s", ErrUnrecognizedShape, kind(body))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedShape, err)
	}

	sawEnvelope := false
	for _, key := range envelopeKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		sawEnvelope = true
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		if raw[0] != '{' && raw[0] != '[' {
			return nil, fmt.Errorf("%w: %s payload is %s", ErrUnrecognizedShape, key, kind(raw))
		}
		return raw, nil
	}
	if sawEnvelope {
		return nil, fmt.Errorf("%w: envelope without payload", ErrUnrecognizedShape)
	}

	return json.RawMessage(body), nil
}

// Decode unwraps body and unmarshals the payload into out.
func Decode(body []byte, out any) error {
	payload, err := Unwrap(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecognizedShape, err)
	}
	return nil
}

func kind(b []byte) string {
	switch {
	case bytes.Equal(b, []byte("null")):
		return "null"
	case b[0] == '"':
		return "string"
	case b[0] == 't' || b[0] == 'f':
		return "boolean"
	default:
		return "scalar"
	}
}
