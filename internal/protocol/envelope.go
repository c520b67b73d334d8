// Package protocol defines the CueMesh wire envelope and the typed
// coordinator<->agent message catalog exchanged over it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEnvelope is returned by Decode when the frame is not a
// well-formed tagged record with a string type and a map payload.
var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

// Envelope is the tagged record every frame on the wire carries.
type Envelope struct {
	Type    string          `json:"type"`
	TsUnix  int64           `json:"ts_utc_ms"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals a typed payload into a stamped envelope frame. The
// sender's current wall clock is stamped into ts_utc_ms.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload for %s: %w", msgType, err)
	}
	env := Envelope{
		Type:    msgType,
		TsUnix:  time.Now().UnixMilli(),
		Payload: raw,
	}
	return json.Marshal(env)
}

// Decode parses a frame into its type, timestamp, and raw payload. The
// payload can subsequently be unmarshaled into the concrete struct for
// the returned type. Decode fails with ErrMalformedEnvelope if the frame
// is not a JSON object carrying a string "type" field and a "payload"
// field that is itself a JSON object (or absent, treated as `{}`).
func Decode(data []byte) (msgType string, tsUnixMs int64, payload json.RawMessage, err error) {
	var raw struct {
		Type    string          `json:"type"`
		TsUnix  *int64          `json:"ts_utc_ms"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", 0, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.Type == "" {
		return "", 0, nil, ErrMalformedEnvelope
	}
	if len(raw.Payload) == 0 {
		raw.Payload = json.RawMessage("{}")
	} else if !isJSONObject(raw.Payload) {
		return "", 0, nil, ErrMalformedEnvelope
	}
	if raw.TsUnix != nil {
		tsUnixMs = *raw.TsUnix
	}
	return raw.Type, tsUnixMs, raw.Payload, nil
}

// DecodeInto decodes the envelope and unmarshals its payload into out.
func DecodeInto(data []byte, out any) (msgType string, tsUnixMs int64, err error) {
	msgType, tsUnixMs, payload, err := Decode(data)
	if err != nil {
		return "", 0, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return msgType, tsUnixMs, nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
