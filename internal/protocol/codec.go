package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeError reports a message that could not be turned into an Envelope.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope failed: %s: %v", e.Message, e.Err)
	}
	return "decode envelope failed: " + e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func Encode(opType OperationType, operationID, agentID, plugin string, data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	env := Envelope{
		Operation:   opType,
		OperationID: operationID,
		AgentID:     agentID,
		Plugin:      plugin,
		Data:        data,
	}
	return EncodeEnvelope(env)
}

func EncodeEnvelope(env Envelope) (string, error) {
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope failed: %w", err)
	}
	return string(b), nil
}

func Decode(message string) (Envelope, error) {
	trimmed := bytes.TrimSpace([]byte(message))
	if len(trimmed) == 0 {
		return Envelope{}, &DecodeError{Message: "empty message"}
	}
	if trimmed[0] != '{' {
		return Envelope{}, &DecodeError{Message: "message is not a JSON object"}
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, &DecodeError{Message: "malformed JSON", Err: err}
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env, nil
}

type envelopeAlias Envelope

// UnmarshalJSON accepts data as an object, or as a list. A list under a
// refresh_response_uris message is a route table and is kept under
// data["data"]; any other list is the older bulk form carrying operation
// envelopes.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var wire struct {
		envelopeAlias
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*e = Envelope(wire.envelopeAlias)
	e.Data = nil

	raw := bytes.TrimSpace(wire.Data)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil
	case raw[0] != '[':
		return json.Unmarshal(raw, &e.Data)
	case e.Operation == RefreshResponseURIs:
		var items []any
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		e.Data = map[string]any{KeyData: items}
		return nil
	}

	var ops []Envelope
	if err := json.Unmarshal(raw, &ops); err != nil {
		return fmt.Errorf("data list: %w", err)
	}
	if len(e.Operations) == 0 {
		e.Operations = ops
	}
	e.Data = map[string]any{}
	return nil
}

// FromMap decodes an already parsed response body.
func FromMap(m map[string]any) (Envelope, error) {
	if len(m) == 0 {
		return Envelope{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, &DecodeError{Message: "response is not JSON-compatible", Err: err}
	}
	return Decode(string(b))
}
