// Package bus carries requests and replies over an AMQP headers exchange:
// naming, topology declaration and the binary-safe message envelopes.
package bus

import (
	"encoding/json"
	"fmt"
)

// RequestEnvelope is the wire form of a buffered HTTP request. The body is
// binary-safe: encoding/json base64s the byte slice. Forced is set only when
// the router honoured a client flavour pin.
type RequestEnvelope struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query"`
	Headers map[string]string `json:"headers"`
	Forced  bool              `json:"forced,omitempty"`
	Body    []byte            `json:"body"`
}

// Encode serialises the request envelope.
func (e RequestEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a request envelope off the wire.
func DecodeRequest(data []byte) (RequestEnvelope, error) {
	var e RequestEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return RequestEnvelope{}, fmt.Errorf("decode request envelope: %w", err)
	}
	return e, nil
}

// ReplyEnvelope is the wire form of the buffered response.
type ReplyEnvelope struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Encode serialises the reply envelope.
func (e ReplyEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode reply envelope: %w", err)
	}
	return data, nil
}

// DecodeReply parses a reply envelope off the wire.
func DecodeReply(data []byte) (ReplyEnvelope, error) {
	var e ReplyEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return ReplyEnvelope{}, fmt.Errorf("decode reply envelope: %w", err)
	}
	return e, nil
}

// ErrorReply builds the reply published when processing fails for good.
func ErrorReply(status int, message string) ReplyEnvelope {
	body, _ := json.Marshal(map[string]string{"error": message})
	return ReplyEnvelope{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}
