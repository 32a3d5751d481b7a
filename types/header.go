package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// HeaderVersion is the current version of the payment header payloads.
const HeaderVersion = 1

// RequestPayload is the structure carried in the request payment header.
// It is JSON encoded and then base64url encoded; every integer field is a
// decimal string on the wire.
type RequestPayload struct {
	Version      *BigInt       `json:"version"`
	ClientTxRef  string        `json:"clientTxRef"`
	MaxAmount    *BigInt       `json:"maxAmount,omitempty"`
	SignedSubRAV *SignedSubRAV `json:"signedSubRav,omitempty"`
}

// ErrorInfo is a structured protocol error embedded in a response header.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsePayload is the structure carried in the response payment header.
// On success it carries the next unsigned receipt proposal and the cost of
// the request; on failure it carries a structured error instead.
type ResponsePayload struct {
	Version      *BigInt    `json:"version"`
	ClientTxRef  string     `json:"clientTxRef"`
	ServiceTxRef string     `json:"serviceTxRef,omitempty"`
	SubRAV       *SubRAV    `json:"subRav,omitempty"`
	Cost         *BigInt    `json:"cost,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// EncodeToBase64String encodes the request payload for the payment header.
func (p *RequestPayload) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode request payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(jsonBytes), nil
}

// DecodeRequestPayloadFromBase64 decodes a base64url encoded request payload.
func DecodeRequestPayloadFromBase64(encoded string) (*RequestPayload, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64url string: %w", err)
	}

	var payload RequestPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request payload: %w", err)
	}
	return &payload, nil
}

// EncodeToBase64String encodes the response payload for the payment header.
func (p *ResponsePayload) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode response payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(jsonBytes), nil
}

// DecodeResponsePayloadFromBase64 decodes a base64url encoded response payload.
func DecodeResponsePayloadFromBase64(encoded string) (*ResponsePayload, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64url string: %w", err)
	}

	var payload ResponsePayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response payload: %w", err)
	}
	return &payload, nil
}
