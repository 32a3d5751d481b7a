// Package http provides the HTTP binding for the payment channel protocol:
// header codec, request payload validation and a net/http middleware that
// drives the payment pipeline per request.
package http

import (
	"net/http"

	"github.com/subrav-foundation/subrav/go/types"
)

// PaymentHeader carries the base64url-encoded payment payload in both
// directions.
const PaymentHeader = "X-Payment-Channel-Data"

// EncodeRequestHeader encodes a request payload for the payment header.
func EncodeRequestHeader(payload *types.RequestPayload) (string, error) {
	return payload.EncodeToBase64String()
}

// DecodeRequestHeader decodes and validates a request payment header.
func DecodeRequestHeader(header string) (*types.RequestPayload, error) {
	return ValidateAndDecodeRequestHeader(header)
}

// EncodeResponseHeader encodes a response payload for the payment header.
func EncodeResponseHeader(payload *types.ResponsePayload) (string, error) {
	return payload.EncodeToBase64String()
}

// DecodeResponseHeader decodes a response payment header.
func DecodeResponseHeader(header string) (*types.ResponsePayload, error) {
	return types.DecodeResponsePayloadFromBase64(header)
}

// RequestPayloadFromHTTP extracts and decodes the payment payload from an
// incoming request. A missing header returns (nil, nil).
func RequestPayloadFromHTTP(r *http.Request) (*types.RequestPayload, error) {
	header := r.Header.Get(PaymentHeader)
	if header == "" {
		return nil, nil
	}
	return DecodeRequestHeader(header)
}
