package http

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/subrav-foundation/subrav/go/types"
)

// base64url without padding, at least one character.
var base64urlRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// requestPayloadSchema validates the decoded request payload before it is
// unmarshalled. Integer fields are decimal strings on the wire; the schema
// enforces that so malformed clients fail with a clear message instead of a
// type error deep in the pipeline.
const requestPayloadSchema = `{
  "type": "object",
  "required": ["version", "clientTxRef"],
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+$"},
    "clientTxRef": {"type": "string", "minLength": 1},
    "maxAmount": {"type": "string", "pattern": "^[0-9]+$"},
    "signedSubRav": {
      "type": "object",
      "required": ["subRav", "signature"],
      "properties": {
        "signature": {"type": "string", "minLength": 1},
        "subRav": {
          "type": "object",
          "required": ["version", "chainId", "channelId", "channelEpoch", "vmIdFragment", "accumulatedAmount", "nonce"],
          "properties": {
            "version": {"type": "string", "pattern": "^[0-9]+$"},
            "chainId": {"type": "string", "pattern": "^[0-9]+$"},
            "channelId": {"type": "string", "minLength": 1},
            "channelEpoch": {"type": "string", "pattern": "^[0-9]+$"},
            "vmIdFragment": {"type": "string", "minLength": 1},
            "accumulatedAmount": {"type": "string", "pattern": "^[0-9]+$"},
            "nonce": {"type": "string", "pattern": "^[0-9]+$"}
          }
        }
      }
    }
  }
}`

var compiledRequestSchema = gojsonschema.NewStringLoader(requestPayloadSchema)

// ValidateAndDecodeRequestHeader validates and decodes a request payment
// header: base64url format, JSON structure, required fields and their
// decimal-string types.
func ValidateAndDecodeRequestHeader(header string) (*types.RequestPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if !base64urlRegex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64url")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64url decoding failed - %v", err)
	}

	result, err := gojsonschema.Validate(compiledRequestSchema, gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, fmt.Errorf("invalid payment header payload: %s", first.String())
	}

	payload, err := types.DecodeRequestPayloadFromBase64(header)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
