package types

import (
	"strings"
	"testing"
)

func TestRequestPayloadRoundTrip(t *testing.T) {
	payload := &RequestPayload{
		Version:     NewBigInt(HeaderVersion),
		ClientTxRef: "client-ref-1",
		MaxAmount:   NewBigInt(5000),
		SignedSubRAV: &SignedSubRAV{
			SubRAV:    *testRAV(),
			Signature: Signature([]byte("sig-bytes")),
		},
	}

	encoded, err := payload.EncodeToBase64String()
	if err != nil {
		t.Fatal(err)
	}
	// Unpadded base64url only.
	if strings.ContainsAny(encoded, "=+/") {
		t.Errorf("encoding contains padding or standard-alphabet characters: %s", encoded)
	}

	back, err := DecodeRequestPayloadFromBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if back.ClientTxRef != payload.ClientTxRef {
		t.Errorf("clientTxRef = %q", back.ClientTxRef)
	}
	if !back.MaxAmount.Equal(payload.MaxAmount) {
		t.Errorf("maxAmount = %s", back.MaxAmount)
	}
	if back.SignedSubRAV == nil || !back.SignedSubRAV.SubRAV.Equal(&payload.SignedSubRAV.SubRAV) {
		t.Error("signed receipt did not survive the round trip")
	}

	reencoded, err := back.EncodeToBase64String()
	if err != nil {
		t.Fatal(err)
	}
	if reencoded != encoded {
		t.Errorf("re-encoding is not byte identical:\n%s\n%s", encoded, reencoded)
	}
}

func TestRequestPayloadOptionalFieldsOmitted(t *testing.T) {
	payload := &RequestPayload{
		Version:     NewBigInt(HeaderVersion),
		ClientTxRef: "client-ref-2",
	}
	encoded, err := payload.EncodeToBase64String()
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeRequestPayloadFromBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if back.MaxAmount != nil || back.SignedSubRAV != nil {
		t.Error("absent optional fields decoded as non-nil")
	}
}

func TestResponsePayloadRoundTrip(t *testing.T) {
	payload := &ResponsePayload{
		Version:      NewBigInt(HeaderVersion),
		ClientTxRef:  "client-ref-3",
		ServiceTxRef: "service-ref-3",
		SubRAV:       testRAV(),
		Cost:         NewBigInt(300),
	}
	encoded, err := payload.EncodeToBase64String()
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeResponsePayloadFromBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if back.ServiceTxRef != payload.ServiceTxRef || !back.Cost.Equal(payload.Cost) {
		t.Errorf("decoded payload mismatch: %+v", back)
	}
	if back.Error != nil {
		t.Error("success payload decoded with an error")
	}
}

func TestResponsePayloadError(t *testing.T) {
	payload := &ResponsePayload{
		Version:     NewBigInt(HeaderVersion),
		ClientTxRef: "client-ref-4",
		Error:       &ErrorInfo{Code: "PAYMENT_REQUIRED", Message: "signature required"},
	}
	encoded, err := payload.EncodeToBase64String()
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeResponsePayloadFromBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if back.Error == nil || back.Error.Code != "PAYMENT_REQUIRED" {
		t.Errorf("error info lost: %+v", back.Error)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeRequestPayloadFromBase64("not base64url!!"); err == nil {
		t.Error("invalid base64url accepted")
	}
	// Valid base64url but not JSON.
	if _, err := DecodeRequestPayloadFromBase64("bm90LWpzb24"); err == nil {
		t.Error("non-JSON payload accepted")
	}
}
