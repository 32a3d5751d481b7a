package types

import (
	"bytes"
	"encoding/json"
	"testing"
)

func testRAV() *SubRAV {
	return &SubRAV{
		Version:           NewBigInt(SubRAVVersion),
		ChainID:           NewBigInt(4),
		ChannelID:         "0xchannel",
		ChannelEpoch:      NewBigInt(0),
		VMIDFragment:      "key-1",
		AccumulatedAmount: NewBigInt(1000),
		Nonce:             NewBigInt(4),
	}
}

func TestSigningBytesDeterministic(t *testing.T) {
	a, err := testRAV().SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	b, err := testRAV().SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("encodings differ:\n%s\n%s", a, b)
	}
}

func TestSigningBytesFieldOrder(t *testing.T) {
	data, err := testRAV().SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"version":"1","chainId":"4","channelId":"0xchannel","channelEpoch":"0","vmIdFragment":"key-1","accumulatedAmount":"1000","nonce":"4"}`
	if string(data) != want {
		t.Errorf("canonical encoding changed:\ngot  %s\nwant %s", data, want)
	}
}

func TestSubRAVEqualAndClone(t *testing.T) {
	a := testRAV()
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone not equal to original")
	}
	b.Nonce = NewBigInt(5)
	if a.Equal(b) {
		t.Error("Equal missed a nonce difference")
	}
	if a.Nonce.String() != "4" {
		t.Error("mutating clone changed original")
	}
}

func TestIsHandshake(t *testing.T) {
	r := testRAV()
	if r.IsHandshake() {
		t.Error("nonce 4 receipt reported as handshake")
	}
	r.Nonce = NewBigInt(0)
	r.AccumulatedAmount = NewBigInt(0)
	if !r.IsHandshake() {
		t.Error("(0, 0) receipt not reported as handshake")
	}
}

func TestSubRAVValidate(t *testing.T) {
	r := testRAV()
	if err := r.Validate(); err != nil {
		t.Fatalf("valid receipt rejected: %v", err)
	}
	r.ChannelID = ""
	if err := r.Validate(); err == nil {
		t.Error("missing channelId accepted")
	}
	r = testRAV()
	r.Nonce = nil
	if err := r.Validate(); err == nil {
		t.Error("missing nonce accepted")
	}
}

func TestSignatureJSON(t *testing.T) {
	sig := Signature([]byte{0x01, 0x02, 0xff})
	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatal(err)
	}
	var back Signature
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sig, back) {
		t.Errorf("round trip changed signature: %x != %x", back, sig)
	}
	if err := json.Unmarshal([]byte(`"not base64url!!"`), &back); err == nil {
		t.Error("invalid base64url accepted")
	}
}

func TestKeyIDFragment(t *testing.T) {
	tests := []struct {
		keyID   string
		want    string
		wantErr bool
	}{
		{keyID: "did:example:payer#key-1", want: "key-1"},
		{keyID: "did:example:payer#a#b", want: "b"},
		{keyID: "did:example:payer", wantErr: true},
		{keyID: "did:example:payer#", wantErr: true},
	}
	for _, tt := range tests {
		got, err := KeyIDFragment(tt.keyID)
		if tt.wantErr {
			if err == nil {
				t.Errorf("KeyIDFragment(%q) succeeded, want error", tt.keyID)
			}
			continue
		}
		if err != nil {
			t.Errorf("KeyIDFragment(%q): %v", tt.keyID, err)
			continue
		}
		if got != tt.want {
			t.Errorf("KeyIDFragment(%q) = %q, want %q", tt.keyID, got, tt.want)
		}
	}
}

func TestSubChannelKey(t *testing.T) {
	if got := SubChannelKey("0xchannel", "key-1"); got != "0xchannel:key-1" {
		t.Errorf("SubChannelKey = %q", got)
	}
}
