package did

import (
	"context"
	"testing"

	"github.com/subrav-foundation/subrav/go/types"
)

func signerRAV() *types.SubRAV {
	return &types.SubRAV{
		Version:           types.NewBigInt(types.SubRAVVersion),
		ChainID:           types.NewBigInt(4),
		ChannelID:         "0xchannel",
		ChannelEpoch:      types.NewBigInt(0),
		VMIDFragment:      "key-1",
		AccumulatedAmount: types.NewBigInt(1000),
		Nonce:             types.NewBigInt(4),
	}
}

func TestSignAndVerify(t *testing.T) {
	ctx := context.Background()

	signer, err := NewSigner("did:example:payer", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	resolver := NewKeyResolver()
	resolver.AddSigner(signer)

	signed, err := signer.Sign(signerRAV())
	if err != nil {
		t.Fatal(err)
	}
	if len(signed.Signature) != signatureLength {
		t.Fatalf("signature length = %d, want %d", len(signed.Signature), signatureLength)
	}

	doc, err := resolver.Resolve(ctx, "did:example:payer")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := resolver.VerifySignature(ctx, signed, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid signature rejected")
	}
}

func TestVerifyRejectsTamperedReceipt(t *testing.T) {
	ctx := context.Background()

	signer, err := NewSigner("did:example:payer", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	resolver := NewKeyResolver()
	resolver.AddSigner(signer)

	signed, err := signer.Sign(signerRAV())
	if err != nil {
		t.Fatal(err)
	}
	// Bump the amount after signing.
	signed.SubRAV.AccumulatedAmount = types.NewBigInt(9999)

	doc, _ := resolver.Resolve(ctx, "did:example:payer")
	ok, err := resolver.VerifySignature(ctx, signed, doc)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tampered receipt verified")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	ctx := context.Background()

	signer, _ := NewSigner("did:example:payer", "key-1")
	other, _ := NewSigner("did:example:payer", "key-1")

	resolver := NewKeyResolver()
	resolver.AddSigner(other) // registers a different key under the same fragment

	signed, err := signer.Sign(signerRAV())
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := resolver.Resolve(ctx, "did:example:payer")
	ok, err := resolver.VerifySignature(ctx, signed, doc)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("signature verified against the wrong key")
	}
}

func TestVerifyMissingFragment(t *testing.T) {
	ctx := context.Background()

	signer, _ := NewSigner("did:example:payer", "key-1")
	resolver := NewKeyResolver()
	resolver.AddKey("did:example:payer", "key-2", signer.PublicKey())

	signed, err := signer.Sign(signerRAV())
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := resolver.Resolve(ctx, "did:example:payer")
	ok, err := resolver.VerifySignature(ctx, signed, doc)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("verified with no key for the receipt's fragment")
	}
}

func TestResolveUnknownDID(t *testing.T) {
	resolver := NewKeyResolver()
	if _, err := resolver.Resolve(context.Background(), "did:example:nobody"); err == nil {
		t.Error("unknown DID resolved")
	}
}

func TestNewSignerFromPrivateKey(t *testing.T) {
	// Deterministic test key, usable with or without the 0x prefix.
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	a, err := NewSignerFromPrivateKey("did:example:payer", "key-1", keyHex)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSignerFromPrivateKey("did:example:payer", "key-1", "0x"+keyHex)
	if err != nil {
		t.Fatal(err)
	}
	if string(a.PublicKey()) != string(b.PublicKey()) {
		t.Error("0x prefix changed the derived key")
	}
	if a.KeyID() != "did:example:payer#key-1" {
		t.Errorf("KeyID = %s", a.KeyID())
	}

	if _, err := NewSignerFromPrivateKey("did:example:payer", "key-1", "zz"); err == nil {
		t.Error("invalid hex key accepted")
	}
	if _, err := NewSignerFromPrivateKey("", "key-1", keyHex); err == nil {
		t.Error("empty DID accepted")
	}
}
