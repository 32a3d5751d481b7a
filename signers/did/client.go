// Package did provides secp256k1 signing and verification for receipts,
// keyed by DID verification methods. The resolver here is in-memory; a
// production deployment plugs in a real DID resolution backend behind the
// same interface.
package did

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	subrav "github.com/subrav-foundation/subrav/go"
	"github.com/subrav-foundation/subrav/go/types"
)

// signatureLength is the R||S length of a secp256k1 signature without the
// recovery id.
const signatureLength = 64

// Signer signs receipts with a payer's secp256k1 sub-key. It lives on the
// payer side; the engine only needs it in tests and examples.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	did        string
	fragment   string
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key
// (with or without "0x" prefix) bound to did#fragment.
func NewSignerFromPrivateKey(didID, fragment, privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if didID == "" || fragment == "" {
		return nil, fmt.Errorf("did and fragment are required")
	}
	return &Signer{privateKey: privateKey, did: didID, fragment: fragment}, nil
}

// NewSigner generates a fresh key pair bound to did#fragment.
func NewSigner(didID, fragment string) (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if didID == "" || fragment == "" {
		return nil, fmt.Errorf("did and fragment are required")
	}
	return &Signer{privateKey: privateKey, did: didID, fragment: fragment}, nil
}

// DID returns the signer's DID.
func (s *Signer) DID() string { return s.did }

// Fragment returns the verification-method fragment.
func (s *Signer) Fragment() string { return s.fragment }

// KeyID returns the full "did#fragment" key id.
func (s *Signer) KeyID() string { return s.did + "#" + s.fragment }

// PublicKey returns the compressed secp256k1 public key.
func (s *Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.privateKey.PublicKey)
}

// Sign signs the canonical encoding of a receipt and returns the signed
// receipt. The signature is 64-byte R||S over keccak256 of the encoding.
func (s *Signer) Sign(rav *types.SubRAV) (*types.SignedSubRAV, error) {
	data, err := rav.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(crypto.Keccak256(data), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	return &types.SignedSubRAV{
		SubRAV:    *rav.Clone(),
		Signature: types.Signature(sig[:signatureLength]),
	}, nil
}

// KeyResolver is an in-memory DIDResolver mapping DIDs to verification
// method keys.
type KeyResolver struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

// NewKeyResolver creates an empty resolver.
func NewKeyResolver() *KeyResolver {
	return &KeyResolver{docs: make(map[string]map[string][]byte)}
}

// AddKey registers a compressed public key under did#fragment.
func (r *KeyResolver) AddKey(didID, fragment string, compressedPubKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docs[didID] == nil {
		r.docs[didID] = make(map[string][]byte)
	}
	key := make([]byte, len(compressedPubKey))
	copy(key, compressedPubKey)
	r.docs[didID][fragment] = key
}

// AddSigner registers a signer's public key, a convenience for tests.
func (r *KeyResolver) AddSigner(s *Signer) {
	r.AddKey(s.DID(), s.Fragment(), s.PublicKey())
}

// Resolve returns the document for a DID, or an error when unknown.
func (r *KeyResolver) Resolve(_ context.Context, didID string) (*subrav.DIDDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.docs[didID]
	if !ok {
		return nil, fmt.Errorf("unknown DID: %s", didID)
	}
	doc := &subrav.DIDDocument{
		ID:                  didID,
		VerificationMethods: make(map[string][]byte, len(methods)),
	}
	for fragment, key := range methods {
		copied := make([]byte, len(key))
		copy(copied, key)
		doc.VerificationMethods[fragment] = copied
	}
	return doc, nil
}

// VerifySignature checks the receipt signature against the document key
// named by the receipt's vmIdFragment. A missing key or malformed signature
// is an invalid signature, not an error.
func (r *KeyResolver) VerifySignature(_ context.Context, signed *types.SignedSubRAV, doc *subrav.DIDDocument) (bool, error) {
	if doc == nil {
		return false, fmt.Errorf("DID document is required")
	}
	pubKey, ok := doc.VerificationMethods[signed.SubRAV.VMIDFragment]
	if !ok {
		return false, nil
	}
	if len(signed.Signature) != signatureLength {
		return false, nil
	}
	data, err := signed.SubRAV.SigningBytes()
	if err != nil {
		return false, err
	}
	return crypto.VerifySignature(pubKey, crypto.Keccak256(data), signed.Signature), nil
}

var _ subrav.DIDResolver = (*KeyResolver)(nil)
