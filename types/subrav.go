package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SubRAVVersion is the current version of the receipt format.
const SubRAVVersion = 1

// ChannelStatus is the lifecycle state of a payment channel.
type ChannelStatus string

const (
	ChannelStatusActive  ChannelStatus = "active"
	ChannelStatusClosing ChannelStatus = "closing"
	ChannelStatusClosed  ChannelStatus = "closed"
)

// ChannelInfo is the on-chain metadata for a payment channel. Epoch increments
// on channel-level resets (e.g. dispute recovery); receipts are only valid for
// the current epoch.
type ChannelInfo struct {
	ChannelID string        `json:"channelId"`
	PayerDID  string        `json:"payerDid"`
	PayeeDID  string        `json:"payeeDid"`
	Epoch     *BigInt       `json:"epoch"`
	Status    ChannelStatus `json:"status"`
	AssetID   string        `json:"assetId"`
}

// SubRAV is an unsigned sub-channel receipt recording the cumulative amount
// owed at a given nonce. Field order matters: SigningBytes relies on
// declaration order for a canonical encoding.
type SubRAV struct {
	Version           *BigInt `json:"version"`
	ChainID           *BigInt `json:"chainId"`
	ChannelID         string  `json:"channelId"`
	ChannelEpoch      *BigInt `json:"channelEpoch"`
	VMIDFragment      string  `json:"vmIdFragment"`
	AccumulatedAmount *BigInt `json:"accumulatedAmount"`
	Nonce             *BigInt `json:"nonce"`
}

// SigningBytes returns the canonical encoding signatures are computed over.
// encoding/json emits struct fields in declaration order, which makes the
// output deterministic for a given receipt.
func (r *SubRAV) SigningBytes() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt for signing: %w", err)
	}
	return data, nil
}

// IsHandshake reports whether the receipt is a handshake reset (nonce=0,
// accumulatedAmount=0), which (re)establishes a sub-channel's starting point.
func (r *SubRAV) IsHandshake() bool {
	return r.Nonce.IsZero() && r.AccumulatedAmount.IsZero()
}

// Equal reports field-for-field equality of two receipts.
func (r *SubRAV) Equal(other *SubRAV) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Version.Equal(other.Version) &&
		r.ChainID.Equal(other.ChainID) &&
		r.ChannelID == other.ChannelID &&
		r.ChannelEpoch.Equal(other.ChannelEpoch) &&
		r.VMIDFragment == other.VMIDFragment &&
		r.AccumulatedAmount.Equal(other.AccumulatedAmount) &&
		r.Nonce.Equal(other.Nonce)
}

// Clone returns an independent copy of the receipt.
func (r *SubRAV) Clone() *SubRAV {
	if r == nil {
		return nil
	}
	return &SubRAV{
		Version:           r.Version.Clone(),
		ChainID:           r.ChainID.Clone(),
		ChannelID:         r.ChannelID,
		ChannelEpoch:      r.ChannelEpoch.Clone(),
		VMIDFragment:      r.VMIDFragment,
		AccumulatedAmount: r.AccumulatedAmount.Clone(),
		Nonce:             r.Nonce.Clone(),
	}
}

// Validate performs basic structural validation on a receipt.
func (r *SubRAV) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channelId is required")
	}
	if r.VMIDFragment == "" {
		return fmt.Errorf("vmIdFragment is required")
	}
	if r.Version == nil || r.ChainID == nil || r.ChannelEpoch == nil ||
		r.AccumulatedAmount == nil || r.Nonce == nil {
		return fmt.Errorf("receipt has missing integer fields")
	}
	return nil
}

// Signature is a raw signature that marshals as a base64url string.
type Signature []byte

// MarshalJSON encodes the signature as unpadded base64url.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(s))
}

// UnmarshalJSON decodes an unpadded base64url string.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("signature must be a base64url string")
	}
	raw, err := base64.RawURLEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("invalid base64url signature: %w", err)
	}
	*s = raw
	return nil
}

// SignedSubRAV pairs a receipt with the payer's signature over its
// canonical encoding.
type SignedSubRAV struct {
	SubRAV    SubRAV    `json:"subRav"`
	Signature Signature `json:"signature"`
}

// SubChannelState is the payee's best-known confirmed cursor for one
// sub-channel. Nonce and accumulated amount only move forward, except across
// a handshake reset.
type SubChannelState struct {
	ChannelID         string    `json:"channelId"`
	VMIDFragment      string    `json:"vmIdFragment"`
	Epoch             *BigInt   `json:"epoch"`
	AccumulatedAmount *BigInt   `json:"accumulatedAmount"`
	Nonce             *BigInt   `json:"nonce"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// SubChannelKey builds the canonical "channelId:vmIdFragment" key used by
// caches, pending stores and the claim scheduler.
func SubChannelKey(channelID, vmIDFragment string) string {
	return channelID + ":" + vmIDFragment
}

// KeyIDFragment extracts the verification-method fragment from a full key id
// such as "did:example:payer#key-1". Returns an error when no fragment is
// present.
func KeyIDFragment(keyID string) (string, error) {
	idx := strings.LastIndexByte(keyID, '#')
	if idx < 0 || idx == len(keyID)-1 {
		return "", fmt.Errorf("key id %q has no fragment", keyID)
	}
	return keyID[idx+1:], nil
}
