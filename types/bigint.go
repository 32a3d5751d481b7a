package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// BigInt is a non-negative arbitrary-precision integer that marshals to and
// from decimal JSON strings. Amounts and nonces travel as strings on the wire
// because native JSON numbers lose precision beyond 2^53.
type BigInt struct {
	i big.Int
}

// NewBigInt creates a BigInt from an int64. Negative values are clamped to zero.
func NewBigInt(v int64) *BigInt {
	if v < 0 {
		v = 0
	}
	b := &BigInt{}
	b.i.SetInt64(v)
	return b
}

// NewBigIntFromBig copies src into a new BigInt.
func NewBigIntFromBig(src *big.Int) *BigInt {
	b := &BigInt{}
	if src != nil {
		b.i.Set(src)
	}
	return b
}

// ParseBigInt parses a decimal string into a BigInt.
func ParseBigInt(s string) (*BigInt, error) {
	b := &BigInt{}
	if err := b.setString(s); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BigInt) setString(s string) error {
	if s == "" {
		return fmt.Errorf("empty decimal string")
	}
	// Reject signs and whitespace up front so the encoding round-trips
	// byte-for-byte: String() never emits them.
	if s[0] == '+' || s[0] == '-' {
		return fmt.Errorf("invalid decimal string %q: value must be non-negative", s)
	}
	if _, ok := b.i.SetString(s, 10); !ok {
		return fmt.Errorf("invalid decimal string %q", s)
	}
	return nil
}

// Big returns a copy of the underlying big.Int.
func (b *BigInt) Big() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(&b.i)
}

func (b *BigInt) String() string {
	if b == nil {
		return "0"
	}
	return b.i.String()
}

// Cmp compares b and other, returning -1, 0 or +1. A nil BigInt compares as zero.
func (b *BigInt) Cmp(other *BigInt) int {
	var x, y big.Int
	if b != nil {
		x.Set(&b.i)
	}
	if other != nil {
		y.Set(&other.i)
	}
	return x.Cmp(&y)
}

// Equal reports whether b and other hold the same value.
func (b *BigInt) Equal(other *BigInt) bool {
	return b.Cmp(other) == 0
}

// IsZero reports whether the value is zero (nil counts as zero).
func (b *BigInt) IsZero() bool {
	return b == nil || b.i.Sign() == 0
}

// Add returns a new BigInt holding b+other.
func (b *BigInt) Add(other *BigInt) *BigInt {
	out := &BigInt{}
	out.i.Add(b.Big(), other.Big())
	return out
}

// Sub returns a new BigInt holding b-other, clamped at zero.
func (b *BigInt) Sub(other *BigInt) *BigInt {
	out := &BigInt{}
	out.i.Sub(b.Big(), other.Big())
	if out.i.Sign() < 0 {
		out.i.SetInt64(0)
	}
	return out
}

// Clone returns an independent copy of b.
func (b *BigInt) Clone() *BigInt {
	return NewBigIntFromBig(b.Big())
}

// Uint64 returns the value as uint64 if it fits, ok=false otherwise.
func (b *BigInt) Uint64() (uint64, bool) {
	if b == nil {
		return 0, true
	}
	if !b.i.IsUint64() {
		return 0, false
	}
	return b.i.Uint64(), true
}

// MarshalJSON encodes the value as a decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON decodes a decimal string. Native JSON numbers are rejected.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("integer fields must be decimal strings, got %s", string(data))
	}
	return b.setString(s)
}
