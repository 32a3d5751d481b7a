package subrav

import (
	"context"
	"math/big"
	"time"

	"github.com/subrav-foundation/subrav/go/types"
)

// ContractClient is the blockchain contract boundary. Implementations submit
// transactions and query channel state; the engine never builds chain
// transactions itself.
type ContractClient interface {
	// GetChannelStatus fetches the current on-chain metadata for a channel.
	GetChannelStatus(ctx context.Context, channelID string) (*types.ChannelInfo, error)

	// ClaimFromChannel submits a signed receipt for settlement and returns
	// the transaction hash.
	ClaimFromChannel(ctx context.Context, signed *types.SignedSubRAV) (string, error)

	// CloseChannel initiates channel closure.
	CloseChannel(ctx context.Context, channelID string) (string, error)

	// GetChainID returns the chain id receipts must be bound to.
	GetChainID(ctx context.Context) (*types.BigInt, error)

	// GetAssetPrice returns the on-chain oracle price of one asset base unit
	// in pico-USD. Rate providers may wrap this or use an external feed.
	GetAssetPrice(ctx context.Context, assetID string) (*big.Int, error)
}

// DIDDocument is the resolved key material for a DID. Verification methods
// are keyed by fragment (the part after '#' in a key id).
type DIDDocument struct {
	ID                  string
	VerificationMethods map[string][]byte
}

// DIDResolver resolves DID documents and verifies receipt signatures against
// them. Signature verification is a suspension point: it must never be called
// from the pure verification engine.
type DIDResolver interface {
	Resolve(ctx context.Context, did string) (*DIDDocument, error)

	// VerifySignature checks signed.Signature over the canonical encoding of
	// signed.SubRAV using the document key named by SubRAV.VMIDFragment.
	VerifySignature(ctx context.Context, signed *types.SignedSubRAV, doc *DIDDocument) (bool, error)
}

// ChannelRepository persists channel metadata and sub-channel cursors.
type ChannelRepository interface {
	GetChannelMetadata(ctx context.Context, channelID string) (*types.ChannelInfo, error)
	SetChannelMetadata(ctx context.Context, info *types.ChannelInfo) error

	GetSubChannelState(ctx context.Context, channelID, vmIDFragment string) (*types.SubChannelState, error)
	UpdateSubChannelState(ctx context.Context, state *types.SubChannelState) error

	// ListChannelMetadata returns a page of channels matching the filter.
	ListChannelMetadata(ctx context.Context, filter ChannelFilter, offset, limit int) ([]*types.ChannelInfo, error)
}

// ChannelFilter narrows ListChannelMetadata results. Zero values match all.
type ChannelFilter struct {
	Status   types.ChannelStatus
	PayerDID string
}

// RAVRepository persists signed receipts and tracks which have been claimed.
type RAVRepository interface {
	Save(ctx context.Context, signed *types.SignedSubRAV) error

	// GetLatest returns the highest-nonce receipt for a sub-channel, nil when
	// none exists.
	GetLatest(ctx context.Context, channelID, vmIDFragment string) (*types.SignedSubRAV, error)

	// List returns a restartable iterator over all stored receipts.
	List(ctx context.Context) (RAVIterator, error)

	// GetUnclaimedRAVs returns, per sub-channel, the latest receipt whose
	// nonce has not yet been claimed.
	GetUnclaimedRAVs(ctx context.Context) (map[string]*types.SignedSubRAV, error)

	// GetLatestClaimed returns the most recently claimed receipt for a
	// sub-channel, nil when nothing was claimed yet.
	GetLatestClaimed(ctx context.Context, channelID, vmIDFragment string) (*types.SignedSubRAV, error)

	// MarkClaimed records that every receipt up to nonce has been settled
	// on-chain for the sub-channel.
	MarkClaimed(ctx context.Context, channelID, vmIDFragment string, nonce *types.BigInt) error
}

// RAVIterator walks stored receipts. Next returns nil when exhausted.
type RAVIterator interface {
	Next(ctx context.Context) (*types.SignedSubRAV, error)
	Close() error
}

// PendingSubRAVRepository stores unsigned proposals issued to payers and
// awaiting their signature, keyed by (channelId, vmIdFragment, nonce).
type PendingSubRAVRepository interface {
	Save(ctx context.Context, proposal *types.SubRAV) error
	Find(ctx context.Context, channelID, vmIDFragment string, nonce *types.BigInt) (*types.SubRAV, error)
	FindLatestBySubChannel(ctx context.Context, channelID, vmIDFragment string) (*types.SubRAV, error)
	Remove(ctx context.Context, channelID, vmIDFragment string, nonce *types.BigInt) error

	// Cleanup removes proposals older than maxAge and returns how many were
	// removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// RateProvider supplies asset prices for converting USD-denominated costs
// into asset base units.
type RateProvider interface {
	// GetPricePicoUSD returns the price of one asset base unit in pico-USD.
	GetPricePicoUSD(ctx context.Context, assetID string) (*big.Int, error)
	GetLastUpdated(ctx context.Context, assetID string) (time.Time, error)
}

// Strategy computes a request's cost in pico-USD from already-resolved usage
// units. Price computation is pluggable; only the conversion and settlement
// protocol are part of the engine.
type Strategy interface {
	CostPicoUSD(usageUnits int64) *big.Int
}

// Rule binds a billing strategy to a route or operation. Free rules verify
// receipts but never emit new proposals.
type Rule struct {
	ID       string
	Free     bool
	Strategy Strategy
}

// PerUnitStrategy charges a fixed pico-USD price per usage unit.
type PerUnitStrategy struct {
	PicoUSDPerUnit *big.Int
}

// CostPicoUSD multiplies usage units by the per-unit price.
func (s PerUnitStrategy) CostPicoUSD(usageUnits int64) *big.Int {
	if s.PicoUSDPerUnit == nil || usageUnits <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(s.PicoUSDPerUnit, big.NewInt(usageUnits))
}

// FixedStrategy charges a flat pico-USD price regardless of usage.
type FixedStrategy struct {
	PicoUSD *big.Int
}

// CostPicoUSD returns the flat price.
func (s FixedStrategy) CostPicoUSD(int64) *big.Int {
	if s.PicoUSD == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.PicoUSD)
}
