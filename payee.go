package subrav

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/subrav-foundation/subrav/go/types"
)

// DefaultChannelCacheTTL is how long fetched channel metadata stays fresh.
const DefaultChannelCacheTTL = 5 * time.Minute

// VerificationDetails itemizes the checks behind a verification outcome.
type VerificationDetails struct {
	SignatureValid   bool `json:"signatureValid"`
	ChannelExists    bool `json:"channelExists"`
	EpochMatches     bool `json:"epochMatches"`
	NonceProgression bool `json:"nonceProgression"`
	AmountValid      bool `json:"amountValid"`
}

// VerificationResult is the outcome of checking a signed receipt against
// channel and cursor state. Failures are values, never errors: an error
// return from VerifySubRAV means an I/O failure, not a bad receipt.
type VerificationResult struct {
	IsValid bool                `json:"isValid"`
	Details VerificationDetails `json:"details"`
	Error   string              `json:"error,omitempty"`
}

// ClaimResult reports a successful on-chain claim.
type ClaimResult struct {
	TxHash string `json:"txHash"`
}

type channelCacheEntry struct {
	info    *types.ChannelInfo
	fetched time.Time
}

// PayeeClient orchestrates chain queries, receipt verification, receipt
// generation and claim submission for the payee side of payment channels.
// It owns the authoritative in-memory view of channel metadata, backed by
// the injected repositories for durability.
type PayeeClient struct {
	contract ContractClient
	resolver DIDResolver
	channels ChannelRepository
	ravs     RAVRepository

	logger   *log.Logger
	cacheTTL time.Duration

	mu           sync.RWMutex
	channelCache map[string]channelCacheEntry
	chainID      *types.BigInt
}

// PayeeOption configures a PayeeClient.
type PayeeOption func(*PayeeClient)

// WithLogger sets the logger used for operational warnings.
func WithLogger(logger *log.Logger) PayeeOption {
	return func(c *PayeeClient) { c.logger = logger }
}

// WithChannelCacheTTL overrides the channel metadata cache TTL.
func WithChannelCacheTTL(ttl time.Duration) PayeeOption {
	return func(c *PayeeClient) { c.cacheTTL = ttl }
}

// NewPayeeClient creates a payee client. All four collaborators are required;
// a missing one is a configuration error reported at construction time.
func NewPayeeClient(
	contract ContractClient,
	resolver DIDResolver,
	channels ChannelRepository,
	ravs RAVRepository,
	opts ...PayeeOption,
) (*PayeeClient, error) {
	if contract == nil {
		return nil, fmt.Errorf("contract client is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("DID resolver is required")
	}
	if channels == nil {
		return nil, fmt.Errorf("channel repository is required")
	}
	if ravs == nil {
		return nil, fmt.Errorf("RAV repository is required")
	}

	c := &PayeeClient{
		contract:     contract,
		resolver:     resolver,
		channels:     channels,
		ravs:         ravs,
		logger:       log.Default(),
		cacheTTL:     DefaultChannelCacheTTL,
		channelCache: make(map[string]channelCacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetChannelInfoCached returns channel metadata through a read-through cache.
// When the chain call fails and a previously cached value exists, the stale
// value is returned instead of failing the caller.
func (c *PayeeClient) GetChannelInfoCached(ctx context.Context, channelID string, forceRefresh bool) (*types.ChannelInfo, error) {
	if !forceRefresh {
		c.mu.RLock()
		entry, ok := c.channelCache[channelID]
		c.mu.RUnlock()
		if ok && time.Since(entry.fetched) < c.cacheTTL {
			return entry.info, nil
		}
	}

	info, err := c.contract.GetChannelStatus(ctx, channelID)
	if err != nil {
		c.mu.RLock()
		entry, ok := c.channelCache[channelID]
		c.mu.RUnlock()
		if ok {
			c.logger.Printf("subrav: warning: chain status query failed for channel %s, using cached metadata: %v", channelID, err)
			return entry.info, nil
		}
		if stored, repoErr := c.channels.GetChannelMetadata(ctx, channelID); repoErr == nil && stored != nil {
			c.logger.Printf("subrav: warning: chain status query failed for channel %s, using stored metadata: %v", channelID, err)
			return stored, nil
		}
		return nil, fmt.Errorf("failed to fetch channel status for %s: %w", channelID, err)
	}

	c.mu.Lock()
	c.channelCache[channelID] = channelCacheEntry{info: info, fetched: time.Now()}
	c.mu.Unlock()

	if err := c.channels.SetChannelMetadata(ctx, info); err != nil {
		c.logger.Printf("subrav: warning: failed to persist channel metadata for %s: %v", channelID, err)
	}
	return info, nil
}

// getChainID fetches and memoizes the chain id.
func (c *PayeeClient) getChainID(ctx context.Context) (*types.BigInt, error) {
	c.mu.RLock()
	cached := c.chainID
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	chainID, err := c.contract.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	c.mu.Lock()
	c.chainID = chainID
	c.mu.Unlock()
	return chainID, nil
}

// loadCursor returns the stored cursor for a sub-channel, or a fresh one at
// (nonce=0, amount=0, epoch=channel epoch) when none exists. The lazy cursor
// is not persisted: cursors only advance once a signature is verified.
func (c *PayeeClient) loadCursor(ctx context.Context, info *types.ChannelInfo, vmIDFragment string) (*types.SubChannelState, bool, error) {
	state, err := c.channels.GetSubChannelState(ctx, info.ChannelID, vmIDFragment)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load sub-channel state: %w", err)
	}
	if state != nil {
		return state, true, nil
	}
	return &types.SubChannelState{
		ChannelID:         info.ChannelID,
		VMIDFragment:      vmIDFragment,
		Epoch:             info.Epoch.Clone(),
		AccumulatedAmount: types.NewBigInt(0),
		Nonce:             types.NewBigInt(0),
	}, false, nil
}

// GenerateSubRAV builds the next unsigned receipt for a sub-channel,
// advancing nonce and accumulated amount from the confirmed cursor. The
// stored cursor is not mutated; it only moves once the payer's signature
// comes back and is verified.
func (c *PayeeClient) GenerateSubRAV(ctx context.Context, channelID, payerKeyID string, amount *big.Int) (*types.SubRAV, error) {
	fragment, err := types.KeyIDFragment(payerKeyID)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, err.Error(), nil)
	}

	info, err := c.GetChannelInfoCached(ctx, channelID, false)
	if err != nil {
		return nil, err
	}

	cursor, _, err := c.loadCursor(ctx, info, fragment)
	if err != nil {
		return nil, err
	}
	if !cursor.Epoch.Equal(info.Epoch) {
		return nil, NewPaymentError(ErrCodeEpochMismatch,
			fmt.Sprintf("sub-channel epoch %s does not match channel epoch %s", cursor.Epoch, info.Epoch), nil)
	}

	chainID, err := c.getChainID(ctx)
	if err != nil {
		return nil, err
	}

	delta := types.NewBigIntFromBig(amount)
	return &types.SubRAV{
		Version:           types.NewBigInt(types.SubRAVVersion),
		ChainID:           chainID.Clone(),
		ChannelID:         channelID,
		ChannelEpoch:      info.Epoch.Clone(),
		VMIDFragment:      fragment,
		AccumulatedAmount: cursor.AccumulatedAmount.Add(delta),
		Nonce:             cursor.Nonce.Add(types.NewBigInt(1)),
	}, nil
}

// VerifySubRAV checks a signed receipt's signature, channel, epoch and
// nonce/amount progression. Invalid receipts come back as IsValid=false;
// an error return means an I/O failure talking to a collaborator.
func (c *PayeeClient) VerifySubRAV(ctx context.Context, signed *types.SignedSubRAV) (*VerificationResult, error) {
	if signed == nil {
		return nil, fmt.Errorf("signed receipt is required")
	}
	if err := signed.SubRAV.Validate(); err != nil {
		return &VerificationResult{Error: err.Error()}, nil
	}

	result := &VerificationResult{}
	rav := &signed.SubRAV

	info, err := c.GetChannelInfoCached(ctx, rav.ChannelID, false)
	if err != nil {
		result.Error = fmt.Sprintf("channel not found: %s", rav.ChannelID)
		return result, nil
	}
	result.Details.ChannelExists = true

	doc, err := c.resolver.Resolve(ctx, info.PayerDID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payer DID %s: %w", info.PayerDID, err)
	}
	ok, err := c.resolver.VerifySignature(ctx, signed, doc)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	result.Details.SignatureValid = ok
	if !ok {
		result.Error = ReasonInvalidSignature
		return result, nil
	}

	result.Details.EpochMatches = rav.ChannelEpoch.Equal(info.Epoch)
	if !result.Details.EpochMatches {
		result.Error = fmt.Sprintf("receipt epoch %s does not match channel epoch %s", rav.ChannelEpoch, info.Epoch)
		return result, nil
	}

	cursor, stored, err := c.loadCursor(ctx, info, rav.VMIDFragment)
	if err != nil {
		return nil, err
	}

	if !stored {
		// First-ever receipt for this sub-channel: only a handshake (0, 0)
		// or a first payment (nonce=1, amount>0) is acceptable. This branch
		// is deliberately separate from the stored-cursor progression rule.
		handshake := rav.IsHandshake()
		firstPayment := rav.Nonce.Equal(types.NewBigInt(1)) && !rav.AccumulatedAmount.IsZero()
		result.Details.NonceProgression = handshake || firstPayment
		result.Details.AmountValid = handshake || firstPayment
		if !result.Details.NonceProgression {
			result.Error = ReasonNonceInvalid
			return result, nil
		}
	} else {
		nonceOK, amountOK := ProgressionValid(
			cursor.Nonce, cursor.AccumulatedAmount, cursor.Epoch,
			rav.Nonce, rav.AccumulatedAmount, rav.ChannelEpoch,
		)
		result.Details.NonceProgression = nonceOK
		result.Details.AmountValid = amountOK
		if !nonceOK {
			result.Error = ReasonNonceInvalid
			return result, nil
		}
		if !amountOK {
			result.Error = ReasonAmountInvalid
			return result, nil
		}
	}

	result.IsValid = true
	return result, nil
}

// ProcessSignedSubRAV re-verifies a signed receipt, advances the local
// cursor to the receipt's (epoch, amount, nonce) and persists the receipt.
// Re-processing the exact same receipt is a no-op.
func (c *PayeeClient) ProcessSignedSubRAV(ctx context.Context, signed *types.SignedSubRAV) error {
	result, err := c.VerifySubRAV(ctx, signed)
	if err != nil {
		return err
	}
	if !result.IsValid {
		return NewPaymentError(ErrCodeInvalidPayment, result.Error, nil)
	}

	rav := &signed.SubRAV
	cursor, stored, err := c.channelsCursor(ctx, rav)
	if err != nil {
		return err
	}
	if stored && cursor.Nonce.Equal(rav.Nonce) && cursor.AccumulatedAmount.Equal(rav.AccumulatedAmount) && !rav.IsHandshake() {
		// Duplicate delivery of the confirmed receipt.
		return nil
	}

	next := &types.SubChannelState{
		ChannelID:         rav.ChannelID,
		VMIDFragment:      rav.VMIDFragment,
		Epoch:             rav.ChannelEpoch.Clone(),
		AccumulatedAmount: rav.AccumulatedAmount.Clone(),
		Nonce:             rav.Nonce.Clone(),
		LastUpdated:       time.Now(),
	}
	if err := c.channels.UpdateSubChannelState(ctx, next); err != nil {
		return fmt.Errorf("failed to advance sub-channel cursor: %w", err)
	}

	if err := c.ravs.Save(ctx, signed); err != nil {
		return fmt.Errorf("failed to persist signed receipt: %w", err)
	}
	return nil
}

func (c *PayeeClient) channelsCursor(ctx context.Context, rav *types.SubRAV) (*types.SubChannelState, bool, error) {
	state, err := c.channels.GetSubChannelState(ctx, rav.ChannelID, rav.VMIDFragment)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load sub-channel state: %w", err)
	}
	if state == nil {
		return nil, false, nil
	}
	return state, true, nil
}

// LatestRAV returns the newest persisted signed receipt for a sub-channel,
// nil when none exists.
func (c *PayeeClient) LatestRAV(ctx context.Context, channelID, vmIDFragment string) (*types.SignedSubRAV, error) {
	return c.ravs.GetLatest(ctx, channelID, vmIDFragment)
}

// SubChannelCursor returns the stored confirmed cursor for a sub-channel,
// nil when the sub-channel has never been confirmed.
func (c *PayeeClient) SubChannelCursor(ctx context.Context, channelID, vmIDFragment string) (*types.SubChannelState, error) {
	return c.channels.GetSubChannelState(ctx, channelID, vmIDFragment)
}

// ChainID returns the memoized chain id, fetching it on first use.
func (c *PayeeClient) ChainID(ctx context.Context) (*types.BigInt, error) {
	return c.getChainID(ctx)
}

// ClaimFromChannel submits a signed receipt to the contract for settlement,
// then records the claim locally so cursor state stays consistent with the
// chain.
func (c *PayeeClient) ClaimFromChannel(ctx context.Context, signed *types.SignedSubRAV, validate bool) (*ClaimResult, error) {
	if validate {
		result, err := c.VerifySubRAV(ctx, signed)
		if err != nil {
			return nil, err
		}
		if !result.IsValid {
			return nil, NewPaymentError(ErrCodeInvalidPayment, result.Error, nil)
		}
	}

	txHash, err := c.contract.ClaimFromChannel(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("claim submission failed: %w", err)
	}

	if err := c.ProcessSignedSubRAV(ctx, signed); err != nil {
		c.logger.Printf("subrav: warning: claim %s succeeded but local state update failed: %v", txHash, err)
	}
	return &ClaimResult{TxHash: txHash}, nil
}
