package subrav

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/subrav-foundation/subrav/go/types"
)

// DefaultPendingProposalTTL is how long an unsigned proposal waits for its
// signature before the cleanup sweep reaps it.
const DefaultPendingProposalTTL = 30 * time.Minute

// settlementBaseline is the point the next proposal advances from: the
// in-band signed receipt, else the latest persisted receipt, else the
// confirmed cursor.
type settlementBaseline struct {
	Nonce             *types.BigInt
	AccumulatedAmount *types.BigInt
	Epoch             *types.BigInt
}

// PipelineState is the mutable per-request state threaded through the
// pre-process, settle and persist phases.
type PipelineState struct {
	// Error is a protocol error recorded by an earlier phase. Settle turns
	// it into an error response header instead of settling.
	Error *PaymentError

	SignedSubRAVVerified bool
	PendingMatched       bool

	ChannelInfo  *types.ChannelInfo
	ChainID      *types.BigInt
	baseline     *settlementBaseline
	PricePicoUSD *big.Int

	// UnsignedSubRAV is the next proposal generated during settle, saved to
	// the pending store during persist.
	UnsignedSubRAV *types.SubRAV

	ServiceTxRef string
	Cost         *types.BigInt
	Response     *types.ResponsePayload
}

// BillingContext is the typed per-request context a protocol adapter hands
// to the processor. ChannelID and VMIDFragment identify the sub-channel when
// no signed receipt is present (e.g. from session auth); with a receipt they
// may be left empty.
type BillingContext struct {
	ServiceID    string
	Operation    string
	AssetID      string
	ChannelID    string
	VMIDFragment string

	MaxAmount    *types.BigInt
	ClientTxRef  string
	SignedSubRAV *types.SignedSubRAV
	Rule         Rule

	State PipelineState
}

func (bc *BillingContext) subChannel() (channelID, vmIDFragment string, ok bool) {
	if bc.SignedSubRAV != nil {
		rav := &bc.SignedSubRAV.SubRAV
		return rav.ChannelID, rav.VMIDFragment, true
	}
	if bc.ChannelID != "" && bc.VMIDFragment != "" {
		return bc.ChannelID, bc.VMIDFragment, true
	}
	return "", "", false
}

// PaymentProcessor drives the request-scoped billing pipeline. A protocol
// adapter calls PreProcess before the handler runs, Settle with the resolved
// usage units, then Persist. All I/O happens in PreProcess and Persist;
// Settle is synchronous.
type PaymentProcessor struct {
	payee      *PayeeClient
	pending    PendingSubRAVRepository
	rates      RateProvider
	logger     *log.Logger
	pendingTTL time.Duration
}

// ProcessorOption configures a PaymentProcessor.
type ProcessorOption func(*PaymentProcessor)

// WithRateProvider sets the asset rate provider used for asset-denominated
// settlement.
func WithRateProvider(rates RateProvider) ProcessorOption {
	return func(p *PaymentProcessor) { p.rates = rates }
}

// WithProcessorLogger sets the logger used for non-fatal pipeline warnings.
func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(p *PaymentProcessor) { p.logger = logger }
}

// WithPendingProposalTTL overrides the pending proposal time-to-live used by
// CleanupExpiredProposals.
func WithPendingProposalTTL(ttl time.Duration) ProcessorOption {
	return func(p *PaymentProcessor) { p.pendingTTL = ttl }
}

// NewPaymentProcessor creates a processor. The payee client and pending
// store are required.
func NewPaymentProcessor(payee *PayeeClient, pending PendingSubRAVRepository, opts ...ProcessorOption) (*PaymentProcessor, error) {
	if payee == nil {
		return nil, fmt.Errorf("payee client is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending proposal repository is required")
	}

	p := &PaymentProcessor{
		payee:      payee,
		pending:    pending,
		logger:     log.Default(),
		pendingTTL: DefaultPendingProposalTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PreProcess performs all per-request I/O: pending-proposal admission,
// signed receipt verification, baseline resolution and opportunistic rate
// pre-fetch. Protocol failures are recorded on bc.State.Error; an error
// return means an infrastructure failure.
func (p *PaymentProcessor) PreProcess(ctx context.Context, bc *BillingContext) error {
	channelID, fragment, haveSubChannel := bc.subChannel()
	if !haveSubChannel {
		// No channel context at all. Free routes proceed; paid routes fail
		// later in settle with MISSING_CHANNEL_CONTEXT.
		return nil
	}

	info, err := p.payee.GetChannelInfoCached(ctx, channelID, false)
	if err != nil {
		bc.State.Error = NewPaymentError(ErrCodeChannelNotFound,
			fmt.Sprintf("channel %s not found", channelID), nil)
		return nil
	}
	bc.State.ChannelInfo = info

	var (
		verification *VerificationResult
		sigValid     bool
	)
	if bc.SignedSubRAV != nil {
		verification, err = p.payee.VerifySubRAV(ctx, bc.SignedSubRAV)
		if err != nil {
			return err
		}
		sigValid = verification.Details.SignatureValid
	}

	pendingProposal, err := p.pending.FindLatestBySubChannel(ctx, channelID, fragment)
	if err != nil {
		return fmt.Errorf("failed to query pending proposals: %w", err)
	}
	latestSigned, err := p.payee.LatestRAV(ctx, channelID, fragment)
	if err != nil {
		return fmt.Errorf("failed to query latest receipt: %w", err)
	}
	cursor, err := p.payee.SubChannelCursor(ctx, channelID, fragment)
	if err != nil {
		return fmt.Errorf("failed to query sub-channel cursor: %w", err)
	}

	decision := Verify(VerifyParams{
		ChannelInfo:            info,
		SubChannelState:        cursor,
		SignedSubRAV:           bc.SignedSubRAV,
		SignatureValid:         sigValid,
		LatestPendingSubRAV:    pendingProposal,
		LatestSignedSubRAV:     latestSigned,
		BillingRequiresPayment: !bc.Rule.Free,
	})

	switch decision.Decision {
	case DecisionRequireSignature:
		bc.State.Error = NewPaymentError(ErrCodePaymentRequired, decision.Error, nil)
		return nil
	case DecisionConflict:
		code := ErrCodeSubRAVConflict
		if decision.Error == ReasonInvalidSignature {
			code = ErrCodeTamperedSubRAV
		}
		bc.State.Error = NewPaymentError(code, decision.Error, nil)
		return nil
	case DecisionChannelNotFound:
		bc.State.Error = NewPaymentError(ErrCodeChannelNotFound, decision.Error, nil)
		return nil
	}

	if bc.SignedSubRAV != nil {
		if !verification.IsValid {
			bc.State.SignedSubRAVVerified = false
			bc.State.Error = NewPaymentError(ErrCodeInvalidPayment, verification.Error, nil)
			return nil
		}
		bc.State.SignedSubRAVVerified = true
		bc.State.PendingMatched = decision.PendingMatched
	}

	// Resolve the settlement baseline the next proposal advances from.
	switch {
	case bc.SignedSubRAV != nil:
		rav := &bc.SignedSubRAV.SubRAV
		bc.State.baseline = &settlementBaseline{
			Nonce:             rav.Nonce.Clone(),
			AccumulatedAmount: rav.AccumulatedAmount.Clone(),
			Epoch:             rav.ChannelEpoch.Clone(),
		}
	case latestSigned != nil:
		rav := &latestSigned.SubRAV
		bc.State.baseline = &settlementBaseline{
			Nonce:             rav.Nonce.Clone(),
			AccumulatedAmount: rav.AccumulatedAmount.Clone(),
			Epoch:             rav.ChannelEpoch.Clone(),
		}
	case cursor != nil:
		bc.State.baseline = &settlementBaseline{
			Nonce:             cursor.Nonce.Clone(),
			AccumulatedAmount: cursor.AccumulatedAmount.Clone(),
			Epoch:             cursor.Epoch.Clone(),
		}
	default:
		// Brand new sub-channel: start from (0, 0) at the channel's epoch.
		bc.State.baseline = &settlementBaseline{
			Nonce:             types.NewBigInt(0),
			AccumulatedAmount: types.NewBigInt(0),
			Epoch:             info.Epoch.Clone(),
		}
	}
	if bc.ChannelID == "" {
		bc.ChannelID = channelID
	}
	if bc.VMIDFragment == "" {
		bc.VMIDFragment = fragment
	}

	chainID, err := p.payee.ChainID(ctx)
	if err != nil {
		return err
	}
	bc.State.ChainID = chainID

	// Opportunistic rate pre-fetch for asset-denominated settlement. A
	// failure here is not fatal yet; settle reports RATE_NOT_AVAILABLE if
	// the rate is still missing when it is needed.
	if bc.AssetID != "" && p.rates != nil {
		price, err := p.rates.GetPricePicoUSD(ctx, bc.AssetID)
		if err != nil {
			p.logger.Printf("subrav: warning: rate pre-fetch failed for asset %s: %v", bc.AssetID, err)
		} else {
			bc.State.PricePicoUSD = price
		}
	}

	return nil
}

// Settle computes the request cost and generates the next unsigned proposal.
// It performs no I/O: every input was pre-fetched by PreProcess. On any
// protocol failure it attaches an error response header and returns.
func (p *PaymentProcessor) Settle(bc *BillingContext, usageUnits int64) {
	if bc.State.Error != nil {
		p.attachErrorResponse(bc, bc.State.Error)
		return
	}

	if bc.ClientTxRef == "" {
		p.failSettle(bc, ErrCodeClientTxRefMissing, "clientTxRef is required")
		return
	}

	bc.State.ServiceTxRef = uuid.NewString()

	if bc.Rule.Free {
		// Free routes verify receipts but never emit a new proposal.
		bc.State.Cost = types.NewBigInt(0)
		bc.State.Response = &types.ResponsePayload{
			Version:      types.NewBigInt(types.HeaderVersion),
			ClientTxRef:  bc.ClientTxRef,
			ServiceTxRef: bc.State.ServiceTxRef,
		}
		return
	}

	if bc.Rule.Strategy == nil {
		p.failSettle(bc, ErrCodeBillingConfig, fmt.Sprintf("billing rule %q has no strategy", bc.Rule.ID))
		return
	}
	costPicoUSD := bc.Rule.Strategy.CostPicoUSD(usageUnits)
	if costPicoUSD == nil || costPicoUSD.Sign() < 0 {
		p.failSettle(bc, ErrCodeBillingConfig, fmt.Sprintf("billing rule %q produced an invalid cost", bc.Rule.ID))
		return
	}

	cost := new(big.Int).Set(costPicoUSD)
	if bc.AssetID != "" {
		// Missing rate is a hard error, never a silent default.
		if bc.State.PricePicoUSD == nil || bc.State.PricePicoUSD.Sign() <= 0 {
			p.failSettle(bc, ErrCodeRateNotAvailable, fmt.Sprintf("no exchange rate available for asset %s", bc.AssetID))
			return
		}
		cost = ceilDiv(costPicoUSD, bc.State.PricePicoUSD)
	}
	bc.State.Cost = types.NewBigIntFromBig(cost)

	if bc.MaxAmount != nil && bc.State.Cost.Cmp(bc.MaxAmount) > 0 {
		p.failSettle(bc, ErrCodeMaxAmountExceeded,
			fmt.Sprintf("cost %s exceeds maxAmount %s", bc.State.Cost, bc.MaxAmount))
		return
	}

	// Paid routes (zero-cost ones included) always advance the proposal
	// chain, which requires a baseline to advance from.
	if bc.State.baseline == nil || bc.State.ChainID == nil {
		p.failSettle(bc, ErrCodeMissingChannelContext,
			"no channel context available to settle against")
		return
	}

	baseline := bc.State.baseline
	bc.State.UnsignedSubRAV = &types.SubRAV{
		Version:           types.NewBigInt(types.SubRAVVersion),
		ChainID:           bc.State.ChainID.Clone(),
		ChannelID:         bc.ChannelID,
		ChannelEpoch:      baseline.Epoch.Clone(),
		VMIDFragment:      bc.VMIDFragment,
		AccumulatedAmount: baseline.AccumulatedAmount.Add(bc.State.Cost),
		Nonce:             baseline.Nonce.Add(types.NewBigInt(1)),
	}

	bc.State.Response = &types.ResponsePayload{
		Version:      types.NewBigInt(types.HeaderVersion),
		ClientTxRef:  bc.ClientTxRef,
		ServiceTxRef: bc.State.ServiceTxRef,
		SubRAV:       bc.State.UnsignedSubRAV.Clone(),
		Cost:         bc.State.Cost.Clone(),
	}
}

// Persist finalizes the pipeline: it confirms the in-band signed receipt
// (advancing the cursor and consuming its pending entry) and saves the newly
// generated proposal, pruning the immediately preceding pending entry to
// bound store growth. Cleanup failures are logged, not fatal.
func (p *PaymentProcessor) Persist(ctx context.Context, bc *BillingContext) error {
	if bc.State.Error != nil {
		return nil
	}

	if bc.SignedSubRAV != nil && bc.State.SignedSubRAVVerified {
		rav := &bc.SignedSubRAV.SubRAV
		if bc.State.PendingMatched {
			if err := p.pending.Remove(ctx, rav.ChannelID, rav.VMIDFragment, rav.Nonce); err != nil {
				p.logger.Printf("subrav: warning: failed to remove confirmed proposal %s:%s nonce %s: %v",
					rav.ChannelID, rav.VMIDFragment, rav.Nonce, err)
			}
		}
		if err := p.payee.ProcessSignedSubRAV(ctx, bc.SignedSubRAV); err != nil {
			return fmt.Errorf("failed to record signed receipt: %w", err)
		}
	}

	proposal := bc.State.UnsignedSubRAV
	if proposal == nil {
		return nil
	}
	if err := p.pending.Save(ctx, proposal); err != nil {
		return fmt.Errorf("failed to save pending proposal: %w", err)
	}

	if !proposal.Nonce.IsZero() {
		prevNonce := proposal.Nonce.Sub(types.NewBigInt(1))
		if err := p.pending.Remove(ctx, proposal.ChannelID, proposal.VMIDFragment, prevNonce); err != nil {
			p.logger.Printf("subrav: warning: failed to prune superseded proposal %s:%s nonce %s: %v",
				proposal.ChannelID, proposal.VMIDFragment, prevNonce, err)
		}
	}
	return nil
}

// ConfirmDeferredPayment confirms a previously issued proposal out of band:
// the signed payload must match the stored proposal field for field
// (signature aside), after which the pending entry is consumed and the
// receipt becomes the new confirmed baseline.
func (p *PaymentProcessor) ConfirmDeferredPayment(ctx context.Context, signed *types.SignedSubRAV) error {
	if signed == nil {
		return fmt.Errorf("signed receipt is required")
	}
	rav := &signed.SubRAV

	proposal, err := p.pending.Find(ctx, rav.ChannelID, rav.VMIDFragment, rav.Nonce)
	if err != nil {
		return fmt.Errorf("failed to look up pending proposal: %w", err)
	}
	if proposal == nil {
		return NewPaymentError(ErrCodeSubRAVConflict,
			fmt.Sprintf("no pending proposal for %s:%s nonce %s", rav.ChannelID, rav.VMIDFragment, rav.Nonce), nil)
	}
	if !rav.Equal(proposal) {
		return NewPaymentError(ErrCodeTamperedSubRAV,
			"signed payload does not match the issued proposal", nil)
	}

	result, err := p.payee.VerifySubRAV(ctx, signed)
	if err != nil {
		return err
	}
	if !result.IsValid {
		return NewPaymentError(ErrCodeInvalidPayment, result.Error, nil)
	}

	if err := p.pending.Remove(ctx, rav.ChannelID, rav.VMIDFragment, rav.Nonce); err != nil {
		p.logger.Printf("subrav: warning: failed to remove confirmed proposal %s:%s nonce %s: %v",
			rav.ChannelID, rav.VMIDFragment, rav.Nonce, err)
	}
	return p.payee.ProcessSignedSubRAV(ctx, signed)
}

// CleanupExpiredProposals reaps pending proposals older than the configured
// TTL and returns how many were removed.
func (p *PaymentProcessor) CleanupExpiredProposals(ctx context.Context) (int, error) {
	return p.pending.Cleanup(ctx, p.pendingTTL)
}

func (p *PaymentProcessor) failSettle(bc *BillingContext, code, message string) {
	bc.State.Error = NewPaymentError(code, message, nil)
	p.attachErrorResponse(bc, bc.State.Error)
}

func (p *PaymentProcessor) attachErrorResponse(bc *BillingContext, perr *PaymentError) {
	bc.State.Response = &types.ResponsePayload{
		Version:     types.NewBigInt(types.HeaderVersion),
		ClientTxRef: bc.ClientTxRef,
		Error:       &types.ErrorInfo{Code: perr.Code, Message: perr.Message},
	}
}

// ceilDiv returns ceil(a/b) for non-negative a and positive b.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
