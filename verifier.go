package subrav

import (
	"fmt"

	"github.com/subrav-foundation/subrav/go/types"
)

// Decision is the admission decision for a candidate request.
type Decision int

const (
	// DecisionAllow admits the request.
	DecisionAllow Decision = iota
	// DecisionRequireSignature rejects the request until the payer signs the
	// outstanding proposal (HTTP 402).
	DecisionRequireSignature
	// DecisionConflict rejects the request because the receipt contradicts
	// known state (HTTP 409).
	DecisionConflict
	// DecisionChannelNotFound rejects the request because the channel is
	// unknown.
	DecisionChannelNotFound
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionRequireSignature:
		return "REQUIRE_SIGNATURE_402"
	case DecisionConflict:
		return "CONFLICT"
	case DecisionChannelNotFound:
		return "CHANNEL_NOT_FOUND"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// VerifyParams carries everything the engine needs, pre-fetched by the
// caller. The engine itself performs no I/O and no cryptography: when a
// signed receipt is present, SignatureValid must hold the outcome of the
// caller's signature check.
type VerifyParams struct {
	ChannelInfo     *types.ChannelInfo
	SubChannelState *types.SubChannelState

	SignedSubRAV   *types.SignedSubRAV
	SignatureValid bool

	// LatestPendingSubRAV is the newest unsigned proposal previously issued
	// for this sub-channel, if any.
	LatestPendingSubRAV *types.SubRAV

	// LatestSignedSubRAV is the newest persisted signed receipt for this
	// sub-channel, if any. Used as the reconciliation baseline when the
	// pending proposal was lost (e.g. after a restart).
	LatestSignedSubRAV *types.SignedSubRAV

	// BillingRequiresPayment is false for free routes.
	BillingRequiresPayment bool
}

// VerifyDecision is the engine's output.
type VerifyDecision struct {
	Decision       Decision
	SignedVerified bool
	PendingMatched bool
	Error          string
}

// Verify maps a candidate signed receipt plus known state to an admission
// decision. Checks run in order and short-circuit.
func Verify(params VerifyParams) VerifyDecision {
	if params.ChannelInfo == nil {
		return VerifyDecision{Decision: DecisionChannelNotFound, Error: "channel not found"}
	}

	if params.SignedSubRAV != nil && !params.SignatureValid {
		return VerifyDecision{
			Decision: DecisionConflict,
			Error:    ReasonInvalidSignature,
		}
	}

	if pending := params.LatestPendingSubRAV; pending != nil {
		if params.SignedSubRAV == nil {
			if params.BillingRequiresPayment {
				return VerifyDecision{
					Decision: DecisionRequireSignature,
					Error:    fmt.Sprintf("signature required for pending proposal nonce %s", pending.Nonce),
				}
			}
			// Free route: the outstanding proposal does not block the request.
			return VerifyDecision{Decision: DecisionAllow}
		}

		got := &params.SignedSubRAV.SubRAV
		if got.ChannelID != pending.ChannelID ||
			got.VMIDFragment != pending.VMIDFragment ||
			!got.Nonce.Equal(pending.Nonce) {
			return VerifyDecision{
				Decision:       DecisionConflict,
				SignedVerified: true,
				Error: fmt.Sprintf("signed receipt does not match pending proposal: expected nonce %s, received %s",
					pending.Nonce, got.Nonce),
			}
		}
		return VerifyDecision{Decision: DecisionAllow, SignedVerified: true, PendingMatched: true}
	}

	// No pending proposal. If a signed receipt arrived anyway (the proposal
	// was lost, e.g. across a restart), reconcile against the best available
	// baseline.
	if params.SignedSubRAV != nil {
		got := &params.SignedSubRAV.SubRAV
		if latest := params.LatestSignedSubRAV; latest != nil {
			prev := &latest.SubRAV
			if got.Nonce.Cmp(prev.Nonce) <= 0 || got.AccumulatedAmount.Cmp(prev.AccumulatedAmount) <= 0 {
				return VerifyDecision{
					Decision:       DecisionConflict,
					SignedVerified: true,
					Error: fmt.Sprintf("receipt does not advance latest known receipt (nonce %s, amount %s)",
						prev.Nonce, prev.AccumulatedAmount),
				}
			}
		} else if cursor := params.SubChannelState; cursor != nil {
			if got.Nonce.Cmp(cursor.Nonce) <= 0 || got.AccumulatedAmount.Cmp(cursor.AccumulatedAmount) <= 0 {
				return VerifyDecision{
					Decision:       DecisionConflict,
					SignedVerified: true,
					Error: fmt.Sprintf("receipt does not advance confirmed cursor (nonce %s, amount %s)",
						cursor.Nonce, cursor.AccumulatedAmount),
				}
			}
		}
		return VerifyDecision{Decision: DecisionAllow, SignedVerified: true}
	}

	return VerifyDecision{Decision: DecisionAllow}
}

// ProgressionValid applies the nonce/amount progression rule shared by the
// verification engine and the payee client. Given the previous confirmed
// cursor and a candidate receipt:
//
//	valid ⟺ nonce advances, or the candidate is a byte-identical resubmission
//	(same nonce, same amount, same epoch), or a handshake reset (0, 0).
//
// Outside the handshake reset the accumulated amount must never decrease.
func ProgressionValid(prevNonce, prevAmount, prevEpoch, nonce, amount, epoch *types.BigInt) (nonceOK, amountOK bool) {
	if nonce.IsZero() && amount.IsZero() {
		// Handshake reset is always a valid transition.
		return true, true
	}

	switch {
	case nonce.Cmp(prevNonce) > 0:
		nonceOK = true
	case nonce.Equal(prevNonce) && amount.Equal(prevAmount) && epoch.Equal(prevEpoch):
		// Idempotent resubmission of the exact same receipt.
		nonceOK = true
	}

	amountOK = amount.Cmp(prevAmount) >= 0
	return nonceOK, amountOK
}
