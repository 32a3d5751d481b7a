package subrav

import (
	"strings"
	"testing"

	"github.com/subrav-foundation/subrav/go/types"
)

func verifierRAV(nonce, amount int64) *types.SubRAV {
	return &types.SubRAV{
		Version:           types.NewBigInt(types.SubRAVVersion),
		ChainID:           types.NewBigInt(4),
		ChannelID:         "0xchannel",
		ChannelEpoch:      types.NewBigInt(0),
		VMIDFragment:      "key-1",
		AccumulatedAmount: types.NewBigInt(amount),
		Nonce:             types.NewBigInt(nonce),
	}
}

func verifierSigned(nonce, amount int64) *types.SignedSubRAV {
	return &types.SignedSubRAV{
		SubRAV:    *verifierRAV(nonce, amount),
		Signature: types.Signature([]byte("sig")),
	}
}

func verifierChannel() *types.ChannelInfo {
	return &types.ChannelInfo{
		ChannelID: "0xchannel",
		PayerDID:  "did:example:payer",
		PayeeDID:  "did:example:payee",
		Epoch:     types.NewBigInt(0),
		Status:    types.ChannelStatusActive,
	}
}

func TestVerifyChannelNotFound(t *testing.T) {
	decision := Verify(VerifyParams{})
	if decision.Decision != DecisionChannelNotFound {
		t.Fatalf("decision = %s, want CHANNEL_NOT_FOUND", decision.Decision)
	}
}

func TestVerifyInvalidSignature(t *testing.T) {
	decision := Verify(VerifyParams{
		ChannelInfo:    verifierChannel(),
		SignedSubRAV:   verifierSigned(4, 1000),
		SignatureValid: false,
	})
	if decision.Decision != DecisionConflict {
		t.Fatalf("decision = %s, want CONFLICT", decision.Decision)
	}
	if decision.Error != ReasonInvalidSignature {
		t.Errorf("error = %q", decision.Error)
	}
}

func TestVerifyPendingWithoutSignature(t *testing.T) {
	params := VerifyParams{
		ChannelInfo:            verifierChannel(),
		LatestPendingSubRAV:    verifierRAV(4, 1000),
		BillingRequiresPayment: true,
	}
	decision := Verify(params)
	if decision.Decision != DecisionRequireSignature {
		t.Fatalf("paid route: decision = %s, want REQUIRE_SIGNATURE_402", decision.Decision)
	}

	params.BillingRequiresPayment = false
	decision = Verify(params)
	if decision.Decision != DecisionAllow {
		t.Fatalf("free route: decision = %s, want ALLOW", decision.Decision)
	}
}

func TestVerifyPendingMatch(t *testing.T) {
	decision := Verify(VerifyParams{
		ChannelInfo:         verifierChannel(),
		SignedSubRAV:        verifierSigned(4, 1000),
		SignatureValid:      true,
		LatestPendingSubRAV: verifierRAV(4, 1000),
	})
	if decision.Decision != DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW", decision.Decision)
	}
	if !decision.PendingMatched || !decision.SignedVerified {
		t.Errorf("flags = %+v", decision)
	}
}

func TestVerifyPendingNonceMismatch(t *testing.T) {
	decision := Verify(VerifyParams{
		ChannelInfo:         verifierChannel(),
		SignedSubRAV:        verifierSigned(3, 700),
		SignatureValid:      true,
		LatestPendingSubRAV: verifierRAV(4, 1000),
	})
	if decision.Decision != DecisionConflict {
		t.Fatalf("decision = %s, want CONFLICT", decision.Decision)
	}
	// The diagnostic names both nonces so the payer can recover.
	if !strings.Contains(decision.Error, "4") || !strings.Contains(decision.Error, "3") {
		t.Errorf("error lacks expected/received nonces: %q", decision.Error)
	}
}

func TestVerifyReconcileAgainstLatestSigned(t *testing.T) {
	// The pending proposal was lost (restart); the receipt must strictly
	// advance the latest persisted one.
	params := VerifyParams{
		ChannelInfo:        verifierChannel(),
		SignedSubRAV:       verifierSigned(5, 1200),
		SignatureValid:     true,
		LatestSignedSubRAV: verifierSigned(4, 1000),
	}
	if decision := Verify(params); decision.Decision != DecisionAllow {
		t.Fatalf("advancing receipt: decision = %s, want ALLOW", decision.Decision)
	}

	params.SignedSubRAV = verifierSigned(4, 1000)
	if decision := Verify(params); decision.Decision != DecisionConflict {
		t.Fatalf("stale receipt: decision = %s, want CONFLICT", decision.Decision)
	}

	params.SignedSubRAV = verifierSigned(5, 1000)
	if decision := Verify(params); decision.Decision != DecisionConflict {
		t.Fatalf("non-advancing amount: decision = %s, want CONFLICT", decision.Decision)
	}
}

func TestVerifyReconcileAgainstCursor(t *testing.T) {
	cursor := &types.SubChannelState{
		ChannelID:         "0xchannel",
		VMIDFragment:      "key-1",
		Epoch:             types.NewBigInt(0),
		AccumulatedAmount: types.NewBigInt(700),
		Nonce:             types.NewBigInt(3),
	}
	params := VerifyParams{
		ChannelInfo:     verifierChannel(),
		SubChannelState: cursor,
		SignedSubRAV:    verifierSigned(4, 1000),
		SignatureValid:  true,
	}
	if decision := Verify(params); decision.Decision != DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW", decision.Decision)
	}

	params.SignedSubRAV = verifierSigned(3, 700)
	if decision := Verify(params); decision.Decision != DecisionConflict {
		t.Fatalf("decision = %s, want CONFLICT", decision.Decision)
	}
}

func TestVerifyNoContext(t *testing.T) {
	decision := Verify(VerifyParams{ChannelInfo: verifierChannel()})
	if decision.Decision != DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW", decision.Decision)
	}
}

func TestProgressionValid(t *testing.T) {
	n := types.NewBigInt
	tests := []struct {
		name                             string
		prevNonce, prevAmount, prevEpoch int64
		nonce, amount, epoch             int64
		wantNonce, wantAmount            bool
	}{
		{"advance", 3, 700, 0, 4, 1000, 0, true, true},
		{"same amount advance", 3, 700, 0, 4, 700, 0, true, true},
		{"amount regression", 3, 700, 0, 4, 500, 0, true, false},
		{"idempotent resubmit", 3, 700, 0, 3, 700, 0, true, true},
		{"same nonce different amount", 3, 700, 0, 3, 800, 0, false, true},
		{"same nonce different epoch", 3, 700, 0, 3, 700, 1, false, true},
		{"nonce regression", 3, 700, 0, 2, 900, 0, false, true},
		{"handshake reset", 3, 700, 0, 0, 0, 0, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonceOK, amountOK := ProgressionValid(
				n(tt.prevNonce), n(tt.prevAmount), n(tt.prevEpoch),
				n(tt.nonce), n(tt.amount), n(tt.epoch),
			)
			if nonceOK != tt.wantNonce || amountOK != tt.wantAmount {
				t.Errorf("got (%v, %v), want (%v, %v)", nonceOK, amountOK, tt.wantNonce, tt.wantAmount)
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	if DecisionRequireSignature.String() != "REQUIRE_SIGNATURE_402" {
		t.Errorf("String() = %s", DecisionRequireSignature)
	}
	if Decision(42).String() != "Decision(42)" {
		t.Errorf("unknown decision String() = %s", Decision(42))
	}
}
