package http

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	subrav "github.com/subrav-foundation/subrav/go"
	"github.com/subrav-foundation/subrav/go/signers/did"
	"github.com/subrav-foundation/subrav/go/store"
	"github.com/subrav-foundation/subrav/go/types"
)

const (
	mwChannelID = "0xchannel"
	mwPayerDID  = "did:example:payer"
	mwFragment  = "key-1"
)

type mwContract struct {
	mu       sync.Mutex
	channels map[string]*types.ChannelInfo
}

func (c *mwContract) GetChannelStatus(_ context.Context, channelID string) (*types.ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	copied := *info
	return &copied, nil
}

func (c *mwContract) ClaimFromChannel(_ context.Context, _ *types.SignedSubRAV) (string, error) {
	return "0xtx1", nil
}

func (c *mwContract) CloseChannel(_ context.Context, _ string) (string, error) {
	return "0xclose", nil
}

func (c *mwContract) GetChainID(_ context.Context) (*types.BigInt, error) {
	return types.NewBigInt(4), nil
}

func (c *mwContract) GetAssetPrice(_ context.Context, _ string) (*big.Int, error) {
	return big.NewInt(1), nil
}

type mwEnv struct {
	signer    *did.Signer
	processor *subrav.PaymentProcessor
}

func newMWEnv(t *testing.T) *mwEnv {
	t.Helper()

	signer, err := did.NewSigner(mwPayerDID, mwFragment)
	if err != nil {
		t.Fatal(err)
	}
	resolver := did.NewKeyResolver()
	resolver.AddSigner(signer)

	contract := &mwContract{
		channels: map[string]*types.ChannelInfo{
			mwChannelID: {
				ChannelID: mwChannelID,
				PayerDID:  mwPayerDID,
				PayeeDID:  "did:example:payee",
				Epoch:     types.NewBigInt(0),
				Status:    types.ChannelStatusActive,
			},
		},
	}

	payee, err := subrav.NewPayeeClient(
		contract, resolver,
		store.NewMemoryChannelRepository(), store.NewMemoryRAVRepository(),
		subrav.WithLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatal(err)
	}
	processor, err := subrav.NewPaymentProcessor(
		payee, store.NewMemoryPendingSubRAVRepository(),
		subrav.WithProcessorLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatal(err)
	}
	return &mwEnv{signer: signer, processor: processor}
}

func paidSettings() RouteSettings {
	return RouteSettings{
		ServiceID: "svc",
		Operation: "echo",
		Rule: subrav.Rule{
			ID:       "per-request",
			Strategy: subrav.FixedStrategy{PicoUSD: big.NewInt(100)},
		},
	}
}

func paidHandler(env *mwEnv, settings RouteSettings) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "handler body")
	})
	return PaymentMiddleware(env.processor, settings)(inner)
}

func doRequest(t *testing.T, handler http.Handler, payload *types.RequestPayload) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	if payload != nil {
		header, err := EncodeRequestHeader(payload)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(PaymentHeader, header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *types.ResponsePayload {
	t.Helper()
	header := rec.Header().Get(PaymentHeader)
	if header == "" {
		t.Fatal("response payment header missing")
	}
	payload, err := DecodeResponseHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestMiddlewareFreeRouteWithoutHeader(t *testing.T) {
	env := newMWEnv(t)
	settings := paidSettings()
	settings.Rule = subrav.Rule{ID: "free", Free: true}

	rec := doRequest(t, paidHandler(env, settings), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(PaymentHeader) != "" {
		t.Error("free route attached a payment header")
	}
	if rec.Body.String() != "handler body" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestMiddlewarePaidRouteWithoutHeader(t *testing.T) {
	env := newMWEnv(t)
	rec := doRequest(t, paidHandler(env, paidSettings()), nil)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload.Error == nil || payload.Error.Code != subrav.ErrCodePaymentRequired {
		t.Errorf("error = %+v", payload.Error)
	}
}

func TestMiddlewareGarbageHeader(t *testing.T) {
	env := newMWEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(PaymentHeader, "!!!not-base64url!!!")
	rec := httptest.NewRecorder()
	paidHandler(env, paidSettings()).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMiddlewarePaymentFlow(t *testing.T) {
	env := newMWEnv(t)
	handler := paidHandler(env, paidSettings())

	// First request carries only channel identity via the signed handshake.
	handshake, err := env.signer.Sign(&types.SubRAV{
		Version:           types.NewBigInt(types.SubRAVVersion),
		ChainID:           types.NewBigInt(4),
		ChannelID:         mwChannelID,
		ChannelEpoch:      types.NewBigInt(0),
		VMIDFragment:      mwFragment,
		AccumulatedAmount: types.NewBigInt(0),
		Nonce:             types.NewBigInt(0),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, handler, &types.RequestPayload{
		Version:      types.NewBigInt(types.HeaderVersion),
		ClientTxRef:  "c1",
		SignedSubRAV: handshake,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("handshake request status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "handler body" {
		t.Errorf("body = %q", rec.Body.String())
	}

	first := decodeResponse(t, rec)
	if first.Error != nil {
		t.Fatalf("unexpected error: %+v", first.Error)
	}
	if first.SubRAV == nil || first.SubRAV.Nonce.String() != "1" || first.Cost.String() != "100" {
		t.Fatalf("first proposal = %+v cost %s", first.SubRAV, first.Cost)
	}

	// Second request without the signature is held at 402.
	rec = doRequest(t, handler, &types.RequestPayload{
		Version:     types.NewBigInt(types.HeaderVersion),
		ClientTxRef: "c2",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("unsigned follow-up status = %d, want 402", rec.Code)
	}

	// Signing the proposal unblocks the sub-channel and advances the chain.
	signed, err := env.signer.Sign(first.SubRAV)
	if err != nil {
		t.Fatal(err)
	}
	rec = doRequest(t, handler, &types.RequestPayload{
		Version:      types.NewBigInt(types.HeaderVersion),
		ClientTxRef:  "c3",
		SignedSubRAV: signed,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signed request status = %d, want 200", rec.Code)
	}
	second := decodeResponse(t, rec)
	if second.SubRAV == nil || second.SubRAV.Nonce.String() != "2" || second.SubRAV.AccumulatedAmount.String() != "200" {
		t.Fatalf("second proposal = %+v", second.SubRAV)
	}
}

func TestMiddlewareConflictingReceipt(t *testing.T) {
	env := newMWEnv(t)
	handler := paidHandler(env, paidSettings())

	// Forge a receipt far ahead of anything issued.
	forged, err := env.signer.Sign(&types.SubRAV{
		Version:           types.NewBigInt(types.SubRAVVersion),
		ChainID:           types.NewBigInt(4),
		ChannelID:         mwChannelID,
		ChannelEpoch:      types.NewBigInt(0),
		VMIDFragment:      mwFragment,
		AccumulatedAmount: types.NewBigInt(9000),
		Nonce:             types.NewBigInt(5),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, handler, &types.RequestPayload{
		Version:      types.NewBigInt(types.HeaderVersion),
		ClientTxRef:  "c1",
		SignedSubRAV: forged,
	})
	// Nonce 5 on a fresh sub-channel fails receipt verification.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload.Error == nil {
		t.Fatal("missing structured error")
	}
}
