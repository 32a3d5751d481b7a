package http

import (
	"bytes"
	"net/http"

	subrav "github.com/subrav-foundation/subrav/go"
	"github.com/subrav-foundation/subrav/go/types"
)

// RouteSettings binds a route to its billing rule and usage resolution.
type RouteSettings struct {
	ServiceID string
	Operation string
	// AssetID selects asset-denominated settlement; empty means the cost is
	// settled in pico-USD directly.
	AssetID string
	Rule    subrav.Rule
	// UsageUnits resolves the request's usage after the handler ran.
	// Defaults to 1 unit per request.
	UsageUnits func(r *http.Request) int64
}

// BuildBillingContext converts a decoded request payload plus route settings
// into the processor's typed context.
func BuildBillingContext(payload *types.RequestPayload, settings RouteSettings) *subrav.BillingContext {
	bc := &subrav.BillingContext{
		ServiceID: settings.ServiceID,
		Operation: settings.Operation,
		AssetID:   settings.AssetID,
		Rule:      settings.Rule,
	}
	if payload != nil {
		bc.ClientTxRef = payload.ClientTxRef
		bc.MaxAmount = payload.MaxAmount
		bc.SignedSubRAV = payload.SignedSubRAV
	}
	return bc
}

// WritePaymentResponse encodes the pipeline's response payload into the
// payment header and writes the matching transport status. A payload that
// cannot be encoded degrades to a bare 500.
func WritePaymentResponse(w http.ResponseWriter, response *types.ResponsePayload, status int) {
	header, err := EncodeResponseHeader(response)
	if err != nil {
		http.Error(w, "failed to encode payment response", http.StatusInternalServerError)
		return
	}
	w.Header().Set(PaymentHeader, header)
	w.WriteHeader(status)
}

// bufferingWriter captures the handler's response so the payment header can
// be attached before anything is written to the client.
type bufferingWriter struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (w *bufferingWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *bufferingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

// PaymentMiddleware wraps a handler with the payment pipeline: decode the
// payment header, pre-process, run the handler, settle, persist, and attach
// the response payment header. Protocol failures yield a structured error
// payload with the mapped status instead of the handler's response.
func PaymentMiddleware(processor *subrav.PaymentProcessor, settings RouteSettings) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, err := RequestPayloadFromHTTP(r)
			if err != nil {
				perr := subrav.NewPaymentError(subrav.ErrCodeInvalidPayment, err.Error(), nil)
				WritePaymentResponse(w, errorResponse(nil, perr), subrav.HTTPStatusForCode(perr.Code))
				return
			}

			if payload == nil {
				if settings.Rule.Free {
					// Free route with no payment context passes through.
					next.ServeHTTP(w, r)
					return
				}
				perr := subrav.NewPaymentError(subrav.ErrCodePaymentRequired, "payment header is required", nil)
				WritePaymentResponse(w, errorResponse(nil, perr), subrav.HTTPStatusForCode(perr.Code))
				return
			}

			bc := BuildBillingContext(payload, settings)
			if err := processor.PreProcess(r.Context(), bc); err != nil {
				bc.State.Error = subrav.AsPaymentError(err)
			}
			if bc.State.Error != nil {
				processor.Settle(bc, 0)
				WritePaymentResponse(w, bc.State.Response, subrav.HTTPStatusForCode(bc.State.Error.Code))
				return
			}

			buffered := &bufferingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(buffered, r)

			units := int64(1)
			if settings.UsageUnits != nil {
				units = settings.UsageUnits(r)
			}
			processor.Settle(bc, units)

			if bc.State.Error == nil {
				if err := processor.Persist(r.Context(), bc); err != nil {
					bc.State.Error = subrav.AsPaymentError(err)
					processor.Settle(bc, units) // rebuilds the error response
				}
			}

			if bc.State.Error != nil {
				WritePaymentResponse(w, bc.State.Response, subrav.HTTPStatusForCode(bc.State.Error.Code))
				return
			}

			header, err := EncodeResponseHeader(bc.State.Response)
			if err != nil {
				http.Error(w, "failed to encode payment response", http.StatusInternalServerError)
				return
			}
			w.Header().Set(PaymentHeader, header)
			w.WriteHeader(buffered.statusCode)
			_, _ = w.Write(buffered.body.Bytes())
		})
	}
}

func errorResponse(payload *types.RequestPayload, perr *subrav.PaymentError) *types.ResponsePayload {
	resp := &types.ResponsePayload{
		Version: types.NewBigInt(types.HeaderVersion),
		Error:   &types.ErrorInfo{Code: perr.Code, Message: perr.Message},
	}
	if payload != nil {
		resp.ClientTxRef = payload.ClientTxRef
	}
	return resp
}
