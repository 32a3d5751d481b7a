// Package mcp binds the payment pipeline to MCP tool calls. Payment payloads
// travel in the request's _meta field instead of an HTTP header; the response
// payload is returned in the result's _meta.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	subrav "github.com/subrav-foundation/subrav/go"
	subravhttp "github.com/subrav-foundation/subrav/go/http"
	"github.com/subrav-foundation/subrav/go/types"
)

// _meta keys carrying the base64url-encoded payment payloads.
const (
	PaymentMetaKey         = "payment-channel/payment"
	PaymentResponseMetaKey = "payment-channel/payment-response"
)

// ToolHandler is the tool handler signature the wrapper decorates.
type ToolHandler func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error)

// ToolSettings binds a tool to its billing rule, mirroring the HTTP route
// settings.
type ToolSettings struct {
	ServiceID string
	Operation string
	AssetID   string
	Rule      subrav.Rule
	// UsageUnits resolves the call's usage from its arguments after the tool
	// ran. Defaults to 1 unit per call.
	UsageUnits func(req *mcpsdk.CallToolRequest) int64
}

// ExtractPaymentFromMeta decodes the request payment payload from a tool
// call's _meta. A missing entry returns (nil, nil).
func ExtractPaymentFromMeta(meta map[string]any) (*types.RequestPayload, error) {
	raw, ok := meta[PaymentMetaKey]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%s must be a base64url string", PaymentMetaKey)
	}
	return subravhttp.ValidateAndDecodeRequestHeader(encoded)
}

// PaymentWrapper returns a decorator that drives the payment pipeline around
// a tool handler: extract the payment payload from _meta, pre-process, run
// the tool, settle, persist, and attach the response payload to the result's
// _meta. A tool error result skips settlement so the caller is not charged
// for a failed call.
func PaymentWrapper(processor *subrav.PaymentProcessor, settings ToolSettings) func(ToolHandler) ToolHandler {
	return func(handler ToolHandler) ToolHandler {
		return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var meta map[string]any
			if req != nil && req.Params != nil {
				meta = map[string]any(req.Params.Meta)
			}

			payload, err := ExtractPaymentFromMeta(meta)
			if err != nil {
				perr := subrav.NewPaymentError(subrav.ErrCodeInvalidPayment, err.Error(), nil)
				return paymentErrorResult("", perr), nil
			}

			if payload == nil {
				if settings.Rule.Free {
					return handler(ctx, req)
				}
				perr := subrav.NewPaymentError(subrav.ErrCodePaymentRequired, "payment payload is required", nil)
				return paymentErrorResult("", perr), nil
			}

			bc := &subrav.BillingContext{
				ServiceID:    settings.ServiceID,
				Operation:    settings.Operation,
				AssetID:      settings.AssetID,
				Rule:         settings.Rule,
				ClientTxRef:  payload.ClientTxRef,
				MaxAmount:    payload.MaxAmount,
				SignedSubRAV: payload.SignedSubRAV,
			}
			if err := processor.PreProcess(ctx, bc); err != nil {
				bc.State.Error = subrav.AsPaymentError(err)
			}
			if bc.State.Error != nil {
				processor.Settle(bc, 0)
				return pipelineErrorResult(bc), nil
			}

			result, err := handler(ctx, req)
			if err != nil {
				return result, err
			}
			if result != nil && result.IsError {
				// Failed calls are not billed.
				return result, nil
			}

			units := int64(1)
			if settings.UsageUnits != nil {
				units = settings.UsageUnits(req)
			}
			processor.Settle(bc, units)

			if bc.State.Error == nil {
				if err := processor.Persist(ctx, bc); err != nil {
					bc.State.Error = subrav.AsPaymentError(err)
					processor.Settle(bc, units)
				}
			}
			if bc.State.Error != nil {
				return pipelineErrorResult(bc), nil
			}

			encoded, err := bc.State.Response.EncodeToBase64String()
			if err != nil {
				return nil, fmt.Errorf("failed to encode payment response: %w", err)
			}
			if result == nil {
				result = &mcpsdk.CallToolResult{}
			}
			if result.Meta == nil {
				result.Meta = mcpsdk.Meta{}
			}
			result.Meta[PaymentResponseMetaKey] = encoded
			return result, nil
		}
	}
}

// pipelineErrorResult converts a pipeline error into an error tool result
// carrying the encoded error payload in _meta.
func pipelineErrorResult(bc *subrav.BillingContext) *mcpsdk.CallToolResult {
	result := paymentErrorResult(bc.ClientTxRef, bc.State.Error)
	if bc.State.Response != nil {
		if encoded, err := bc.State.Response.EncodeToBase64String(); err == nil {
			result.Meta[PaymentResponseMetaKey] = encoded
		}
	}
	return result
}

func paymentErrorResult(clientTxRef string, perr *subrav.PaymentError) *mcpsdk.CallToolResult {
	response := &types.ResponsePayload{
		Version:     types.NewBigInt(types.HeaderVersion),
		ClientTxRef: clientTxRef,
		Error:       &types.ErrorInfo{Code: perr.Code, Message: perr.Message},
	}
	result := &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: perr.Error()},
		},
		Meta: mcpsdk.Meta{},
	}
	if encoded, err := response.EncodeToBase64String(); err == nil {
		result.Meta[PaymentResponseMetaKey] = encoded
	}
	return result
}

// AttachPaymentToMeta sets the encoded request payload on a tool call's
// params, the client-side counterpart of ExtractPaymentFromMeta.
func AttachPaymentToMeta(params *mcpsdk.CallToolParams, payload *types.RequestPayload) error {
	encoded, err := payload.EncodeToBase64String()
	if err != nil {
		return err
	}
	if params.Meta == nil {
		params.Meta = mcpsdk.Meta{}
	}
	params.Meta[PaymentMetaKey] = encoded
	return nil
}
