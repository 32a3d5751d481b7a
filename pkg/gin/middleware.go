// Package gin provides the Gin binding of the payment middleware.
package gin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	subrav "github.com/subrav-foundation/subrav/go"
	subravhttp "github.com/subrav-foundation/subrav/go/http"
)

// PaymentMiddleware is the Gin middleware driving the payment pipeline around
// the route handler: decode the payment header, pre-process, run the handler,
// settle, persist, attach the response payment header.
func PaymentMiddleware(processor *subrav.PaymentProcessor, settings subravhttp.RouteSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := subravhttp.RequestPayloadFromHTTP(c.Request)
		if err != nil {
			perr := subrav.NewPaymentError(subrav.ErrCodeInvalidPayment, err.Error(), nil)
			abortWithPaymentError(c, perr)
			return
		}

		if payload == nil {
			if settings.Rule.Free {
				c.Next()
				return
			}
			perr := subrav.NewPaymentError(subrav.ErrCodePaymentRequired, "payment header is required", nil)
			abortWithPaymentError(c, perr)
			return
		}

		bc := subravhttp.BuildBillingContext(payload, settings)
		if err := processor.PreProcess(c.Request.Context(), bc); err != nil {
			bc.State.Error = subrav.AsPaymentError(err)
		}
		if bc.State.Error != nil {
			processor.Settle(bc, 0)
			abortWithPaymentResponse(c, bc)
			return
		}

		// Buffer the handler's response so the payment header can still be
		// attached after settlement.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		if c.IsAborted() {
			c.Writer = writer.ResponseWriter
			return
		}

		units := int64(1)
		if settings.UsageUnits != nil {
			units = settings.UsageUnits(c.Request)
		}
		processor.Settle(bc, units)

		if bc.State.Error == nil {
			if err := processor.Persist(c.Request.Context(), bc); err != nil {
				bc.State.Error = subrav.AsPaymentError(err)
				processor.Settle(bc, units)
			}
		}

		c.Writer = writer.ResponseWriter
		if bc.State.Error != nil {
			abortWithPaymentResponse(c, bc)
			return
		}

		header, err := subravhttp.EncodeResponseHeader(bc.State.Response)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "failed to encode payment response",
			})
			return
		}
		c.Header(subravhttp.PaymentHeader, header)
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(writer.body.String()))
	}
}

func abortWithPaymentResponse(c *gin.Context, bc *subrav.BillingContext) {
	header, err := subravhttp.EncodeResponseHeader(bc.State.Response)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "failed to encode payment response",
		})
		return
	}
	c.Header(subravhttp.PaymentHeader, header)
	c.AbortWithStatusJSON(subrav.HTTPStatusForCode(bc.State.Error.Code), gin.H{
		"error": bc.State.Error.Message,
		"code":  bc.State.Error.Code,
	})
}

func abortWithPaymentError(c *gin.Context, perr *subrav.PaymentError) {
	c.AbortWithStatusJSON(subrav.HTTPStatusForCode(perr.Code), gin.H{
		"error": perr.Message,
		"code":  perr.Code,
	})
}

// responseWriter captures the handler's response until settlement completes.
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}
