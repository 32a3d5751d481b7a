// Package echo provides the Echo binding of the payment middleware.
package echo

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"

	subrav "github.com/subrav-foundation/subrav/go"
	subravhttp "github.com/subrav-foundation/subrav/go/http"
)

// PaymentMiddleware is the Echo middleware driving the payment pipeline
// around the route handler.
func PaymentMiddleware(processor *subrav.PaymentProcessor, settings subravhttp.RouteSettings) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			payload, err := subravhttp.RequestPayloadFromHTTP(c.Request())
			if err != nil {
				perr := subrav.NewPaymentError(subrav.ErrCodeInvalidPayment, err.Error(), nil)
				return writePaymentError(c, perr)
			}

			if payload == nil {
				if settings.Rule.Free {
					return next(c)
				}
				perr := subrav.NewPaymentError(subrav.ErrCodePaymentRequired, "payment header is required", nil)
				return writePaymentError(c, perr)
			}

			bc := subravhttp.BuildBillingContext(payload, settings)
			if err := processor.PreProcess(c.Request().Context(), bc); err != nil {
				bc.State.Error = subrav.AsPaymentError(err)
			}
			if bc.State.Error != nil {
				processor.Settle(bc, 0)
				return writePaymentResponse(c, bc)
			}

			// Buffer the handler's output so the payment header can still be
			// attached after settlement.
			original := c.Response().Writer
			buffered := &bufferingWriter{ResponseWriter: original, statusCode: http.StatusOK}
			c.Response().Writer = buffered

			handlerErr := next(c)

			c.Response().Writer = original
			if handlerErr != nil {
				return handlerErr
			}

			units := int64(1)
			if settings.UsageUnits != nil {
				units = settings.UsageUnits(c.Request())
			}
			processor.Settle(bc, units)

			if bc.State.Error == nil {
				if err := processor.Persist(c.Request().Context(), bc); err != nil {
					bc.State.Error = subrav.AsPaymentError(err)
					processor.Settle(bc, units)
				}
			}

			if bc.State.Error != nil {
				return writePaymentResponse(c, bc)
			}

			header, err := subravhttp.EncodeResponseHeader(bc.State.Response)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode payment response")
			}
			original.Header().Set(subravhttp.PaymentHeader, header)
			original.WriteHeader(buffered.statusCode)
			_, err = original.Write(buffered.body.Bytes())
			return err
		}
	}
}

func writePaymentResponse(c echo.Context, bc *subrav.BillingContext) error {
	header, err := subravhttp.EncodeResponseHeader(bc.State.Response)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode payment response")
	}
	c.Response().Header().Set(subravhttp.PaymentHeader, header)
	return c.JSON(subrav.HTTPStatusForCode(bc.State.Error.Code), map[string]string{
		"error": bc.State.Error.Message,
		"code":  bc.State.Error.Code,
	})
}

func writePaymentError(c echo.Context, perr *subrav.PaymentError) error {
	return c.JSON(subrav.HTTPStatusForCode(perr.Code), map[string]string{
		"error": perr.Message,
		"code":  perr.Code,
	})
}

// bufferingWriter captures response output until settlement completes.
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
