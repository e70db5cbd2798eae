package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

// successEnvelopeKey marks routes whose error body also carries "success": false.
const successEnvelopeKey = "tsum.success_envelope"

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, message := mapError(lastErr.Err)
		body := gin.H{"error": message}
		if c.GetBool(successEnvelopeKey) {
			body["success"] = false
		}
		c.AbortWithStatusJSON(status, body)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, ErrInternal.Error()
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, paymentdomain.ErrInvalidSignature.Error()
	case errors.Is(err, paymentdomain.ErrInvalidNotification):
		return http.StatusBadRequest, paymentdomain.ErrInvalidNotification.Error()
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, ErrInvalidRequest.Error()
	case errors.Is(err, paymentdomain.ErrVerificationUnreachable):
		return http.StatusBadGateway, paymentdomain.ErrVerificationUnreachable.Error()
	default:
		return http.StatusInternalServerError, ErrInternal.Error()
	}
}

func classifyErrorForLog(err error) (string, string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidNotification),
		errors.Is(err, ErrInvalidRequest):
		return "client_error", rootCode(err)
	case errors.Is(err, paymentdomain.ErrVerificationUnreachable):
		return "upstream_error", paymentdomain.ErrVerificationUnreachable.Error()
	case errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrInvalidConfig),
		errors.Is(err, paymentdomain.ErrUnsupportedVariant):
		return "config_error", rootCode(err)
	default:
		return "internal_error", ErrInternal.Error()
	}
}

func rootCode(err error) string {
	for _, sentinel := range []error{
		paymentdomain.ErrInvalidSignature,
		paymentdomain.ErrInvalidNotification,
		ErrInvalidRequest,
		paymentdomain.ErrProviderNotFound,
		paymentdomain.ErrInvalidConfig,
		paymentdomain.ErrUnsupportedVariant,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ErrInternal.Error()
}
