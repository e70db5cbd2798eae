package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tsumshop/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// HandleStripeWebhook passes the body to the verifier byte for byte.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rec, err := s.paymentSvc.HandleWebhook(c.Request.Context(), paymentdomain.ProviderStripe, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.logBenign(rec)

	c.JSON(http.StatusOK, gin.H{"received": true})
}

type esewaVerifyRequest struct {
	OrderID     string     `json:"oid"`
	Amount      jsonString `json:"amt"`
	ReferenceID string     `json:"refId"`
}

// esewaFingerprint scopes an Idempotency-Key to the order and provider
// reference it was first used with. Undecodable bodies fall back to the raw bytes.
func esewaFingerprint(body []byte) string {
	var req esewaVerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return string(body)
	}
	return strings.TrimSpace(req.OrderID) + "\n" + strings.TrimSpace(req.ReferenceID)
}

// HandleEsewaVerify confirms a legacy ePay redirect with the provider.
func (s *Server) HandleEsewaVerify(c *gin.Context) {
	c.Set(successEnvelopeKey, true)

	var req esewaVerifyRequest
	decoder := json.NewDecoder(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(string(req.Amount)) == "" || strings.TrimSpace(req.ReferenceID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rec, err := s.paymentSvc.ConfirmPayment(c.Request.Context(), paymentdomain.ProviderEsewa, paymentdomain.ConfirmationRequest{
		OrderID:     strings.TrimSpace(req.OrderID),
		Amount:      strings.TrimSpace(string(req.Amount)),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.logBenign(rec)

	c.JSON(http.StatusOK, gin.H{
		"success": rec.Outcome == paymentdomain.OutcomeSucceeded,
		"message": rec.RawResponse,
	})
}

func (s *Server) logBenign(rec *paymentdomain.Reconciliation) {
	if rec == nil {
		return
	}
	if err := rec.Err(); errors.Is(err, paymentdomain.ErrOrderNotFound) {
		s.log.Warn("payment acknowledged for unknown order",
			zap.String("provider", rec.Provider),
			zap.String("order_id", rec.OrderID),
			zap.String("provider_event_id", rec.ProviderEventID),
		)
	}
}

// jsonString accepts a JSON string or number; amounts arrive both ways.
type jsonString string

func (s *jsonString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = jsonString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*s = jsonString(n.String())
	return nil
}
