package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"github.com/stitchmarket/stitchmarket/internal/payment/tsara"
)

// HandleTsaraWebhook ingests one provider delivery. Response bodies are part
// of the provider contract: the status code alone drives Tsara's retry
// behavior, so every outcome maps to a fixed code here rather than going
// through the generic error middleware.
func (s *Server) HandleTsaraWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	result, err := s.paymentSvc.ProcessWebhook(
		c.Request.Context(),
		payload,
		c.GetHeader(tsara.SignatureHeader),
	)
	if err != nil {
		s.writeWebhookError(c, err)
		return
	}

	if result.Idempotent {
		c.JSON(http.StatusOK, gin.H{"success": true, "idempotent": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Webhook processed",
		"paymentId": result.PaymentID.String(),
		"status":    result.Status,
	})
}

func (s *Server) writeWebhookError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, paymentdomain.ErrMissingSecret):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfigured: missing webhook secret"})
	case errors.Is(err, paymentdomain.ErrMissingSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing signature header"})
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	case errors.Is(err, paymentdomain.ErrMissingEventID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing event ID"})
	case errors.Is(err, paymentdomain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
	case errors.Is(err, paymentdomain.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
	default:
		// Includes side-effect rollbacks and the in-flight lock; 500 tells
		// the provider to retry the delivery.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
	}
}

// TsaraWebhookLiveness lets the provider (and uptime checks) confirm the
// endpoint is reachable. No auth, no side effects.
func (s *Server) TsaraWebhookLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": "tsara",
		"message":  "Webhook endpoint is live",
	})
}
