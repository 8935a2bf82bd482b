package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/stitchmarket/stitchmarket/internal/payment/domain"
)

// GetPaymentByRef resolves a provider transaction reference to the payment it
// belongs to, for support tooling and reconciliation.
func (s *Server) GetPaymentByRef(c *gin.Context) {
	ref := strings.TrimSpace(c.Param("ref"))
	if ref == "" {
		AbortWithError(c, paymentdomain.ErrPaymentNotFound)
		return
	}

	record, err := s.paymentSvc.GetByTransactionRef(c.Request.Context(), ref)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListWebhookEvents pages through the webhook event ledger.
func (s *Server) ListWebhookEvents(c *gin.Context) {
	req := paymentdomain.ListEventsRequest{
		Status: paymentdomain.WebhookEventStatus(strings.TrimSpace(c.Query("status"))),
	}
	req.PageToken = strings.TrimSpace(c.Query("page_token"))
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			AbortWithError(c, paymentdomain.ErrInvalidPayload)
			return
		}
		req.PageSize = size
	}

	resp, err := s.paymentSvc.ListEvents(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetListingBySlug serves the public listing lookup used by product pages.
func (s *Server) GetListingBySlug(c *gin.Context) {
	item, err := s.listingSvc.GetBySlug(c.Request.Context(), strings.TrimSpace(c.Param("slug")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}
