package handlers

import (
	"net/http"

	"github.com/polarpass/teller/internal/yookassa"
	"github.com/polarpass/teller/pkg/middleware"
)

// HandleYooKassaWebhook settles a gateway payment notification. The gateway
// retries deliveries until it sees a 2xx, so transient failures return 500
// and duplicates settle as no-ops.
func HandleYooKassaWebhook(c middleware.Context) {
	var payload yookassa.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid webhook payload"})
		return
	}

	if yookassaClient == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Gateway not configured"})
		return
	}

	if err := yookassaClient.HandleWebhook(c.Request.Context(), payload); err != nil {
		logger.WithError(err).Error("Failed to process gateway webhook")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process webhook"})
		return
	}

	if metrics != nil {
		metrics.PaymentsRecorded.WithLabelValues("yookassa").Inc()
	}
	c.Status(http.StatusOK)
}
