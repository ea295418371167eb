package handlers

import (
	"net/http"

	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/middleware"
)

// CreateYooKassaTopup registers a redirect payment at the gateway and
// returns the URL the customer pays at.
func CreateYooKassaTopup(c middleware.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid topup request: " + err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Amount must be positive"})
		return
	}
	if yookassaClient == nil || !yookassaClient.Configured() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Gateway topups are not available"})
		return
	}

	gp, err := yookassaClient.CreatePayment(c.Request.Context(), req.AccountID, req.Amount)
	if err != nil {
		logger.WithFields(logging.Fields{
			"account_id": req.AccountID,
			"error":      err.Error(),
		}).Error("Failed to create gateway payment")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Failed to create payment"})
		return
	}

	c.JSON(http.StatusOK, TopupResponse{PaymentID: gp.ID, PaymentURL: gp.PaymentURL})
}

// CreateYooMoneyTopup builds a quickpay link for a wallet top-up.
func CreateYooMoneyTopup(c middleware.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid topup request: " + err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Amount must be positive"})
		return
	}
	if yoomoneyClient == nil || !yoomoneyClient.Configured() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Wallet topups are not available"})
		return
	}

	gp, err := yoomoneyClient.CreatePayment(c.Request.Context(), req.AccountID, req.Amount)
	if err != nil {
		logger.WithFields(logging.Fields{
			"account_id": req.AccountID,
			"error":      err.Error(),
		}).Error("Failed to create quickpay link")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Failed to create payment"})
		return
	}

	c.JSON(http.StatusOK, TopupResponse{PaymentID: gp.ID, PaymentURL: gp.PaymentURL})
}
