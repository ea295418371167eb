package handlers

import (
	"database/sql"
	"net/http"

	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/middleware"
	"github.com/polarpass/teller/pkg/models"
)

// statusForCode maps a service result code to an HTTP status.
func statusForCode(code ResultCode) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeAccountNotFound, CodeTariffNotFound, CodePromoNotFound, CodeKeyNotFound:
		return http.StatusNotFound
	case CodePromoAlreadyUsed, CodeTariffMissing:
		return http.StatusConflict
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeProvisioningFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandlePurchase buys a new access key for an account.
func HandlePurchase(c middleware.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid purchase request:" + err.Error()})
		return
	}

	result := purchases.Purchase(c.Request.Context(), req)
	if metrics != nil {
		metrics.PurchaseOperations.WithLabelValues("purchase", string(result.Code)).Inc()
	}
	c.JSON(statusForCode(result.Code), result)
}

// HandleRenew extends an existing access key.
func HandleRenew(c middleware.Context) {
	var req RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid renew request: " + err.Error()})
		return
	}

	result := purchases.Renew(c.Request.Context(), req)
	if metrics != nil {
		metrics.PurchaseOperations.WithLabelValues("renew", string(result.Code)).Inc()
	}
	c.JSON(statusForCode(result.Code), result)
}

// HandlePrice quotes the discounted price of a tariff without buying.
func HandlePrice(c middleware.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid price request: " + err.Error()})
		return
	}

	result := purchases.PriceWithPromo(c.Request.Context(), req)
	c.JSON(statusForCode(result.Code), result)
}

// GetBalance returns an account's current balance.
func GetBalance(c middleware.Context) {
	accountID := c.Param("account_id")

	var balance int64
	err := db.QueryRowContext(c.Request.Context(),
		`SELECT balance FROM teller.accounts WHERE id = $1`, accountID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch balance"})
		return
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
	})
}

// GetKeys returns all access keys of an account, newest first.
func GetKeys(c middleware.Context) {
	accountID := c.Param("account_id")

	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, key, protocol, account_id, server_id, tariff_id, expiration_days, expires_at, status, vpn_username, created_at
		FROM teller.access_keys
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch access keys")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch keys"})
		return
	}
	defer rows.Close()

	keys := []models.AccessKey{}
	for rows.Next() {
		var key models.AccessKey
		if err := rows.Scan(&key.ID, &key.Key, &key.Protocol, &key.AccountID, &key.ServerID,
			&key.TariffID, &key.ExpirationDays, &key.ExpiresAt, &key.Status,
			&key.VPNUsername, &key.CreatedAt); err != nil {
			logger.WithError(err).Error("Error scanning access key")
			continue
		}
		keys = append(keys, key)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// GetTariffs returns all active tariffs.
func GetTariffs(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, name, traffic_gb, expiration_days, price, is_unlimited, active, created_at
		FROM teller.tariffs
		WHERE active = true
		ORDER BY price ASC
	`)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch tariffs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch tariffs"})
		return
	}
	defer rows.Close()

	tariffs := []models.Tariff{}
	for rows.Next() {
		var tariff models.Tariff
		if err := rows.Scan(&tariff.ID, &tariff.Name, &tariff.TrafficGB, &tariff.ExpirationDays,
			&tariff.Price, &tariff.IsUnlimited, &tariff.Active, &tariff.CreatedAt); err != nil {
			logger.WithError(err).Error("Error scanning tariff")
			continue
		}
		tariffs = append(tariffs, tariff)
	}

	logger.WithFields(logging.Fields{
		"tariff_count": len(tariffs),
	}).Debug("Retrieved tariffs")

	c.JSON(http.StatusOK, map[string]interface{}{
		"tariffs": tariffs,
		"count":   len(tariffs),
	})
}
