package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/polarpass/teller/pkg/auth"
	"github.com/polarpass/teller/pkg/config"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/middleware"
	"github.com/polarpass/teller/pkg/models"
)

const adminTokenTTL = 24 * time.Hour

// AdminLogin checks the configured admin credentials and issues a JWT for
// the admin route group.
func AdminLogin(c middleware.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid login request"})
		return
	}

	login := config.GetEnv("ADMIN_LOGIN", "admin")
	passwordHash := config.GetEnv("ADMIN_PASSWORD_HASH", "")
	if passwordHash == "" {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Admin access is not configured"})
		return
	}

	if req.Login != login || !auth.CheckPassword(req.Password, passwordHash) {
		logger.WithField("login", req.Login).Warn("Rejected admin login")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid credentials"})
		return
	}

	token, err := auth.GenerateJWT(login, "admin", adminTokenTTL, []byte(config.GetEnv("JWT_SECRET", "")))
	if err != nil {
		logger.WithError(err).Error("Failed to generate admin token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, AdminLoginResponse{Token: token})
}

// ListAllTariffs returns every tariff including inactive ones.
func ListAllTariffs(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, name, traffic_gb, expiration_days, price, is_unlimited, active, created_at
		FROM teller.tariffs
		ORDER BY created_at DESC
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

	c.JSON(http.StatusOK, map[string]interface{}{"tariffs": tariffs, "count": len(tariffs)})
}

// CreateTariff adds a new tariff.
func CreateTariff(c middleware.Context) {
	var req TariffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid tariff: " + err.Error()})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	id := uuid.New().String()
	_, err := db.ExecContext(c.Request.Context(), `
		INSERT INTO teller.tariffs (id, name, traffic_gb, expiration_days, price, is_unlimited, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, id, req.Name, req.TrafficGB, req.ExpirationDays, req.Price, req.IsUnlimited, active)
	if err != nil {
		logger.WithError(err).Error("Failed to create tariff")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create tariff"})
		return
	}

	logger.WithFields(logging.Fields{
		"tariff_id": id,
		"name":      req.Name,
		"price":     req.Price,
	}).Info("Created tariff")
	c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// UpdateTariff replaces an existing tariff's fields.
func UpdateTariff(c middleware.Context) {
	tariffID := c.Param("tariff_id")

	var req TariffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid tariff: " + err.Error()})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	res, err := db.ExecContext(c.Request.Context(), `
		UPDATE teller.tariffs
		SET name = $1, traffic_gb = $2, expiration_days = $3, price = $4, is_unlimited = $5, active = $6
		WHERE id = $7
	`, req.Name, req.TrafficGB, req.ExpirationDays, req.Price, req.IsUnlimited, active, tariffID)
	if err != nil {
		logger.WithError(err).Error("Failed to update tariff")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update tariff"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Tariff not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteTariff deactivates a tariff. Existing keys keep referencing it, so
// rows are never removed.
func DeleteTariff(c middleware.Context) {
	tariffID := c.Param("tariff_id")

	res, err := db.ExecContext(c.Request.Context(),
		`UPDATE teller.tariffs SET active = false WHERE id = $1`, tariffID)
	if err != nil {
		logger.WithError(err).Error("Failed to deactivate tariff")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to deactivate tariff"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Tariff not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListPromoCodes returns every promo code.
func ListPromoCodes(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, code, discount_percent, is_free_key, active, created_at
		FROM teller.promocodes
		ORDER BY created_at DESC
	`)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch promo codes")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch promo codes"})
		return
	}
	defer rows.Close()

	promos := []models.PromoCode{}
	for rows.Next() {
		var promo models.PromoCode
		if err := rows.Scan(&promo.ID, &promo.Code, &promo.DiscountPercent,
			&promo.IsFreeKey, &promo.Active, &promo.CreatedAt); err != nil {
			logger.WithError(err).Error("Error scanning promo code")
			continue
		}
		promos = append(promos, promo)
	}

	c.JSON(http.StatusOK, map[string]interface{}{"promocodes": promos, "count": len(promos)})
}

// CreatePromoCode adds a new promo code.
func CreatePromoCode(c middleware.Context) {
	var req PromoCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid promo code: " + err.Error()})
		return
	}
	if !req.IsFreeKey && (req.DiscountPercent < 1 || req.DiscountPercent > 100) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Discount percent must be between 1 and 100"})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	id := uuid.New().String()
	_, err := db.ExecContext(c.Request.Context(), `
		INSERT INTO teller.promocodes (id, code, discount_percent, is_free_key, active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, id, req.Code, req.DiscountPercent, req.IsFreeKey, active)
	if err != nil {
		logger.WithError(err).Error("Failed to create promo code")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create promo code"})
		return
	}

	logger.WithFields(logging.Fields{
		"promo_id": id,
		"code":     req.Code,
	}).Info("Created promo code")
	c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// UpdatePromoCode replaces an existing promo code's fields.
func UpdatePromoCode(c middleware.Context) {
	promoID := c.Param("promo_id")

	var req PromoCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid promo code: " + err.Error()})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	res, err := db.ExecContext(c.Request.Context(), `
		UPDATE teller.promocodes
		SET code = $1, discount_percent = $2, is_free_key = $3, active = $4
		WHERE id = $5
	`, req.Code, req.DiscountPercent, req.IsFreeKey, active, promoID)
	if err != nil {
		logger.WithError(err).Error("Failed to update promo code")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update promo code"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Promo code not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// GetLedger returns recent ledger entries, optionally filtered by channel.
func GetLedger(c middleware.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Limit must be between 1 and 1000"})
			return
		}
		limit = parsed
	}

	query := `
		SELECT id, amount, currency, message, account_id, direction, place, completed, created_at
		FROM teller.ledger`
	args := []interface{}{}
	if place := c.Query("place"); place != "" {
		query += ` WHERE place = $1`
		args = append(args, place)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := db.QueryContext(c.Request.Context(), query, args...)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch ledger")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch ledger"})
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Amount, &e.Currency, &e.Message, &e.AccountID,
			&e.Direction, &e.Place, &e.Completed, &e.CreatedAt); err != nil {
			logger.WithError(err).Error("Error scanning ledger entry")
			continue
		}
		entries = append(entries, e)
	}

	c.JSON(http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// UpdateBankSession replaces the bank portal session the statement scanner
// authenticates with. Sessions expire server side, so this is refreshed by
// hand whenever the scanner starts failing.
func UpdateBankSession(c middleware.Context) {
	var req BankSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid session: " + err.Error()})
		return
	}

	tx, err := db.BeginTx(c.Request.Context(), nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to store session"})
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(c.Request.Context(), `DELETE FROM teller.bank_sessions`); err != nil {
		logger.WithError(err).Error("Failed to clear bank sessions")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to store session"})
		return
	}
	if _, err := tx.ExecContext(c.Request.Context(), `
		INSERT INTO teller.bank_sessions (id, session_id, cookie, updated_at)
		VALUES ($1, $2, $3, NOW())
	`, uuid.New().String(), req.SessionID, req.Cookie); err != nil {
		logger.WithError(err).Error("Failed to store bank session")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to store session"})
		return
	}
	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to store session"})
		return
	}

	logger.Info("Replaced bank session")
	c.Status(http.StatusNoContent)
}
