package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

// PurchaseService sells and renews access keys. Every mutation runs inside a
// single database transaction with the account row locked for the whole
// decision, so the balance check and the debit cannot interleave with a
// concurrent settlement or another purchase.
type PurchaseService struct {
	db           *sql.DB
	logger       logging.Logger
	provisioners *provisioner.Selector
}

// NewPurchaseService creates a purchase service.
func NewPurchaseService(database *sql.DB, log logging.Logger, sel *provisioner.Selector) *PurchaseService {
	return &PurchaseService{db: database, logger: log, provisioners: sel}
}

// discountedPrice applies a promo code to a price in minor units. The
// discount amount rounds to the nearest integer before it is subtracted;
// free-key codes are exactly zero no matter what their percent field says.
func discountedPrice(price int64, promo models.PromoCode) int64 {
	if promo.IsFreeKey {
		return 0
	}
	discount := int64(math.Round(float64(price) * float64(promo.DiscountPercent) / 100))
	if discount >= price {
		return 0
	}
	return price - discount
}

// Purchase buys a new access key for the account. The provisioning call is
// ordered after all validation but before any persistent write, so a
// provisioning failure leaves no trace and a write failure is the only path
// that can orphan a credential.
func (ps *PurchaseService) Purchase(ctx context.Context, req PurchaseRequest) PurchaseResult {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to begin purchase transaction")
		return PurchaseResult{Code: CodeInternalError}
	}
	defer tx.Rollback()

	balance, code := ps.lockAccount(ctx, tx, req.AccountID)
	if code != CodeOK {
		return PurchaseResult{Code: code}
	}

	tariff, code := ps.loadTariff(ctx, tx, req.TariffID, true)
	if code != CodeOK {
		return PurchaseResult{Code: code}
	}

	price := tariff.Price
	var promo *models.PromoCode
	if req.PromoCode != "" {
		promo, code = ps.loadPromo(ctx, tx, req.AccountID, req.PromoCode)
		if code != CodeOK {
			return PurchaseResult{Code: code}
		}
		price = discountedPrice(price, *promo)
	}

	if balance < price {
		return PurchaseResult{Code: CodeInsufficientFunds, Price: price, Balance: balance}
	}

	prov, err := ps.provisioners.For(req.Protocol)
	if err != nil {
		ps.logger.WithError(err).Error("No provisioner for requested protocol")
		return PurchaseResult{Code: CodeProvisioningFailed, Price: price}
	}
	cred, err := prov.Provision(ctx, req.AccountID, tariff)
	if err != nil {
		ps.logger.WithError(err).WithFields(logging.Fields{
			"account_id": req.AccountID,
			"tariff_id":  tariff.ID,
		}).Error("Provisioning failed")
		return PurchaseResult{Code: CodeProvisioningFailed, Price: price}
	}

	now := time.Now()
	key := models.AccessKey{
		ID:             uuid.New().String(),
		Key:            cred.Key,
		Protocol:       cred.Protocol,
		AccountID:      req.AccountID,
		ServerID:       cred.ServerID,
		TariffID:       tariff.ID,
		ExpirationDays: tariff.ExpirationDays,
		ExpiresAt:      now.AddDate(0, 0, tariff.ExpirationDays),
		Status:         models.KeyStatusActive,
		VPNUsername:    cred.Username,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO teller.access_keys (id, key, protocol, account_id, server_id, tariff_id, expiration_days, expires_at, status, vpn_username, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, key.ID, key.Key, key.Protocol, key.AccountID, key.ServerID, key.TariffID,
		key.ExpirationDays, key.ExpiresAt, key.Status, key.VPNUsername, key.CreatedAt)
	if err != nil {
		ps.logOrphanedCredential(err, req.AccountID, cred, "failed to store access key")
		return PurchaseResult{Code: CodeInternalError}
	}

	if code := ps.writeDebit(ctx, tx, req.AccountID, price, tariff.Name, now); code != CodeOK {
		ps.logOrphanedCredential(fmt.Errorf("debit returned %s", code), req.AccountID, cred, "failed to write debit entry")
		return PurchaseResult{Code: code}
	}

	if promo != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO teller.promocode_usages (id, account_id, promocode_id, used_at)
			VALUES ($1, $2, $3, $4)
		`, uuid.New().String(), req.AccountID, promo.ID, now)
		if err != nil {
			ps.logOrphanedCredential(err, req.AccountID, cred, "failed to record promo usage")
			return PurchaseResult{Code: CodeInternalError}
		}
	}

	if err := tx.Commit(); err != nil {
		ps.logOrphanedCredential(err, req.AccountID, cred, "purchase commit failed")
		return PurchaseResult{Code: CodeInternalError}
	}

	return PurchaseResult{Code: CodeOK, Price: price, Balance: balance - price, Key: &key}
}

// Renew extends an existing key using its stored tariff.
func (ps *PurchaseService) Renew(ctx context.Context, req RenewRequest) PurchaseResult {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to begin renewal transaction")
		return PurchaseResult{Code: CodeInternalError}
	}
	defer tx.Rollback()

	balance, code := ps.lockAccount(ctx, tx, req.AccountID)
	if code != CodeOK {
		return PurchaseResult{Code: code}
	}

	var key models.AccessKey
	err = tx.QueryRowContext(ctx, `
		SELECT id, key, protocol, account_id, tariff_id, expiration_days, expires_at, status, vpn_username
		FROM teller.access_keys
		WHERE id = $1 AND account_id = $2
	`, req.KeyID, req.AccountID).Scan(
		&key.ID, &key.Key, &key.Protocol, &key.AccountID, &key.TariffID,
		&key.ExpirationDays, &key.ExpiresAt, &key.Status, &key.VPNUsername,
	)
	if err == sql.ErrNoRows {
		return PurchaseResult{Code: CodeKeyNotFound}
	}
	if err != nil {
		ps.logger.WithError(err).Error("Failed to load access key")
		return PurchaseResult{Code: CodeInternalError}
	}

	// a renewal must keep working even if the tariff was retired from sale,
	// so the lookup ignores the active flag and only a missing row is fatal
	tariff, code := ps.loadTariff(ctx, tx, key.TariffID, false)
	if code == CodeTariffNotFound {
		return PurchaseResult{Code: CodeTariffMissing}
	}
	if code != CodeOK {
		return PurchaseResult{Code: code}
	}

	price := tariff.Price
	var promo *models.PromoCode
	if req.PromoCode != "" {
		promo, code = ps.loadPromo(ctx, tx, req.AccountID, req.PromoCode)
		if code != CodeOK {
			return PurchaseResult{Code: code}
		}
		price = discountedPrice(price, *promo)
	}

	if balance < price {
		return PurchaseResult{Code: CodeInsufficientFunds, Price: price, Balance: balance}
	}

	prov, err := ps.provisioners.For(key.Protocol)
	if err == nil {
		err = prov.Renew(ctx, key, tariff)
	}
	if err != nil {
		ps.logger.WithError(err).WithFields(logging.Fields{
			"account_id": req.AccountID,
			"key_id":     key.ID,
		}).Error("Renewal provisioning failed")
		return PurchaseResult{Code: CodeProvisioningFailed, Price: price}
	}

	now := time.Now()
	newExpiry := now.AddDate(0, 0, tariff.ExpirationDays)
	_, err = tx.ExecContext(ctx, `
		UPDATE teller.access_keys SET expires_at = $1, status = $2 WHERE id = $3
	`, newExpiry, models.KeyStatusActive, key.ID)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to update access key expiry")
		return PurchaseResult{Code: CodeInternalError}
	}

	if code := ps.writeDebit(ctx, tx, req.AccountID, price, tariff.Name, now); code != CodeOK {
		return PurchaseResult{Code: code}
	}

	if promo != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO teller.promocode_usages (id, account_id, promocode_id, used_at)
			VALUES ($1, $2, $3, $4)
		`, uuid.New().String(), req.AccountID, promo.ID, now)
		if err != nil {
			ps.logger.WithError(err).Error("Failed to record promo usage")
			return PurchaseResult{Code: CodeInternalError}
		}
	}

	if err := tx.Commit(); err != nil {
		ps.logger.WithError(err).WithFields(logging.Fields{
			"account_id": req.AccountID,
			"key_id":     key.ID,
		}).Error("Renewal commit failed after provisioning, credential extended but not billed")
		return PurchaseResult{Code: CodeInternalError}
	}

	key.ExpiresAt = newExpiry
	key.Status = models.KeyStatusActive
	return PurchaseResult{Code: CodeOK, Price: price, Balance: balance - price, Key: &key}
}

// PriceWithPromo computes the discounted price without buying anything.
func (ps *PurchaseService) PriceWithPromo(ctx context.Context, req PriceRequest) PriceResult {
	var exists bool
	err := ps.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM teller.accounts WHERE id = $1)`, req.AccountID,
	).Scan(&exists)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to check account")
		return PriceResult{Code: CodeInternalError}
	}
	if !exists {
		return PriceResult{Code: CodeAccountNotFound}
	}

	var price int64
	err = ps.db.QueryRowContext(ctx,
		`SELECT price FROM teller.tariffs WHERE id = $1 AND active = true`, req.TariffID,
	).Scan(&price)
	if err == sql.ErrNoRows {
		return PriceResult{Code: CodeTariffNotFound}
	}
	if err != nil {
		ps.logger.WithError(err).Error("Failed to load tariff")
		return PriceResult{Code: CodeInternalError}
	}

	var promo models.PromoCode
	err = ps.db.QueryRowContext(ctx, `
		SELECT id, discount_percent, is_free_key FROM teller.promocodes
		WHERE code = $1 AND active = true
	`, req.PromoCode).Scan(&promo.ID, &promo.DiscountPercent, &promo.IsFreeKey)
	if err == sql.ErrNoRows {
		return PriceResult{Code: CodePromoNotFound}
	}
	if err != nil {
		ps.logger.WithError(err).Error("Failed to load promo code")
		return PriceResult{Code: CodeInternalError}
	}

	var used bool
	err = ps.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM teller.promocode_usages WHERE account_id = $1 AND promocode_id = $2)
	`, req.AccountID, promo.ID).Scan(&used)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to check promo usage")
		return PriceResult{Code: CodeInternalError}
	}
	if used {
		return PriceResult{Code: CodePromoAlreadyUsed}
	}

	return PriceResult{Code: CodeOK, Price: discountedPrice(price, promo)}
}

// lockAccount reads the balance under FOR UPDATE so it stays stable until
// commit.
func (ps *PurchaseService) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (int64, ResultCode) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM teller.accounts WHERE id = $1 FOR UPDATE`, accountID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, CodeAccountNotFound
	}
	if err != nil {
		ps.logger.WithError(err).Error("Failed to lock account row")
		return 0, CodeInternalError
	}
	return balance, CodeOK
}

func (ps *PurchaseService) loadTariff(ctx context.Context, tx *sql.Tx, tariffID string, activeOnly bool) (models.Tariff, ResultCode) {
	query := `SELECT id, name, traffic_gb, expiration_days, price, is_unlimited, active
		FROM teller.tariffs WHERE id = $1`
	if activeOnly {
		query += ` AND active = true`
	}

	var t models.Tariff
	err := tx.QueryRowContext(ctx, query, tariffID).Scan(
		&t.ID, &t.Name, &t.TrafficGB, &t.ExpirationDays, &t.Price, &t.IsUnlimited, &t.Active,
	)
	if err == sql.ErrNoRows {
		return t, CodeTariffNotFound
	}
	if err != nil {
		ps.logger.WithError(err).Error("Failed to load tariff")
		return t, CodeInternalError
	}
	return t, CodeOK
}

func (ps *PurchaseService) loadPromo(ctx context.Context, tx *sql.Tx, accountID, code string) (*models.PromoCode, ResultCode) {
	var promo models.PromoCode
	err := tx.QueryRowContext(ctx, `
		SELECT id, code, discount_percent, is_free_key FROM teller.promocodes
		WHERE code = $1 AND active = true
	`, code).Scan(&promo.ID, &promo.Code, &promo.DiscountPercent, &promo.IsFreeKey)
	if err == sql.ErrNoRows {
		return nil, CodePromoNotFound
	}
	if err != nil {
		ps.logger.WithError(err).Error("Failed to load promo code")
		return nil, CodeInternalError
	}

	var used bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM teller.promocode_usages WHERE account_id = $1 AND promocode_id = $2)
	`, accountID, promo.ID).Scan(&used)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to check promo usage")
		return nil, CodeInternalError
	}
	if used {
		return nil, CodePromoAlreadyUsed
	}
	return &promo, CodeOK
}

// writeDebit appends the debit ledger entry and decrements the balance. The
// decrement keeps the balance >= 0 guard in SQL even though the caller has
// already validated under lock. Purchases have no channel-native id, so the
// entry id comes from a sequence; concurrent purchases never collide on the
// (place, id) key.
func (ps *PurchaseService) writeDebit(ctx context.Context, tx *sql.Tx, accountID string, price int64, tariffName string, now time.Time) ResultCode {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO teller.ledger (id, amount, currency, message, account_id, direction, place, completed, created_at)
		VALUES (nextval('teller.ledger_purchase_seq'), $1, $2, $3, $4, $5, $6, $7, $8)
	`, float64(price), models.CurrencyRUB, tariffName, accountID,
		models.DirectionDebit, models.ChannelPurchase, true, now.UnixMilli())
	if err != nil {
		ps.logger.WithError(err).Error("Failed to write debit ledger entry")
		return CodeInternalError
	}

	if price == 0 {
		return CodeOK
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE teller.accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1
	`, price, accountID)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to debit account balance")
		return CodeInternalError
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return CodeInsufficientFunds
	}
	return CodeOK
}

// logOrphanedCredential records that a credential was provisioned but the
// local writes did not stick. The credential keeps working until an operator
// or the expiry sweep reconciles it.
func (ps *PurchaseService) logOrphanedCredential(err error, accountID string, cred *provisioner.Credential, msg string) {
	ps.logger.WithError(err).WithFields(logging.Fields{
		"account_id":   accountID,
		"vpn_username": cred.Username,
		"protocol":     cred.Protocol,
		"orphaned":     true,
	}).Error("Invariant violation: " + msg)
}
