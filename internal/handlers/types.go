package handlers

import "github.com/polarpass/teller/pkg/models"

// ResultCode classifies the outcome of a purchase, renewal or pricing call.
// Callers branch on the code instead of parsing error strings.
type ResultCode string

const (
	CodeOK                 ResultCode = "ok"
	CodeAccountNotFound    ResultCode = "account_not_found"
	CodeTariffNotFound     ResultCode = "tariff_not_found"
	CodePromoNotFound      ResultCode = "promo_not_found"
	CodePromoAlreadyUsed   ResultCode = "promo_already_used"
	CodeInsufficientFunds  ResultCode = "insufficient_funds"
	CodeKeyNotFound        ResultCode = "key_not_found"
	CodeTariffMissing      ResultCode = "tariff_missing"
	CodeProvisioningFailed ResultCode = "provisioning_failed"
	CodeInternalError      ResultCode = "internal_error"
)

// PurchaseResult is the typed outcome of Purchase and Renew. Balance is the
// account balance after the operation, or the current balance when the code
// is insufficient_funds so the caller can show it to the user.
type PurchaseResult struct {
	Code    ResultCode        `json:"code"`
	Price   int64             `json:"price"`
	Balance int64             `json:"balance"`
	Key     *models.AccessKey `json:"key,omitempty"`
}

// PriceResult is the typed outcome of PriceWithPromo.
type PriceResult struct {
	Code  ResultCode `json:"code"`
	Price int64      `json:"price"`
}

// PurchaseRequest is the bot-facing purchase payload.
type PurchaseRequest struct {
	AccountID string          `json:"account_id" binding:"required"`
	TariffID  string          `json:"tariff_id" binding:"required"`
	PromoCode string          `json:"promo_code"`
	Protocol  models.Protocol `json:"protocol"`
}

// RenewRequest is the bot-facing renewal payload.
type RenewRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	KeyID     string `json:"key_id" binding:"required"`
	PromoCode string `json:"promo_code"`
}

// PriceRequest asks for the discounted price of a tariff for an account.
type PriceRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	TariffID  string `json:"tariff_id" binding:"required"`
	PromoCode string `json:"promo_code" binding:"required"`
}

// TopupRequest creates a gateway payment link.
type TopupRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

// TopupResponse carries the redirect URL the customer pays at.
type TopupResponse struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
}

// AdminLoginRequest is the admin login payload.
type AdminLoginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AdminLoginResponse carries the session token for the admin API.
type AdminLoginResponse struct {
	Token string `json:"token"`
}

// TariffRequest creates or updates a tariff.
type TariffRequest struct {
	Name           string `json:"name" binding:"required"`
	TrafficGB      int    `json:"traffic_gb"`
	ExpirationDays int    `json:"expiration_days" binding:"required"`
	Price          int64  `json:"price"`
	IsUnlimited    bool   `json:"is_unlimited"`
	Active         *bool  `json:"active"`
}

// PromoCodeRequest creates or updates a promo code.
type PromoCodeRequest struct {
	Code            string `json:"code" binding:"required"`
	DiscountPercent int    `json:"discount_percent"`
	IsFreeKey       bool   `json:"is_free_key"`
	Active          *bool  `json:"active"`
}

// BankSessionRequest replaces the scraped bank portal session used by the
// bank statement channel.
type BankSessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Cookie    string `json:"cookie" binding:"required"`
}

// ErrorResponse is the uniform error body for HTTP handlers.
type ErrorResponse struct {
	Error string `json:"error"`
}
