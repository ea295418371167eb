package models

import (
	"time"
)

// Direction marks which way money moved on a ledger entry.
type Direction string

const (
	DirectionCredit Direction = "Credit"
	DirectionDebit  Direction = "Debit"
)

// Channel identifies the payment channel a ledger entry came from.
type Channel string

const (
	ChannelTON      Channel = "ton"
	ChannelTBank    Channel = "t_bank"
	ChannelYooKassa Channel = "yookassa"
	ChannelYooMoney Channel = "yoomoney"

	// ChannelPurchase marks debit entries written by the purchase engine,
	// which have no external payment channel.
	ChannelPurchase Channel = "purchase"
)

// Currency codes handled by the ledger. RUB is the settlement currency.
const (
	CurrencyTON  = "TON"
	CurrencyUSDT = "USDT"
	CurrencyRUB  = "RUB"
)

// Account represents a customer account. The account id doubles as the
// correlation tag customers put into payment comments.
type Account struct {
	ID         string    `json:"id" db:"id"`
	Balance    int64     `json:"balance" db:"balance"`
	TelegramID *int64    `json:"telegram_id,omitempty" db:"telegram_id"`
	UserName   *string   `json:"user_name,omitempty" db:"user_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable record of one money movement. Entries are
// created by a channel scanner (credits) or the purchase engine (debits) and
// afterwards only ever have their Completed flag flipped.
type LedgerEntry struct {
	ID        int64     `json:"id" db:"id"` // channel-native sequence (TON logical time, bank operation id)
	Amount    float64   `json:"amount" db:"amount"`
	Currency  string    `json:"currency" db:"currency"`
	Message   *string   `json:"message,omitempty" db:"message"`
	AccountID *string   `json:"account_id,omitempty" db:"account_id"`
	Direction Direction `json:"direction" db:"direction"`
	Place     Channel   `json:"place" db:"place"`
	Completed bool      `json:"completed" db:"completed"`
	CreatedAt int64     `json:"created_at" db:"created_at"` // channel-native ordering key, unix millis
}

// ExchangeRate is one snapshot of a conversion rate. Snapshots form a time
// series; settlement picks the latest snapshot at-or-before an entry's
// created-at.
type ExchangeRate struct {
	Date          int64   `json:"date" db:"date"` // unix millis
	Currency      string  `json:"currency" db:"currency"`
	Price         float64 `json:"price" db:"price"`
	PriceCurrency string  `json:"price_currency" db:"price_currency"`
}

// Tariff represents a purchasable access plan.
type Tariff struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	TrafficGB      int       `json:"traffic_gb" db:"traffic_gb"` // 0 = unlimited
	ExpirationDays int       `json:"expiration_days" db:"expiration_days"`
	Price          int64     `json:"price" db:"price"` // settlement currency, minor units
	IsUnlimited    bool      `json:"is_unlimited" db:"is_unlimited"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// PromoCode represents a discount code. IsFreeKey short-circuits the price
// to zero regardless of DiscountPercent.
type PromoCode struct {
	ID              string    `json:"id" db:"id"`
	Code            string    `json:"code" db:"code"`
	DiscountPercent int       `json:"discount_percent" db:"discount_percent"`
	IsFreeKey       bool      `json:"is_free_key" db:"is_free_key"`
	Active          bool      `json:"active" db:"active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// PromoUsage records one redemption. (account_id, promocode_id) is unique,
// which enforces single use per account per code.
type PromoUsage struct {
	ID          string    `json:"id" db:"id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	PromoCodeID string    `json:"promocode_id" db:"promocode_id"`
	UsedAt      time.Time `json:"used_at" db:"used_at"`
}

// Protocol is the VPN protocol a key was provisioned for.
type Protocol string

const (
	ProtocolXray     Protocol = "xray"
	ProtocolHysteria Protocol = "hysteria"
)

// KeyStatus is the lifecycle state of an access key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusExpired KeyStatus = "expired"
	KeyStatusRevoked KeyStatus = "revoked"
)

// AccessKey is a provisioned VPN credential. Keys are never deleted; the
// expiry sweep flips them to expired and a renewal flips them back.
type AccessKey struct {
	ID             string    `json:"id" db:"id"`
	Key            string    `json:"key" db:"key"` // opaque connection descriptor (vpn:// or hysteria2:// URI)
	Protocol       Protocol  `json:"protocol" db:"protocol"`
	AccountID      string    `json:"account_id" db:"account_id"`
	ServerID       *string   `json:"server_id,omitempty" db:"server_id"`
	TariffID       string    `json:"tariff_id" db:"tariff_id"`
	ExpirationDays int       `json:"expiration_days" db:"expiration_days"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	Status         KeyStatus `json:"status" db:"status"`
	VPNUsername    string    `json:"vpn_username" db:"vpn_username"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// VPNServer is one provisioning host for the xray protocol.
type VPNServer struct {
	ID             string `json:"id" db:"id"`
	Host           string `json:"host" db:"host"`
	Username       string `json:"username" db:"username"`
	Password       string `json:"-" db:"password"`
	XrayPort       string `json:"xray_port" db:"xray_port"`
	XrayServerName string `json:"xray_server_name" db:"xray_server_name"`
}

// GatewayPaymentStatus is the lifecycle state of a gateway top-up.
type GatewayPaymentStatus string

const (
	GatewayPaymentPending GatewayPaymentStatus = "pending"
	GatewayPaymentPaid    GatewayPaymentStatus = "paid"
)

// GatewayPayment is a pending or completed balance top-up created through a
// redirect gateway (YooKassa) or a quickpay link (YooMoney). Label is the
// gateway-side correlation id.
type GatewayPayment struct {
	ID         string               `json:"id" db:"id"`
	AccountID  string               `json:"account_id" db:"account_id"`
	Provider   Channel              `json:"provider" db:"provider"`
	Label      string               `json:"label" db:"label"`
	Amount     int64                `json:"amount" db:"amount"`
	Status     GatewayPaymentStatus `json:"status" db:"status"`
	PaymentURL string               `json:"payment_url" db:"payment_url"`
	CreatedAt  time.Time            `json:"created_at" db:"created_at"`
}

// BankSession holds the scraped bank portal session used by the t_bank
// channel. There is at most one row.
type BankSession struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"-" db:"session_id"`
	Cookie    string    `json:"-" db:"cookie"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
