package yookassa

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/pkg/clients"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

// Client creates redirect payments at the YooKassa gateway and settles them
// when the webhook arrives. The gateway payment id doubles as the label the
// webhook is matched back by.
type Client struct {
	db         *sql.DB
	logger     logging.Logger
	shopID     string
	secretKey  string
	returnURL  string
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
}

// Config configures the gateway client.
type Config struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	Logger    logging.Logger
}

// NewClient creates a gateway client.
func NewClient(database *sql.DB, cfg Config) *Client {
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "yookassa",
		Logger: cfg.Logger,
	})
	return &Client{
		db:         database,
		logger:     cfg.Logger,
		shopID:     cfg.ShopID,
		secretKey:  cfg.SecretKey,
		returnURL:  cfg.ReturnURL,
		baseURL:    "https://api.yookassa.ru",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor:   clients.NewHTTPExecutor(execCfg),
	}
}

// Configured reports whether gateway credentials are present. Topups through
// this channel are refused when they are not.
func (c *Client) Configured() bool {
	return c.shopID != "" && c.secretKey != ""
}

type paymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// WebhookPayload is the gateway's webhook notification body.
type WebhookPayload struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata struct {
			AccountID string `json:"account_id"`
		} `json:"metadata"`
	} `json:"object"`
}

// CreatePayment registers a redirect payment for the amount (whole rubles)
// and stores the pending row the webhook later resolves.
func (c *Client) CreatePayment(ctx context.Context, accountID string, amount int64) (*models.GatewayPayment, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("yookassa credentials not configured")
	}

	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM teller.accounts WHERE id = $1)`, accountID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check account: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("account %s not found", accountID)
	}

	body, err := json.Marshal(map[string]interface{}{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%d.00", amount),
			"currency": models.CurrencyRUB,
		},
		"capture":     true,
		"description": "Balance topup " + accountID,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": c.returnURL,
		},
		"metadata": map[string]string{
			"account_id": accountID,
		},
	})
	if err != nil {
		return nil, err
	}

	idempotenceKey := uuid.New().String()
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(c.shopID+":"+c.secretKey))

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/payments", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", idempotenceKey)
		req.Header.Set("Authorization", auth)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, raw)
	}

	var payment paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to parse gateway response: %w", err)
	}
	if payment.ID == "" || payment.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("gateway response missing payment id or confirmation url")
	}

	gp := &models.GatewayPayment{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Provider:   models.ChannelYooKassa,
		Label:      payment.ID,
		Amount:     amount,
		Status:     models.GatewayPaymentPending,
		PaymentURL: payment.Confirmation.ConfirmationURL,
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO teller.gateway_payments (id, account_id, provider, label, amount, status, payment_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, gp.ID, gp.AccountID, gp.Provider, gp.Label, gp.Amount, gp.Status, gp.PaymentURL)
	if err != nil {
		return nil, fmt.Errorf("failed to store gateway payment: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"payment_id": payment.ID,
		"amount":     amount,
	}).Info("Created gateway payment")
	return gp, nil
}

// HandleWebhook settles a succeeded payment: the pending row is flipped to
// paid, the balance is credited and a completed ledger entry is written, all
// in one transaction. Duplicate deliveries find no pending row and are
// no-ops.
func (c *Client) HandleWebhook(ctx context.Context, payload WebhookPayload) error {
	if payload.Event != "payment.succeeded" || payload.Object.Status != "succeeded" {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		rowID     string
		accountID string
		amount    int64
		status    models.GatewayPaymentStatus
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, account_id, amount, status FROM teller.gateway_payments
		WHERE label = $1 AND provider = $2
		FOR UPDATE
	`, payload.Object.ID, models.ChannelYooKassa).Scan(&rowID, &accountID, &amount, &status)
	if err == sql.ErrNoRows {
		c.logger.WithField("payment_id", payload.Object.ID).Warn("Webhook for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}
	if status != models.GatewayPaymentPending {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE teller.accounts SET balance = balance + $1 WHERE id = $2
	`, amount, accountID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	label := payload.Object.ID
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO teller.ledger (id, amount, currency, message, account_id, direction, place, completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (place, id) DO NOTHING
	`, ledger.ExternalID(label), float64(amount), models.CurrencyRUB, label, accountID,
		models.DirectionCredit, models.ChannelYooKassa, true, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE teller.gateway_payments SET status = $1 WHERE id = $2
	`, models.GatewayPaymentPaid, rowID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	c.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"payment_id": payload.Object.ID,
		"amount":     amount,
	}).Info("Settled gateway payment")
	return nil
}
