package yoomoney

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/pkg/clients"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

const quickpayURL = "https://yoomoney.ru/quickpay/confirm.xml"

// Client builds quickpay links for wallet top-ups and polls the wallet's
// operation history to settle them. Settlement is matched by the label
// embedded in the quickpay URL.
type Client struct {
	db         *sql.DB
	logger     logging.Logger
	wallet     string
	token      string
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
}

// Config configures the wallet client. Wallet is the receiver account
// number, Token an operation-history access token for that wallet.
type Config struct {
	Wallet string
	Token  string
	Logger logging.Logger
}

// NewClient creates a wallet client.
func NewClient(database *sql.DB, cfg Config) *Client {
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "yoomoney",
		Logger: cfg.Logger,
	})
	return &Client{
		db:         database,
		logger:     cfg.Logger,
		wallet:     cfg.Wallet,
		token:      cfg.Token,
		baseURL:    "https://yoomoney.ru",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor:   clients.NewHTTPExecutor(execCfg),
	}
}

// Configured reports whether the wallet credentials are present.
func (c *Client) Configured() bool {
	return c.wallet != "" && c.token != ""
}

// CreatePayment builds a quickpay link for the amount (whole rubles) and
// stores the pending row the history poller later resolves. No gateway call
// happens here, the link is static.
func (c *Client) CreatePayment(ctx context.Context, accountID string, amount int64) (*models.GatewayPayment, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("yoomoney credentials not configured")
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

	label := uuid.New().String()
	params := url.Values{}
	params.Set("receiver", c.wallet)
	params.Set("quickpay-form", "shop")
	params.Set("sum", strconv.FormatInt(amount, 10))
	params.Set("targets", "Balance topup")
	params.Set("paymentType", "SB")
	params.Set("label", label)

	gp := &models.GatewayPayment{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Provider:   models.ChannelYooMoney,
		Label:      label,
		Amount:     amount,
		Status:     models.GatewayPaymentPending,
		PaymentURL: quickpayURL + "?" + params.Encode(),
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
		"label":      label,
		"amount":     amount,
	}).Info("Created quickpay link")
	return gp, nil
}

type operation struct {
	OperationID string  `json:"operation_id"`
	Status      string  `json:"status"`
	Direction   string  `json:"direction"`
	Amount      float64 `json:"amount"`
	Label       string  `json:"label"`
}

type historyResponse struct {
	Operations []operation `json:"operations"`
	Error      string      `json:"error"`
}

// Poll fetches recent wallet operations and settles every incoming
// successful one whose label matches a pending payment. Already settled
// operations find no pending row and are skipped.
func (c *Client) Poll(ctx context.Context) error {
	if !c.Configured() {
		return nil
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/operation-history",
			strings.NewReader(url.Values{"records": {"100"}}.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+c.token)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("history returned status %d: %s", resp.StatusCode, raw)
	}

	var history historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return fmt.Errorf("failed to parse history response: %w", err)
	}
	if history.Error != "" {
		return fmt.Errorf("history error: %s", history.Error)
	}

	for _, op := range history.Operations {
		if op.Direction != "in" || op.Status != "success" || op.Label == "" {
			continue
		}
		if err := c.settle(ctx, op); err != nil {
			c.logger.WithFields(logging.Fields{
				"operation_id": op.OperationID,
				"label":        op.Label,
				"error":        err.Error(),
			}).Error("Failed to settle wallet operation")
		}
	}
	return nil
}

// settle credits the pending payment matched by the operation's label. The
// pending-status guard makes repeated sightings of the same operation
// no-ops.
func (c *Client) settle(ctx context.Context, op operation) error {
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
	`, op.Label, models.ChannelYooMoney).Scan(&rowID, &accountID, &amount, &status)
	if err == sql.ErrNoRows {
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
	entryID, err := strconv.ParseInt(op.OperationID, 10, 64)
	if err != nil {
		entryID = ledger.ExternalID(op.Label)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO teller.ledger (id, amount, currency, message, account_id, direction, place, completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (place, id) DO NOTHING
	`, entryID, float64(amount), models.CurrencyRUB, op.Label, accountID,
		models.DirectionCredit, models.ChannelYooMoney, true, now); err != nil {
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
		"account_id":   accountID,
		"operation_id": op.OperationID,
		"amount":       amount,
	}).Info("Settled wallet payment")
	return nil
}
