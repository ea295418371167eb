package tbank

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/pkg/clients"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

// The portal only answers requests that look like its own web client.
const (
	appName    = "supreme"
	appVersion = "release-2.47.185-repeat-10e75457"

	// operations before this moment belong to the pre-launch account history
	watermarkFloor = 1767225600000
)

// Client reads account operations from the bank portal using a scraped
// browser session. The session row is stored in the database and refreshed
// out of band.
type Client struct {
	db         *sql.DB
	logger     logging.Logger
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
}

// NewClient creates a bank portal client.
func NewClient(database *sql.DB, log logging.Logger) *Client {
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "tbank",
		Logger: log,
	})
	return &Client{
		db:         database,
		logger:     log,
		baseURL:    "https://www.tbank.ru",
		httpClient: &http.Client{Timeout: 20 * time.Second},
		executor:   clients.NewHTTPExecutor(execCfg),
	}
}

type operation struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Amount struct {
		Value float64 `json:"value"`
	} `json:"amount"`
	Message       string `json:"message"`
	OperationTime struct {
		Milliseconds int64 `json:"milliseconds"`
	} `json:"operationTime"`
}

type operationsResponse struct {
	ResultCode string      `json:"resultCode"`
	Payload    []operation `json:"payload"`
}

// Operations fetches account operations starting at the given unix-millis
// moment.
func (c *Client) Operations(ctx context.Context, start int64) ([]operation, error) {
	session, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("appName", appName)
	q.Set("appVersion", appVersion)
	q.Set("sessionid", session.SessionID)
	q.Set("start", strconv.FormatInt(start, 10))
	reqURL := c.baseURL + "/api/common/v1/operations?" + q.Encode()

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		c.setBrowserHeaders(req, session.Cookie)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bank operations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bank portal returned status %d, session likely expired", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bank response: %w", err)
	}

	var parsed operationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse bank response: %w", err)
	}
	if parsed.ResultCode != "OK" {
		return nil, fmt.Errorf("bank portal result code %q, session likely expired", parsed.ResultCode)
	}
	return parsed.Payload, nil
}

func (c *Client) session(ctx context.Context) (models.BankSession, error) {
	var s models.BankSession
	err := c.db.QueryRowContext(ctx,
		`SELECT id, session_id, cookie FROM teller.bank_sessions ORDER BY updated_at DESC LIMIT 1`,
	).Scan(&s.ID, &s.SessionID, &s.Cookie)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("no bank session stored")
	}
	if err != nil {
		return s, fmt.Errorf("failed to load bank session: %w", err)
	}
	return s, nil
}

func (c *Client) setBrowserHeaders(req *http.Request, cookie string) {
	req.Header.Set("accept", "*/*")
	req.Header.Set("accept-language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("priority", "u=1, i")
	req.Header.Set("sec-ch-ua", `"Not(A:Brand";v="8", "Chromium";v="144", "Google Chrome";v="144"`)
	req.Header.Set("sec-ch-ua-mobile", "?1")
	req.Header.Set("sec-ch-ua-model", `"Nexus 5"`)
	req.Header.Set("sec-ch-ua-platform", `"Android"`)
	req.Header.Set("sec-fetch-dest", "empty")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("sec-fetch-site", "same-origin")
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Referer", c.baseURL+"/mybank/operations/")
}

// Scanner turns bank operations into ledger entries.
type Scanner struct {
	client *Client
	store  *ledger.Store
	logger logging.Logger
}

// NewScanner creates a bank channel scanner.
func NewScanner(client *Client, store *ledger.Store, log logging.Logger) *Scanner {
	return &Scanner{client: client, store: store, logger: log}
}

// Scan fetches operations newer than the channel's time watermark and
// appends them to the ledger.
func (s *Scanner) Scan(ctx context.Context) error {
	watermark, err := s.store.TimeWatermark(ctx, models.ChannelTBank, watermarkFloor)
	if err != nil {
		return err
	}

	ops, err := s.client.Operations(ctx, watermark+1)
	if err != nil {
		return err
	}

	var entries []models.LedgerEntry
	for _, op := range ops {
		if op.OperationTime.Milliseconds <= watermark {
			continue
		}
		var direction models.Direction
		switch op.Type {
		case "Credit":
			direction = models.DirectionCredit
		case "Debit":
			direction = models.DirectionDebit
		default:
			s.logger.WithFields(logging.Fields{
				"operation_id": op.ID,
				"type":         op.Type,
			}).Warn("Skipping bank operation of unknown type")
			continue
		}

		id, err := strconv.ParseInt(op.ID, 10, 64)
		if err != nil {
			s.logger.WithError(err).WithField("operation_id", op.ID).Warn("Skipping bank operation with non-numeric id")
			continue
		}

		accountID, err := s.store.ResolveAccount(ctx, op.Message)
		if err != nil {
			return err
		}

		var message *string
		if op.Message != "" {
			msg := op.Message
			message = &msg
		}

		entries = append(entries, models.LedgerEntry{
			ID:        id,
			Amount:    op.Amount.Value,
			Currency:  models.CurrencyRUB,
			Message:   message,
			AccountID: accountID,
			Direction: direction,
			Place:     models.ChannelTBank,
			Completed: false,
			CreatedAt: op.OperationTime.Milliseconds,
		})
	}

	if len(entries) == 0 {
		return nil
	}
	if err := s.store.InsertBatch(ctx, entries); err != nil {
		return err
	}

	s.logger.WithField("entries", len(entries)).Info("Recorded new bank operations")
	return nil
}
