package tonchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/polarpass/teller/internal/toncell"
	"github.com/polarpass/teller/pkg/clients"
	"github.com/polarpass/teller/pkg/logging"
)

// RawMessage is one inbound or outbound message of a chain transaction.
type RawMessage struct {
	Source      string
	Destination string
	Value       *big.Int
	Body        *toncell.Cell
	Text        string
}

// RawTransaction is a chain transaction with its message envelopes decoded.
type RawTransaction struct {
	LogicalTime uint64
	Hash        string
	Now         int64
	InMessage   *RawMessage
	OutMessages []RawMessage
}

// Client fetches wallet transactions from a toncenter-compatible HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

// ClientConfig configures the chain API client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  logging.Logger
}

// NewClient creates a chain API client with retry and circuit breaker policies.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://toncenter.com/api/v2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "tonchain",
		Logger: cfg.Logger,
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		executor:   clients.NewHTTPExecutor(execCfg),
		logger:     cfg.Logger,
	}
}

type apiMessageData struct {
	Type string `json:"@type"`
	Body string `json:"body"`
	Text string `json:"text"`
}

type apiMessage struct {
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	Value       string         `json:"value"`
	MsgData     apiMessageData `json:"msg_data"`
}

type apiTransaction struct {
	TransactionID struct {
		LT   string `json:"lt"`
		Hash string `json:"hash"`
	} `json:"transaction_id"`
	UTime   int64        `json:"utime"`
	InMsg   *apiMessage  `json:"in_msg"`
	OutMsgs []apiMessage `json:"out_msgs"`
}

type apiResponse struct {
	OK     bool             `json:"ok"`
	Result []apiTransaction `json:"result"`
	Error  string           `json:"error"`
}

// GetTransactions fetches up to limit recent transactions for the wallet.
func (c *Client) GetTransactions(ctx context.Context, address string, limit int) ([]RawTransaction, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("archival", "true")
	reqURL := c.baseURL + "/getTransactions?" + q.Encode()

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain transactions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain API response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chain API response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("chain API error: %s", parsed.Error)
	}

	txs := make([]RawTransaction, 0, len(parsed.Result))
	for _, raw := range parsed.Result {
		tx, err := c.convertTransaction(raw)
		if err != nil {
			c.logger.WithFields(logging.Fields{
				"error":   err,
				"tx_hash": raw.TransactionID.Hash,
			}).Warn("Skipping undecodable transaction envelope")
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (c *Client) convertTransaction(raw apiTransaction) (RawTransaction, error) {
	lt, err := strconv.ParseUint(raw.TransactionID.LT, 10, 64)
	if err != nil {
		return RawTransaction{}, fmt.Errorf("bad logical time %q: %w", raw.TransactionID.LT, err)
	}

	tx := RawTransaction{
		LogicalTime: lt,
		Hash:        raw.TransactionID.Hash,
		Now:         raw.UTime,
	}
	if raw.InMsg != nil {
		msg, err := convertMessage(*raw.InMsg)
		if err != nil {
			return RawTransaction{}, err
		}
		tx.InMessage = &msg
	}
	// a bad companion message only loses its own payload, never the
	// transaction it rode in on
	for _, out := range raw.OutMsgs {
		msg, err := convertMessage(out)
		if err != nil {
			c.logger.WithFields(logging.Fields{
				"error":   err,
				"tx_hash": raw.TransactionID.Hash,
			}).Warn("Skipping undecodable companion message")
			continue
		}
		tx.OutMessages = append(tx.OutMessages, msg)
	}
	return tx, nil
}

func convertMessage(raw apiMessage) (RawMessage, error) {
	msg := RawMessage{
		Source:      raw.Source,
		Destination: raw.Destination,
		Value:       big.NewInt(0),
	}
	if raw.Value != "" {
		v, ok := new(big.Int).SetString(raw.Value, 10)
		if !ok {
			return RawMessage{}, fmt.Errorf("bad message value %q", raw.Value)
		}
		msg.Value = v
	}

	switch raw.MsgData.Type {
	case "msg.dataText":
		text, err := base64.StdEncoding.DecodeString(raw.MsgData.Text)
		if err != nil {
			return RawMessage{}, fmt.Errorf("bad text payload: %w", err)
		}
		msg.Text = string(text)
	case "msg.dataRaw":
		if raw.MsgData.Body == "" {
			break
		}
		boc, err := base64.StdEncoding.DecodeString(raw.MsgData.Body)
		if err != nil {
			return RawMessage{}, fmt.Errorf("bad raw payload: %w", err)
		}
		cell, err := toncell.FromBOC(boc)
		if err != nil {
			return RawMessage{}, fmt.Errorf("bad message body: %w", err)
		}
		msg.Body = cell
	}
	return msg, nil
}
