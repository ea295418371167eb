package blitz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/pkg/clients"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

// Client provisions hysteria credentials through the Blitz panel API. It
// implements the provisioner interface for the hysteria protocol.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

// Config configures the panel client.
type Config struct {
	APIURL string
	APIKey string
	Logger logging.Logger
}

// NewClient creates a panel client. The /api/v1 suffix is appended when the
// configured URL lacks it.
func NewClient(cfg Config) *Client {
	base := strings.TrimSuffix(cfg.APIURL, "/")
	if !strings.HasSuffix(base, "/api/v1") {
		base += "/api/v1"
	}

	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "blitz",
		Logger: cfg.Logger,
	})

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		executor:   clients.NewHTTPExecutor(execCfg),
		logger:     cfg.Logger,
	}
}

type servicesStatus struct {
	HysteriaServer bool `json:"hysteria_server"`
}

type userURIResponse struct {
	Username  string  `json:"username"`
	IPv4      *string `json:"ipv4"`
	IPv6      *string `json:"ipv6"`
	NormalSub *string `json:"normal_sub"`
	Nodes     []struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	} `json:"nodes"`
	Error *string `json:"error"`
}

// CheckConnection reports whether the hysteria server behind the panel is up.
func (c *Client) CheckConnection(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/server/services/status", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status servicesStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.HysteriaServer
}

// Provision creates a panel user sized for the tariff and returns its
// connection URI.
func (c *Client) Provision(ctx context.Context, accountID string, tariff models.Tariff) (*provisioner.Credential, error) {
	username := uuid.New().String()

	body := map[string]interface{}{
		"username":        username,
		"traffic_limit":   tariff.TrafficGB,
		"expiration_days": tariff.ExpirationDays,
		"unlimited":       tariff.IsUnlimited,
		"note":            accountID,
	}
	resp, err := c.do(ctx, http.MethodPost, "/users/", body)
	if err != nil {
		return nil, err
	}
	if err := drainCheck(resp); err != nil {
		return nil, fmt.Errorf("failed to create panel user: %w", err)
	}

	uri, err := c.userURI(ctx, username)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logging.Fields{
		"account_id": accountID,
		"username":   username,
	}).Info("Provisioned hysteria user")

	return &provisioner.Credential{
		Key:      uri,
		Protocol: models.ProtocolHysteria,
		Username: username,
	}, nil
}

// Renew extends the panel user's validity, resetting its creation date. The
// panel must report a live hysteria server first, otherwise the edit would
// silently extend a dead credential.
func (c *Client) Renew(ctx context.Context, key models.AccessKey, tariff models.Tariff) error {
	if !c.CheckConnection(ctx) {
		return fmt.Errorf("hysteria server is not reachable")
	}

	body := map[string]interface{}{
		"new_expiration_days": tariff.ExpirationDays,
		"new_traffic_limit":   tariff.TrafficGB,
		"renew_creation_date": true,
	}
	resp, err := c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(key.VPNUsername), body)
	if err != nil {
		return err
	}
	if err := drainCheck(resp); err != nil {
		return fmt.Errorf("failed to edit panel user: %w", err)
	}
	return nil
}

// Revoke deletes the panel user.
func (c *Client) Revoke(ctx context.Context, key models.AccessKey) error {
	resp, err := c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(key.VPNUsername), nil)
	if err != nil {
		return err
	}
	if err := drainCheck(resp); err != nil {
		return fmt.Errorf("failed to delete panel user: %w", err)
	}
	return nil
}

func (c *Client) userURI(ctx context.Context, username string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(username)+"/uri", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("panel returned status %d: %s", resp.StatusCode, raw)
	}

	var parsed userURIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse uri response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("panel error: %s", *parsed.Error)
	}

	switch {
	case parsed.NormalSub != nil:
		return *parsed.NormalSub, nil
	case parsed.IPv4 != nil:
		return *parsed.IPv4, nil
	case parsed.IPv6 != nil:
		return *parsed.IPv6, nil
	case len(parsed.Nodes) > 0:
		return parsed.Nodes[0].URI, nil
	}
	return "", fmt.Errorf("panel returned no uri for %s", username)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.apiKey)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("panel request failed: %w", err)
	}
	return resp, nil
}

// drainCheck consumes and closes the body, returning an error on non-2xx.
func drainCheck(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
