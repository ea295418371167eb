package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/polarpass/teller/pkg/clients"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

const rateCacheTTL = 10 * time.Minute

// coinIDs maps ledger currencies to CoinGecko asset ids.
var coinIDs = map[string]string{
	models.CurrencyTON:  "the-open-network",
	models.CurrencyUSDT: "tether",
}

// RateOracle ingests exchange rate snapshots and answers point-in-time rate
// lookups. Snapshots are append-only; the freshest ones sit in a small TTL
// cache so the bot-facing price endpoints do not hit the database.
type RateOracle struct {
	db         *sql.DB
	logger     logging.Logger
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]

	mu          sync.Mutex
	cached      map[string]float64
	cacheExpiry time.Time
}

// NewRateOracle creates a rate oracle talking to the CoinGecko simple price
// API.
func NewRateOracle(database *sql.DB, log logging.Logger) *RateOracle {
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "rates",
		Logger: log,
	})
	return &RateOracle{
		db:         database,
		logger:     log,
		baseURL:    "https://api.coingecko.com/api/v3",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		executor:   clients.NewHTTPExecutor(execCfg),
	}
}

// RefreshRates fetches the current TON and USDT prices in the settlement
// currency and appends one snapshot per currency.
func (ro *RateOracle) RefreshRates(ctx context.Context) error {
	reqURL := ro.baseURL + "/simple/price?ids=the-open-network,tether&vs_currencies=rub"

	resp, err := clients.ExecuteHTTP(ctx, ro.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		return ro.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rates API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read rates response: %w", err)
	}

	var parsed map[string]map[string]float64
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("failed to parse rates response: %w", err)
	}

	now := time.Now().UnixMilli()
	fresh := make(map[string]float64, len(coinIDs))
	for currency, coinID := range coinIDs {
		price, ok := parsed[coinID]["rub"]
		if !ok || price <= 0 {
			ro.logger.WithField("currency", currency).Warn("Rates response missing currency")
			continue
		}
		if _, err := ro.db.ExecContext(ctx, `
			INSERT INTO teller.exchange_rates (date, currency, price, price_currency)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (date, currency, price_currency) DO NOTHING
		`, now, currency, price, models.CurrencyRUB); err != nil {
			return fmt.Errorf("failed to store rate snapshot: %w", err)
		}
		fresh[currency] = price
	}

	if len(fresh) > 0 {
		ro.mu.Lock()
		ro.cached = fresh
		ro.cacheExpiry = time.Now().Add(rateCacheTTL)
		ro.mu.Unlock()
	}

	ro.logger.WithField("currencies", len(fresh)).Debug("Refreshed exchange rates")
	return nil
}

// Current returns the cached rate into the settlement currency, falling back
// to the latest stored snapshot when the cache has lapsed.
func (ro *RateOracle) Current(ctx context.Context, currency string) (float64, error) {
	if currency == models.CurrencyRUB {
		return 1, nil
	}

	ro.mu.Lock()
	if time.Now().Before(ro.cacheExpiry) {
		if price, ok := ro.cached[currency]; ok {
			ro.mu.Unlock()
			return price, nil
		}
	}
	ro.mu.Unlock()

	rate, ok, err := ro.PriceAt(ctx, currency, models.CurrencyRUB, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no rate snapshot for %s", currency)
	}
	return rate, nil
}

// PriceAt returns the latest snapshot at-or-before the given unix-millis
// moment for the from/to pair, and whether one exists.
func (ro *RateOracle) PriceAt(ctx context.Context, from, to string, atOrBefore int64) (float64, bool, error) {
	if from == to {
		return 1, true, nil
	}
	var rate float64
	err := ro.db.QueryRowContext(ctx, `
		SELECT price FROM teller.exchange_rates
		WHERE currency = $1 AND price_currency = $2 AND date <= $3
		ORDER BY date DESC
		LIMIT 1
	`, from, to, atOrBefore).Scan(&rate)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rate, true, nil
}
