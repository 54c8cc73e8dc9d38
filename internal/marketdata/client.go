// Package marketdata is the client for the external market-data collaborator.
// Quotes are always fetched in batches, never one call per action.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/logging"
)

// Quote is a single symbol price observation.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// Service is the market-data surface the engine consumes.
type Service interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}

// Client talks to the market-data service over HTTP with bounded timeouts.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

var _ Service = (*Client)(nil)

func NewClient(cfg config.MarketDataConfig, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type quotesResponse struct {
	Quotes []Quote `json:"quotes"`
}

// GetQuotes fetches current prices for the given symbols in one call.
// Symbols the service does not know are simply absent from the result.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/quotes?symbols=%s",
		c.baseURL, url.QueryEscape(strings.Join(symbols, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build quotes request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quotes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quotes request returned status %d", resp.StatusCode)
	}

	var body quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode quotes response: %w", err)
	}

	quotes := make(map[string]Quote, len(body.Quotes))
	for _, q := range body.Quotes {
		quotes[q.Symbol] = q
	}
	return quotes, nil
}

type marketStatusResponse struct {
	Open bool `json:"open"`
}

// IsMarketOpen reports whether the market is currently trading. The scheduler
// shortens its cycle interval while open.
func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/market/status", nil)
	if err != nil {
		return false, fmt.Errorf("failed to build market status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("market status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("market status request returned status %d", resp.StatusCode)
	}

	var body marketStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode market status response: %w", err)
	}
	return body.Open, nil
}
