// Package portfolio is the client for the external portfolio collaborator,
// which owns holdings arithmetic and trade settlement.
package portfolio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/logging"
)

// Typed trade failures. The executor maps these onto action state transitions.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidSymbol      = errors.New("invalid symbol")
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeRequest is a concrete trade at an observed price.
type TradeRequest struct {
	PortfolioID string          `json:"portfolio_id,omitempty"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        TradeSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// Service is the portfolio surface the engine consumes.
type Service interface {
	GetHoldingQuantity(ctx context.Context, portfolioID, symbol string) (decimal.Decimal, error)
	ExecuteTrade(ctx context.Context, req TradeRequest) (string, error)
}

// Client talks to the portfolio service over HTTP with bounded timeouts.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

var _ Service = (*Client)(nil)

func NewClient(cfg config.PortfolioConfig, logger *logging.Logger) *Client {
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

type holdingResponse struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// GetHoldingQuantity returns the current position size for a symbol. Holdings
// are checked at execution time, not creation time, since they may change.
func (c *Client) GetHoldingQuantity(ctx context.Context, portfolioID, symbol string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/v1/portfolios/%s/holdings/%s", c.baseURL, portfolioID, symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build holdings request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("holdings request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return decimal.Zero, nil // no position in this symbol
	default:
		return decimal.Zero, fmt.Errorf("holdings request returned status %d", resp.StatusCode)
	}

	var body holdingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode holdings response: %w", err)
	}
	return body.Quantity, nil
}

type tradeResponse struct {
	OperationID string `json:"operation_id"`
	Error       string `json:"error,omitempty"`
}

// ExecuteTrade submits a trade and returns the resulting operation id.
// Known rejection reasons surface as the package's typed errors.
func (c *Client) ExecuteTrade(ctx context.Context, tr TradeRequest) (string, error) {
	payload, err := json.Marshal(tr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trade request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/trades", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build trade request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("trade request failed: %w", err)
	}
	defer resp.Body.Close()

	var body tradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode trade response: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return body.OperationID, nil
	}

	switch body.Error {
	case "insufficient_funds":
		return "", ErrInsufficientFunds
	case "insufficient_shares":
		return "", ErrInsufficientShares
	case "invalid_symbol":
		return "", ErrInvalidSymbol
	}
	return "", fmt.Errorf("trade rejected with status %d: %s", resp.StatusCode, body.Error)
}
