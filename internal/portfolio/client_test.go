package portfolio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.PortfolioConfig{ServiceURL: server.URL, Timeout: 5 * time.Second}, logging.NewNop())
}

func TestGetHoldingQuantity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/portfolios/pf-1/holdings/AAPL", r.URL.Path)
		w.Write([]byte(`{"quantity":"12.5"}`))
	})

	qty, err := client.GetHoldingQuantity(context.Background(), "pf-1", "AAPL")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("12.5")))
}

func TestGetHoldingQuantityNoPosition(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	qty, err := client.GetHoldingQuantity(context.Background(), "pf-1", "AAPL")
	require.NoError(t, err, "an unknown holding is an empty position, not an error")
	assert.True(t, qty.IsZero())
}

func TestExecuteTrade(t *testing.T) {
	var got TradeRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/trades", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"operation_id":"op-77"}`))
	})

	opID, err := client.ExecuteTrade(context.Background(), TradeRequest{
		PortfolioID: "pf-1",
		UserID:      "user-1",
		Symbol:      "AAPL",
		Side:        SideSell,
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(148),
	})
	require.NoError(t, err)
	assert.Equal(t, "op-77", opID)
	assert.Equal(t, SideSell, got.Side)
	assert.Equal(t, "AAPL", got.Symbol)
}

func TestExecuteTradeTypedErrors(t *testing.T) {
	tests := []struct {
		body    string
		wantErr error
	}{
		{`{"error":"insufficient_funds"}`, ErrInsufficientFunds},
		{`{"error":"insufficient_shares"}`, ErrInsufficientShares},
		{`{"error":"invalid_symbol"}`, ErrInvalidSymbol},
	}
	for _, tt := range tests {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(tt.body))
		})

		_, err := client.ExecuteTrade(context.Background(), TradeRequest{Symbol: "AAPL", Side: SideBuy})
		assert.ErrorIs(t, err, tt.wantErr)
	}
}

func TestExecuteTradeUnknownRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"market_halted"}`))
	})

	_, err := client.ExecuteTrade(context.Background(), TradeRequest{Symbol: "AAPL", Side: SideBuy})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market_halted")
}
