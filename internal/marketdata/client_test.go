package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.MarketDataConfig{ServiceURL: server.URL, Timeout: 5 * time.Second}, logging.NewNop())
}

func TestGetQuotes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/quotes", r.URL.Path)
		assert.Equal(t, "AAPL,MSFT", r.URL.Query().Get("symbols"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quotes":[
			{"symbol":"AAPL","price":"189.50","as_of":"2026-08-21T15:04:05Z"},
			{"symbol":"MSFT","price":"410.12","as_of":"2026-08-21T15:04:05Z"}
		]}`))
	})

	quotes, err := client.GetQuotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "189.5", quotes["AAPL"].Price.String())
	assert.Equal(t, "410.12", quotes["MSFT"].Price.String())
}

func TestGetQuotesUnknownSymbolAbsent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quotes":[{"symbol":"AAPL","price":"189.50","as_of":"2026-08-21T15:04:05Z"}]}`))
	})

	quotes, err := client.GetQuotes(context.Background(), []string{"AAPL", "NOPE"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	_, ok := quotes["NOPE"]
	assert.False(t, ok)
}

func TestGetQuotesEmptyInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for an empty symbol list")
	})

	quotes, err := client.GetQuotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestGetQuotesServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetQuotes(context.Background(), []string{"AAPL"})
	assert.Error(t, err)
}

func TestIsMarketOpen(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/market/status", r.URL.Path)
		w.Write([]byte(`{"open":true}`))
	})

	open, err := client.IsMarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)
}
