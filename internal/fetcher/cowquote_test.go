package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"price-oracle-aggregator/internal/oracle"
)

func newTestCowQuote(t *testing.T, baseURL string) *CowQuote {
	t.Helper()
	c, err := NewCowQuote(CowQuoteOptions{
		Name:         "cow-weth-usdc",
		BaseURL:      baseURL,
		PriceQuality: "optimal",
		UserAgent:    "test",
		Timeout:      time.Second,
		SellDecimals: 18,
		BuyToken:     usdcAddr,
		BuyDecimals:  6,
		Clock:        oracle.ClockFunc(func() time.Time { return observedAt }),
		Denomination: usd8,
	}, noopLogger())
	if err != nil {
		t.Fatalf("new cow quote: %v", err)
	}
	return c
}

func TestCowQuoteMissingBuyToken(t *testing.T) {
	_, err := NewCowQuote(CowQuoteOptions{Name: "cow", Denomination: usd8}, noopLogger())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("missing buy token should fail, got %v", err)
	}
}

func TestCowQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "NoLiquidity"})
	}))
	defer srv.Close()

	_, err := newTestCowQuote(t, srv.URL).Observe(context.Background(), wethAddr)
	if err == nil {
		t.Fatal("HTTP 400 should fail")
	}
}

func TestCowQuoteSuccess(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cowQuotePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]string{
				"sellAmount": "1000000000000000000",
				"buyAmount":  "2000000000",
				"feeAmount":  "0",
			},
			"priceQuality": "verified",
		})
	}))
	defer srv.Close()

	obs, err := newTestCowQuote(t, srv.URL).Observe(context.Background(), wethAddr)
	if err != nil {
		t.Fatalf("successful quote should not fail: %v", err)
	}
	if !obs.IsAlive || obs.Price.Uint64() != 2_000_00000000 {
		t.Fatalf("expected 2000 USD, got %s alive=%v", obs.Price.Dec(), obs.IsAlive)
	}
	if !obs.UpdatedAt.Equal(observedAt) {
		t.Fatalf("quote should be stamped now, got %s", obs.UpdatedAt)
	}
	if common.HexToAddress(got.SellToken) != wethAddr {
		t.Fatalf("observed asset should be sold, got %s", got.SellToken)
	}
	if got.SellAmountBeforeFee != "1000000000000000000" {
		t.Fatalf("expected one whole token sold, got %s", got.SellAmountBeforeFee)
	}
}

func TestCowQuoteZeroOutputNotAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"quote": map[string]string{"buyAmount": "0"}})
	}))
	defer srv.Close()

	obs, err := newTestCowQuote(t, srv.URL).Observe(context.Background(), wethAddr)
	if err != nil {
		t.Fatalf("zero quote is not an error: %v", err)
	}
	if obs.IsAlive {
		t.Fatal("zero quote should not be alive")
	}
}
