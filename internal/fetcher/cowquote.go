package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-oracle-aggregator/internal/oracle"
)

const (
	cowQuotePath      = "/quote"
	defaultCowBaseURL = "https://api.cow.fi/mainnet/api/v1"
	cowAppCode        = "oracled"
	zeroAddressHex    = "0x0000000000000000000000000000000000000000"
)

// CowQuoteOptions parameterise a CoW Protocol quote source.
type CowQuoteOptions struct {
	Name         string
	BaseURL      string
	PriceQuality string
	UserAgent    string
	Timeout      time.Duration

	// SellToken is quoted; when zero the observed asset is quoted instead.
	SellToken    common.Address
	SellDecimals uint8
	// Notional is the sell amount in whole SellToken units.
	Notional decimal.Decimal

	// BuyToken is a stablecoin tracking the base currency.
	BuyToken    common.Address
	BuyDecimals uint8

	// Clock stamps quotes; nil reads system time.
	Clock oracle.Clock

	Denomination
}

// CowQuote prices an asset from a CoW Protocol sell quote into a base stablecoin.
type CowQuote struct {
	opts    CowQuoteOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	clock   oracle.Clock
}

// NewCowQuote constructs a CoW quote source.
func NewCowQuote(opts CowQuoteOptions, logger zerolog.Logger) (*CowQuote, error) {
	if err := opts.validate(opts.Name); err != nil {
		return nil, err
	}
	if opts.BuyToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s: buy token required", ErrNotConfigured, opts.Name)
	}
	if opts.Notional.IsZero() {
		opts.Notional = decimal.NewFromInt(1)
	}
	if !opts.Notional.IsPositive() {
		return nil, fmt.Errorf("%w: %s: notional must be greater than zero", ErrNotConfigured, opts.Name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clock := opts.Clock
	if clock == nil {
		clock = oracle.NewSystemClock()
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCowBaseURL
	}

	return &CowQuote{
		opts:    opts,
		logger:  logger.With().Str("component", "cow_quote").Str("source", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		clock:   clock,
	}, nil
}

func (c *CowQuote) Name() string                  { return c.opts.Name }
func (c *CowQuote) BaseCurrency() string          { return c.opts.BaseCurrency() }
func (c *CowQuote) BaseCurrencyUnit() uint256.Int { return c.opts.BaseCurrencyUnit() }

// Observe implements oracle.Source.
func (c *CowQuote) Observe(ctx context.Context, asset common.Address) (oracle.Observation, error) {
	sellToken := c.opts.SellToken
	if sellToken == (common.Address{}) {
		sellToken = asset
	}

	sellAtoms := c.opts.Notional.Shift(int32(c.opts.SellDecimals)).Round(0)
	if sellAtoms.IsZero() {
		return oracle.Observation{}, fmt.Errorf("%s: sell amount rounded to zero", c.opts.Name)
	}

	now := c.clock.Now().UTC()
	reqPayload := quoteRequest{
		SellToken:           sellToken.Hex(),
		BuyToken:            c.opts.BuyToken.Hex(),
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"` + cowAppCode + `","metadata":{}}`,
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(now.Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return oracle.Observation{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return oracle.Observation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", cowAppCode+"/1.0")
	}
	req.Header.Set("X-AppId", cowAppCode)

	resp, err := c.client.Do(req)
	if err != nil {
		return oracle.Observation{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return oracle.Observation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return oracle.Observation{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return oracle.Observation{}, err
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return oracle.Observation{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if !buyAtoms.IsPositive() {
		c.logger.Debug().Str("asset", sellToken.Hex()).Str("buy_amount", quoteRes.Quote.BuyAmount).Msg("quote returned no output")
		return oracle.Observation{UpdatedAt: now}, nil
	}

	price, err := c.unitPrice(buyAtoms.BigInt(), sellAtoms.BigInt())
	if err != nil {
		return oracle.Observation{}, err
	}

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = c.opts.PriceQuality
	}
	c.logger.Debug().Str("asset", sellToken.Hex()).Str("price", price.Dec()).Str("quality", quality).Msg("quote received")

	return oracle.Observation{Price: price, UpdatedAt: now, IsAlive: !price.IsZero()}, nil
}

// unitPrice converts a buy/sell atom ratio into the base unit price of one
// whole sell token.
func (c *CowQuote) unitPrice(buyAtoms, sellAtoms *big.Int) (uint256.Int, error) {
	unit := c.opts.Unit.ToBig()
	num := new(big.Int).Mul(buyAtoms, unit)
	num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.opts.SellDecimals)), nil))
	den := new(big.Int).Mul(sellAtoms, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.opts.BuyDecimals)), nil))

	price, overflow := uint256.FromBig(num.Quo(num, den))
	if overflow {
		return uint256.Int{}, ErrScaleOverflow
	}
	return *price, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		case apiErr.Message != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		case apiErr.ErrorType != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ oracle.Source = (*CowQuote)(nil)
