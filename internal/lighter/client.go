// Package lighter implements the Lighter REST and WebSocket clients.
//
// The REST client (Client) handles the hedge side of every trade:
//   - PlaceOrder:      POST /api/v1/order   — submit a limit order
//   - PlaceAggressive: POST /api/v1/order   — limit order priced through the touch
//   - Position:        GET  /api/v1/account — signed position for the traded market
//   - Balance:         GET  /api/v1/account — available collateral
//   - Flatten:         close whatever position the account holds
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// 5xx errors. When an API private key is configured, orders carry the signed
// integer transaction; otherwise the plain REST shape is sent.
//
// The Stream (stream.go) maintains the order book mirror the aggressive
// pricing reads from.
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/internal/market"
	"edgex-lighter-arb/pkg/types"
)

// Positions smaller than this are dust left by rounding, not worth an order.
var flattenEpsilon = decimal.RequireFromString("0.0001")

var one = decimal.NewFromInt(1)

// Client is the Lighter REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and order signing.
type Client struct {
	http     *resty.Client
	signer   *Signer // nil when no API key is configured
	rl       *RateLimiter
	cfg      config.LighterConfig
	books    *market.Store   // read for aggressive pricing
	slippage decimal.Decimal // price concession when crossing the touch
	logger   *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.LighterConfig, hedgeSlippage decimal.Decimal, books *market.Store, logger *slog.Logger) (*Client, error) {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	var signer *Signer
	if cfg.APIKeyPrivateKey != "" {
		var err error
		signer, err = NewSigner(cfg.APIKeyPrivateKey, cfg.AccountIndex, cfg.APIKeyIndex)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		http:     httpClient,
		signer:   signer,
		rl:       NewRateLimiter(),
		cfg:      cfg,
		books:    books,
		slippage: hedgeSlippage,
		logger:   logger.With("component", "lighter"),
	}, nil
}

// Signed reports whether orders will carry a transaction signature.
func (c *Client) Signed() bool {
	return c.signer != nil
}

// OrderResult describes a successfully submitted order.
type OrderResult struct {
	OrderIndex int64
	TxHash     string
	Side       types.Side
	Size       decimal.Decimal
	Price      decimal.Decimal // final limit price after slippage and tick rounding
}

// orderRequest is the plain REST order shape, used when no API key is set.
type orderRequest struct {
	MarketIndex int    `json:"market_index"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
	Type        string `json:"type"`
}

// signedOrderRequest is the signed transaction shape.
type signedOrderRequest struct {
	TxOrder
	Signature string `json:"signature"`
}

type orderResponse struct {
	OrderIndex int64  `json:"order_index"`
	TxHash     string `json:"tx_hash"`
	Error      string `json:"error"`
}

type accountsResponse struct {
	Accounts []accountState `json:"accounts"`
}

type accountState struct {
	AvailableBalance decimal.Decimal   `json:"available_balance"`
	Positions        []accountPosition `json:"positions"`
}

type accountPosition struct {
	MarketIndex int             `json:"market_index"`
	Size        decimal.Decimal `json:"size"` // unsigned; direction rides in is_long
	IsLong      bool            `json:"is_long"`
}

// PlaceOrder submits a limit order at the given price.
func (c *Client) PlaceOrder(ctx context.Context, side types.Side, size, price decimal.Decimal) (*OrderResult, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var body any
	if c.signer != nil {
		nonce := c.signer.NextNonce()
		tx := TxOrder{
			AccountIndex:     c.cfg.AccountIndex,
			APIKeyIndex:      c.cfg.APIKeyIndex,
			MarketIndex:      c.cfg.MarketIndex,
			ClientOrderIndex: nonce,
			BaseAmount:       size.Mul(c.cfg.AmountMultiplier).IntPart(),
			Price:            price.Mul(c.cfg.PriceMultiplier).IntPart(),
			IsAsk:            side == types.Sell,
			OrderType:        "limit",
			TimeInForce:      "gtc",
			Nonce:            nonce,
		}
		sig, err := c.signer.SignOrder(tx)
		if err != nil {
			return nil, err
		}
		body = signedOrderRequest{TxOrder: tx, Signature: sig}
	} else {
		body = orderRequest{
			MarketIndex: c.cfg.MarketIndex,
			Side:        string(side),
			Size:        types.FormatQuantity(size),
			Price:       types.FormatPrice(price, c.cfg.TickSize),
			Type:        "limit",
		}
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("place order: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != "" {
		return nil, fmt.Errorf("place order: %s", result.Error)
	}

	c.logger.Info("lighter order placed",
		"order_index", result.OrderIndex,
		"side", side,
		"size", size,
		"price", price)

	return &OrderResult{
		OrderIndex: result.OrderIndex,
		TxHash:     result.TxHash,
		Side:       side,
		Size:       size,
		Price:      price,
	}, nil
}

// PlaceAggressive submits a limit order priced through the current touch so
// it fills immediately: buys pay slippage above the ask, sells concede below
// the bid. The price comes from the local book mirror, so the stream must be
// live for this to work.
func (c *Client) PlaceAggressive(ctx context.Context, side types.Side, size decimal.Decimal) (*OrderResult, error) {
	quote, _ := c.books.Top(types.VenueLighter)

	var price decimal.Decimal
	switch side {
	case types.Buy:
		if !quote.Ask.IsPositive() {
			return nil, fmt.Errorf("no ask price available")
		}
		price = quote.Ask.Mul(one.Add(c.slippage))
	case types.Sell:
		if !quote.Bid.IsPositive() {
			return nil, fmt.Errorf("no bid price available")
		}
		price = quote.Bid.Mul(one.Sub(c.slippage))
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}

	return c.PlaceOrder(ctx, side, size, types.RoundToTick(price, c.cfg.TickSize))
}

// Position returns the signed position for the configured market: positive
// long, negative short, zero when the account holds nothing there.
func (c *Client) Position(ctx context.Context) (decimal.Decimal, error) {
	account, err := c.fetchAccount(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if account == nil {
		return decimal.Decimal{}, nil
	}

	for _, pos := range account.Positions {
		if pos.MarketIndex != c.cfg.MarketIndex {
			continue
		}
		if pos.IsLong {
			return pos.Size, nil
		}
		return pos.Size.Neg(), nil
	}
	return decimal.Decimal{}, nil
}

// Balance returns the account's available collateral.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	account, err := c.fetchAccount(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if account == nil {
		return decimal.Decimal{}, nil
	}
	return account.AvailableBalance, nil
}

// Flatten closes the account's position with an aggressive order on the
// opposite side. Dust below flattenEpsilon is left alone.
func (c *Client) Flatten(ctx context.Context) (*OrderResult, error) {
	position, err := c.Position(ctx)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	if position.Abs().LessThan(flattenEpsilon) {
		c.logger.Info("no position to flatten", "position", position)
		return nil, nil
	}

	side := types.Sell
	if position.IsNegative() {
		side = types.Buy
	}
	c.logger.Warn("flattening lighter position", "position", position, "side", side)
	return c.PlaceAggressive(ctx, side, position.Abs())
}

// fetchAccount loads the configured account, or nil when the venue doesn't
// know it yet.
func (c *Client) fetchAccount(ctx context.Context) (*accountState, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result accountsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"by":    "index",
			"value": strconv.Itoa(c.cfg.AccountIndex),
		}).
		SetResult(&result).
		Get("/api/v1/account")
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get account: status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(result.Accounts) == 0 {
		return nil, nil
	}
	return &result.Accounts[0], nil
}
