package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
)

const (
	DefaultURL    = "https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/latest"
	DefaultSymbol = "SOL"
	// DefaultQuery extracts the USD price from a CoinMarketCap quotes response.
	DefaultQuery = ".data[$symbol].quote.USD.price"
)

// Config configures an HTTPQuoter.
type Config struct {
	URL          string
	APIKey       string
	APIKeyHeader string // defaults to X-CMC_PRO_API_KEY
	Symbol       string
	// Query is a jq expression evaluated against the response body with
	// $symbol bound to Symbol. It must yield a single number.
	Query   string
	Timeout time.Duration
}

// HTTPQuoter fetches a spot price from a JSON quote API.
type HTTPQuoter struct {
	cfg    Config
	code   *gojq.Code
	client *http.Client
	logger *slog.Logger
}

// NewHTTPQuoter validates cfg and compiles its query.
func NewHTTPQuoter(cfg Config, logger *slog.Logger) (*HTTPQuoter, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Symbol == "" {
		cfg.Symbol = DefaultSymbol
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-CMC_PRO_API_KEY"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	query, err := gojq.Parse(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid price query %q: %w", cfg.Query, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$symbol"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile price query: %w", err)
	}

	return &HTTPQuoter{
		cfg:    cfg,
		code:   code,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// CurrentPrice fetches the current price of the configured symbol.
func (q *HTTPQuoter) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	u, err := url.Parse(q.cfg.URL)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid quote url: %w", err)
	}
	params := u.Query()
	params.Set("symbol", q.cfg.Symbol)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if q.cfg.APIKey != "" {
		req.Header.Set(q.cfg.APIKeyHeader, q.cfg.APIKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return decimal.Decimal{}, fmt.Errorf("quote service returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to decode quote response: %w", err)
	}

	iter := q.code.RunWithContext(ctx, payload, q.cfg.Symbol)
	v, ok := iter.Next()
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("price query %q produced no value", q.cfg.Query)
	}
	if err, isErr := v.(error); isErr {
		return decimal.Decimal{}, fmt.Errorf("price query failed: %w", err)
	}

	price, err := toDecimal(v)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("quote service returned non-positive price %s", price)
	}

	q.logger.DebugContext(ctx, "fetched reference price",
		"symbol", q.cfg.Symbol,
		"price", price.String(),
	)
	return price, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case *big.Int:
		return decimal.NewFromBigInt(n, 0), nil
	case string:
		return decimal.NewFromString(n)
	case nil:
		return decimal.Decimal{}, fmt.Errorf("price not present in quote response")
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected price type %T", v)
	}
}

// Static always returns the same price.
type Static struct {
	Price decimal.Decimal
}

func (s Static) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	return s.Price, nil
}

// Quoter is anything that can produce a current price.
type Quoter interface {
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

// Cached serves a price for up to ttl before asking the underlying Quoter
// again. Errors are not cached.
type Cached struct {
	next Quoter
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	price     decimal.Decimal
	fetchedAt time.Time
}

func NewCached(next Quoter, ttl time.Duration) *Cached {
	return &Cached{next: next, ttl: ttl, now: time.Now}
}

func (c *Cached) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.price, nil
	}
	p, err := c.next.CurrentPrice(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	c.price = p
	c.fetchedAt = c.now()
	return p, nil
}
