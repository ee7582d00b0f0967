package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hunch-copytrader/models"
	"hunch-copytrader/storage"

	"github.com/sirupsen/logrus"
)

// MarketAccounts holds the outcome assets of a market for one settlement asset
type MarketAccounts struct {
	YesMint      string `json:"yesMint"`
	NoMint       string `json:"noMint"`
	MarketLedger string `json:"marketLedger,omitempty"`
}

// Market is the market metadata returned by the markets API
type Market struct {
	Ticker      string                    `json:"ticker"`
	EventTicker string                    `json:"eventTicker"`
	Status      string                    `json:"status"`
	Accounts    map[string]MarketAccounts `json:"accounts"`
}

// OutcomeResolver maps a market side to its tradable asset
type OutcomeResolver interface {
	ResolveOutcomeAsset(ctx context.Context, marketTicker string, side models.Side) (string, error)
}

// MarketClient reads market metadata and resolves outcome assets
type MarketClient struct {
	baseURL         string
	settlementAsset string
	httpClient      *http.Client
	cache           storage.AssetCache
	logger          *logrus.Entry
}

// NewMarketClient creates a market metadata client. cache may be nil.
func NewMarketClient(baseURL, settlementAsset string, cache storage.AssetCache, logger *logrus.Logger) *MarketClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MarketClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		settlementAsset: settlementAsset,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		cache:           cache,
		logger:          logger.WithField("component", "markets"),
	}
}

// GetMarket fetches market metadata by ticker
func (c *MarketClient) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/market/"+url.PathEscape(ticker), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("get market %s: %w", ticker, ErrAssetNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get market", resp)
	}

	var market Market
	if err := json.NewDecoder(resp.Body).Decode(&market); err != nil {
		return nil, fmt.Errorf("failed to decode market: %w", err)
	}
	return &market, nil
}

// ResolveOutcomeAsset returns the asset id for the given side of a market,
// settled in the configured settlement asset
func (c *MarketClient) ResolveOutcomeAsset(ctx context.Context, marketTicker string, side models.Side) (string, error) {
	if !side.Valid() {
		return "", fmt.Errorf("resolve outcome asset: invalid side %q", side)
	}

	if c.cache != nil {
		asset, err := c.cache.GetCachedAsset(ctx, marketTicker, side)
		if err != nil {
			c.logger.WithError(err).WithField("market_ticker", marketTicker).Warn("asset cache read failed")
		} else if asset != "" {
			return asset, nil
		}
	}

	market, err := c.GetMarket(ctx, marketTicker)
	if err != nil {
		return "", err
	}

	accounts, ok := market.Accounts[c.settlementAsset]
	if !ok {
		return "", fmt.Errorf("market %s has no accounts for settlement asset: %w", marketTicker, ErrAssetNotFound)
	}
	asset := accounts.YesMint
	if side == models.SideNo {
		asset = accounts.NoMint
	}
	if asset == "" {
		return "", fmt.Errorf("market %s has no %s asset: %w", marketTicker, side, ErrAssetNotFound)
	}

	if c.cache != nil {
		if err := c.cache.CacheAsset(ctx, marketTicker, side, asset); err != nil {
			c.logger.WithError(err).WithField("market_ticker", marketTicker).Warn("asset cache write failed")
		}
	}
	return asset, nil
}
