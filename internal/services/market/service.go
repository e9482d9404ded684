// Package market proxies exchange spot prices for the dashboard
// header. Upstream is the Binance public ticker; responses are cached
// for a few seconds because the dashboard polls.
package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/crashsignal/portal/internal/errors"
	"github.com/crashsignal/portal/pkg/logger"
)

const (
	defaultTickerURL = "https://api.binance.com/api/v3/ticker/price"
	defaultTTL       = 15 * time.Second
	requestTimeout   = 10 * time.Second
)

// Prices is the spot price set the dashboard displays.
type Prices struct {
	BTC  float64 `json:"btc"`
	ETH  float64 `json:"eth"`
	USDC float64 `json:"usdc"`
}

// Service fetches and caches exchange spot prices.
type Service struct {
	tickerURL  string
	ttl        time.Duration
	httpClient *http.Client
	log        *logger.Logger

	mu        sync.Mutex
	cached    Prices
	fetchedAt time.Time

	now func() time.Time
}

// New creates a market service. Empty tickerURL and zero ttl fall back
// to defaults.
func New(tickerURL string, ttl time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("market")
	}
	if tickerURL == "" {
		tickerURL = defaultTickerURL
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		tickerURL:  tickerURL,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
		now:        time.Now,
	}
}

// SetHTTPClient overrides the upstream client.
func (s *Service) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		s.httpClient = hc
	}
}

// Spot returns the current BTC/ETH/USDC prices, served from cache when
// fresh.
func (s *Service) Spot(ctx context.Context) (Prices, error) {
	now := s.now()

	s.mu.Lock()
	if !s.fetchedAt.IsZero() && now.Sub(s.fetchedAt) < s.ttl {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	var (
		prices Prices
		err    error
	)
	for _, pair := range []struct {
		symbol string
		out    *float64
	}{
		{"BTCUSDT", &prices.BTC},
		{"ETHUSDT", &prices.ETH},
		{"USDCUSDT", &prices.USDC},
	} {
		if err = s.fetchSymbol(ctx, pair.symbol, pair.out); err != nil {
			break
		}
	}
	if err != nil {
		s.mu.Lock()
		stale := s.cached
		known := !s.fetchedAt.IsZero()
		s.mu.Unlock()
		if known {
			s.log.WithError(err).Warn("ticker fetch failed, serving stale prices")
			return stale, nil
		}
		return Prices{}, errors.Upstream("ticker", err)
	}

	s.mu.Lock()
	s.cached = prices
	s.fetchedAt = now
	s.mu.Unlock()
	return prices, nil
}

func (s *Service) fetchSymbol(ctx context.Context, symbol string, out *float64) error {
	endpoint := fmt.Sprintf("%s?symbol=%s", s.tickerURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%s: %w", symbol, err)
	}
	price := gjson.GetBytes(body, "price")
	if !price.Exists() || price.Float() <= 0 {
		return fmt.Errorf("%s: no price in response", symbol)
	}
	*out = price.Float()
	return nil
}
