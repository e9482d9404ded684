// Package quote resolves spot USD prices for native chain assets.
// Prices come from the CoinGecko simple price API and are cached
// briefly so a burst of payment verifications does not hammer the
// upstream. An optional Redis layer shares the cache across replicas.
package quote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/crashsignal/portal/internal/app/metrics"
	"github.com/crashsignal/portal/internal/errors"
	"github.com/crashsignal/portal/pkg/logger"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	defaultTTL     = 60 * time.Second
	requestTimeout = 10 * time.Second
)

type cachedPrice struct {
	usd       float64
	fetchedAt time.Time
}

// Service fetches and caches spot prices keyed by CoinGecko asset ID.
type Service struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
	redis      *redis.Client
	log        *logger.Logger

	mu    sync.Mutex
	cache map[string]cachedPrice

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL points the service at a different price API, mainly for
// tests.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = u }
}

// WithTTL overrides the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRedis adds a shared Redis cache in front of the upstream.
func WithRedis(client *redis.Client) Option {
	return func(s *Service) { s.redis = client }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) {
		if hc != nil {
			s.httpClient = hc
		}
	}
}

// New creates a price service. A nil logger falls back to a default
// logger named after the service.
func New(log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("quote")
	}
	s := &Service{
		baseURL:    defaultBaseURL,
		ttl:        defaultTTL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
		cache:      make(map[string]cachedPrice),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpotUSD returns the current USD price for a CoinGecko asset ID,
// serving from cache when the last fetch is fresh enough.
func (s *Service) SpotUSD(ctx context.Context, assetID string) (float64, error) {
	if assetID == "" {
		return 0, errors.PriceUnavailable("", fmt.Errorf("empty asset id"))
	}

	now := s.now()

	s.mu.Lock()
	if entry, ok := s.cache[assetID]; ok && now.Sub(entry.fetchedAt) < s.ttl {
		s.mu.Unlock()
		metrics.RecordPriceLookup("cache", "ok")
		return entry.usd, nil
	}
	s.mu.Unlock()

	if s.redis != nil {
		if usd, ok := s.redisGet(ctx, assetID); ok {
			s.store(assetID, usd, now)
			metrics.RecordPriceLookup("redis", "ok")
			return usd, nil
		}
	}

	usd, err := s.fetch(ctx, assetID)
	if err != nil {
		// A stale local price beats failing the whole verification.
		s.mu.Lock()
		entry, ok := s.cache[assetID]
		s.mu.Unlock()
		if ok {
			s.log.WithError(err).WithField("asset", assetID).Warn("price fetch failed, serving stale cache")
			metrics.RecordPriceLookup("upstream", "stale")
			return entry.usd, nil
		}
		metrics.RecordPriceLookup("upstream", "error")
		return 0, errors.PriceUnavailable(assetID, err)
	}

	s.store(assetID, usd, now)
	if s.redis != nil {
		s.redisSet(ctx, assetID, usd)
	}
	metrics.RecordPriceLookup("upstream", "ok")
	return usd, nil
}

func (s *Service) store(assetID string, usd float64, now time.Time) {
	s.mu.Lock()
	s.cache[assetID] = cachedPrice{usd: usd, fetchedAt: now}
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, assetID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		s.baseURL, url.QueryEscape(assetID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price api status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	usd := gjson.GetBytes(body, assetID+".usd")
	if !usd.Exists() || usd.Float() <= 0 {
		return 0, fmt.Errorf("no usd quote for %s", assetID)
	}
	return usd.Float(), nil
}

func redisKey(assetID string) string {
	return "portal:quote:" + assetID
}

func (s *Service) redisGet(ctx context.Context, assetID string) (float64, bool) {
	raw, err := s.redis.Get(ctx, redisKey(assetID)).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.WithError(err).Warn("redis quote read failed")
		}
		return 0, false
	}
	usd, err := strconv.ParseFloat(raw, 64)
	if err != nil || usd <= 0 {
		return 0, false
	}
	return usd, true
}

func (s *Service) redisSet(ctx context.Context, assetID string, usd float64) {
	if err := s.redis.Set(ctx, redisKey(assetID), strconv.FormatFloat(usd, 'f', -1, 64), s.ttl).Err(); err != nil {
		s.log.WithError(err).Warn("redis quote write failed")
	}
}
