// Package priceservice holds the last-known mark price per symbol and
// resolves misses by calling out to an upstream feed. Grounded on the
// map+mutex+stats shape of backend/cache/memory.go, trimmed of the LRU and
// TTL machinery that symbol prices don't need: a price is simply the most
// recent one seen, there is no eviction policy.
package priceservice

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Upstream fetches a symbol's price from wherever the engine's price feed
// lives (an LP adapter, a market-data service). GetFreshPrice calls this on
// a cache miss; the engine itself never calls Upstream directly.
type Upstream interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type quote struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// Service is the PriceService collaborator from spec.md §6. GetPrice is the
// synchronous, allocation-free hot-path read the engine uses on every
// evaluation; GetFreshPrice is the async escape hatch used by callers that
// can tolerate an upstream round trip (e.g. pre-trade validation).
type Service struct {
	mu       sync.RWMutex
	quotes   map[string]quote
	upstream Upstream

	mu2    sync.Mutex
	hits   int64
	misses int64
}

func New(upstream Upstream) *Service {
	return &Service{
		quotes:   make(map[string]quote),
		upstream: upstream,
	}
}

// GetPrice returns the last-known price for symbol and whether one exists.
// Never blocks, never allocates beyond the return value.
func (s *Service) GetPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()

	s.mu2.Lock()
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	s.mu2.Unlock()

	return q.price, ok
}

// SetPrice records a new mark price, overwriting any prior value.
func (s *Service) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.quotes[symbol] = quote{price: price, updatedAt: time.Now()}
	s.mu.Unlock()
}

// GetFreshPrice returns the cached price if present, otherwise calls the
// upstream feed, caches the result, and returns it. Suspension happens only
// here, at a defined await point, never inside GetPrice. Per spec.md §4.1,
// this must never return a price ≤ 0; it fails with ErrPriceUnavailable
// instead, whether the non-positive value came from the cache or upstream.
func (s *Service) GetFreshPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := s.GetPrice(symbol); ok {
		if price.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, ErrPriceUnavailable
		}
		return price, nil
	}
	if s.upstream == nil {
		return decimal.Zero, ErrNoUpstream
	}
	price, err := s.upstream.FetchPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrPriceUnavailable
	}
	s.SetPrice(symbol, price)
	return price, nil
}

// UpdatedAt reports when a symbol's price was last set, for staleness checks.
func (s *Service) UpdatedAt(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q.updatedAt, ok
}

// Stats returns cumulative hit/miss counters for GetPrice.
func (s *Service) Stats() (hits, misses int64) {
	s.mu2.Lock()
	defer s.mu2.Unlock()
	return s.hits, s.misses
}

var ErrNoUpstream = noUpstreamError{}

type noUpstreamError struct{}

func (noUpstreamError) Error() string { return "priceservice: no upstream configured for cache miss" }

var ErrPriceUnavailable = priceUnavailableError{}

type priceUnavailableError struct{}

func (priceUnavailableError) Error() string { return "priceservice: price unavailable (≤ 0)" }
