package subrav

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultRateCacheTTL is how long a fetched asset price stays fresh.
const DefaultRateCacheTTL = time.Minute

type rateCacheEntry struct {
	price   *big.Int
	fetched time.Time
}

// OracleRateProvider is a RateProvider backed by the contract's price oracle,
// with a TTL cache in front. A failed oracle query falls back to the stale
// cached price rather than failing settlement.
type OracleRateProvider struct {
	contract ContractClient
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]rateCacheEntry
}

// RateOption configures an OracleRateProvider.
type RateOption func(*OracleRateProvider)

// WithRateCacheTTL overrides the price cache TTL.
func WithRateCacheTTL(ttl time.Duration) RateOption {
	return func(p *OracleRateProvider) { p.ttl = ttl }
}

// NewOracleRateProvider creates a provider over the contract oracle.
func NewOracleRateProvider(contract ContractClient, opts ...RateOption) (*OracleRateProvider, error) {
	if contract == nil {
		return nil, fmt.Errorf("contract client is required")
	}
	p := &OracleRateProvider{
		contract: contract,
		ttl:      DefaultRateCacheTTL,
		cache:    make(map[string]rateCacheEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// GetPricePicoUSD returns the price of one asset base unit in pico-USD.
func (p *OracleRateProvider) GetPricePicoUSD(ctx context.Context, assetID string) (*big.Int, error) {
	p.mu.RLock()
	entry, ok := p.cache[assetID]
	p.mu.RUnlock()
	if ok && time.Since(entry.fetched) < p.ttl {
		return new(big.Int).Set(entry.price), nil
	}

	price, err := p.contract.GetAssetPrice(ctx, assetID)
	if err != nil {
		if ok {
			return new(big.Int).Set(entry.price), nil
		}
		return nil, fmt.Errorf("failed to fetch price for asset %s: %w", assetID, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("oracle returned a non-positive price for asset %s", assetID)
	}

	p.mu.Lock()
	p.cache[assetID] = rateCacheEntry{price: new(big.Int).Set(price), fetched: time.Now()}
	p.mu.Unlock()
	return new(big.Int).Set(price), nil
}

// GetLastUpdated returns when the cached price for an asset was fetched.
func (p *OracleRateProvider) GetLastUpdated(_ context.Context, assetID string) (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[assetID]
	if !ok {
		return time.Time{}, fmt.Errorf("no cached price for asset %s", assetID)
	}
	return entry.fetched, nil
}

var _ RateProvider = (*OracleRateProvider)(nil)
