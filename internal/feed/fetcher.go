// Package feed implements the shared market snapshot fetcher.
//
// Every coordinator tick and every read endpoint goes through one Fetcher.
// It polls the upstream pools API and maps pool records to Tokens, with
// three layers of protection in front of the upstream:
//
//   - a global snapshot cache in the blob store (fresh within CacheTTL),
//   - an in-flight marker that coalesces concurrent fetches across the
//     whole fleet to one upstream call per window,
//   - global per-minute rate and per-month credit counters, incremented
//     only after a successful upstream call.
//
// The fetcher never fails: when a gate trips or the upstream errors it
// degrades to the stale cache (any age), and to a hard-coded fallback
// snapshot when no cache exists at all.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"quote-arena/internal/blob"
	"quote-arena/internal/config"
	"quote-arena/pkg/types"
)

const (
	// MaxTokens caps the snapshot size; the upstream returns pools ranked
	// by recency/activity and everything past 50 is noise for the engines.
	MaxTokens = 50

	// InflightTTL bounds how long a crashed fetch can block coalescing.
	InflightTTL = 5 * time.Second
	// CoalesceWait is how long a coalesced caller waits before re-reading
	// the cache.
	CoalesceWait = time.Second

	// MaxAgeMinutes drops pools older than one week from snapshots.
	MaxAgeMinutes = 7 * 24 * 60

	cacheKey    = "cache:snapshot"
	inflightKey = "inflight:snapshot"
)

// poolPage is the JSON shape returned by the upstream pools endpoint.
type poolPage struct {
	Data []poolRecord `json:"data"`
}

type poolRecord struct {
	ID         string `json:"id"`
	Attributes struct {
		Name                 string `json:"name"`
		Address              string `json:"address"`
		BaseTokenPriceNative string `json:"base_token_price_native_currency"`
		BaseTokenPriceUSD    string `json:"base_token_price_usd"`
		ReserveInUSD         string `json:"reserve_in_usd"`
		PoolCreatedAt        string `json:"pool_created_at"`
		VolumeUSD            struct {
			H24 string `json:"h24"`
		} `json:"volume_usd"`
		PriceChangePercentage struct {
			H24 string `json:"h24"`
		} `json:"price_change_percentage"`
	} `json:"attributes"`
	Relationships struct {
		BaseToken struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"base_token"`
	} `json:"relationships"`
}

// Fetcher is the shared, rate-limited, request-coalesced snapshot source.
type Fetcher struct {
	httpClient *resty.Client
	cfg        config.FeedConfig
	store      blob.Store
	logger     *slog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewFetcher creates a fetcher over the given blob store.
func NewFetcher(cfg config.FeedConfig, store blob.Store, logger *slog.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	if cfg.APIKey != "" {
		client.SetHeader("x-api-key", cfg.APIKey)
	}

	return &Fetcher{
		httpClient: client,
		cfg:        cfg,
		store:      store,
		logger:     logger.With("component", "feed"),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// GetSnapshot returns the current market snapshot. It never fails: every
// error path degrades to the stale cache or the fallback snapshot.
//
// skipCache bypasses the freshness check (coordinator ticks always do) but
// the coalescing marker and the rate/quota gates still apply. Readers pass
// false and accept cache age up to CacheTTL.
func (f *Fetcher) GetSnapshot(ctx context.Context, skipCache bool) types.Snapshot {
	if !skipCache {
		if snap, ok := f.readCache(ctx); ok && f.now().Sub(snap.FetchedAt) <= f.cfg.CacheTTL {
			snap.Source = types.SourceCache
			return snap
		}
	}

	if !f.gatesOpen(ctx) {
		return f.degraded(ctx, "gate tripped")
	}

	// Coalesce: if another fetch is under way, wait briefly and re-read the
	// cache. Fall through to our own fetch only if the cache is still empty.
	won, err := f.store.SetNX(ctx, inflightKey, []byte("1"), InflightTTL)
	if err != nil {
		f.logger.Warn("inflight marker failed", "error", err)
	} else if !won {
		f.sleep(CoalesceWait)
		if snap, ok := f.readCache(ctx); ok {
			snap.Source = types.SourceCache
			return snap
		}
	}

	snap, err := f.fetchUpstream(ctx)
	if err != nil {
		f.logger.Error("upstream fetch failed", "error", err)
		f.clearInflight(ctx)
		return f.degraded(ctx, "upstream error")
	}

	f.recordUsage(ctx)
	f.writeCache(ctx, snap)
	f.clearInflight(ctx)
	return snap
}

// gatesOpen checks the per-minute rate cap and the monthly credit cap.
// Both counters are global (blob store), rolled by TTL / key rotation.
func (f *Fetcher) gatesOpen(ctx context.Context) bool {
	rate, err := f.store.GetInt64(ctx, f.rateKey())
	if err != nil {
		f.logger.Warn("rate counter read failed", "error", err)
		return true // fail open on storage trouble, not on quota
	}
	if rate >= f.cfg.RateCapPerMin {
		f.logger.Warn("rate cap reached", "used", rate, "cap", f.cfg.RateCapPerMin)
		return false
	}

	credits, err := f.store.GetInt64(ctx, f.creditKey())
	if err != nil {
		f.logger.Warn("credit counter read failed", "error", err)
		return true
	}
	if credits >= f.cfg.CreditCapPerMonth {
		f.logger.Warn("monthly credit cap reached", "used", credits, "cap", f.cfg.CreditCapPerMonth)
		return false
	}
	return true
}

// recordUsage increments both counters after a successful upstream call,
// so transport errors never burn quota.
func (f *Fetcher) recordUsage(ctx context.Context) {
	if _, err := f.store.IncrBy(ctx, f.rateKey(), 1, time.Minute); err != nil {
		f.logger.Warn("rate counter incr failed", "error", err)
	}
	credits, err := f.store.IncrBy(ctx, f.creditKey(), 1, 32*24*time.Hour)
	if err != nil {
		f.logger.Warn("credit counter incr failed", "error", err)
		return
	}

	pct := float64(credits) / float64(f.cfg.CreditCapPerMonth) * 100
	switch {
	case pct >= 90:
		f.logger.Warn("monthly credits above 90%", "used", credits, "cap", f.cfg.CreditCapPerMonth)
	case pct >= 80:
		f.logger.Warn("monthly credits above 80%", "used", credits, "cap", f.cfg.CreditCapPerMonth)
	}
}

func (f *Fetcher) rateKey() string {
	return "ratelimit:" + strconv.FormatInt(f.now().Unix()/60, 10)
}

func (f *Fetcher) creditKey() string {
	return "credits:" + f.now().UTC().Format("2006-01")
}

func (f *Fetcher) fetchUpstream(ctx context.Context) (types.Snapshot, error) {
	var page poolPage
	// ForceContentType: some gateways serve JSON under text/plain, and a 200
	// that resty declines to unmarshal would cache an empty snapshot.
	resp, err := f.httpClient.R().
		SetContext(ctx).
		SetResult(&page).
		ForceContentType("application/json").
		Get(fmt.Sprintf("/networks/%s/new_pools", f.cfg.Network))
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("fetch pools: %w", err)
	}
	if resp.StatusCode() != 200 {
		return types.Snapshot{}, fmt.Errorf("fetch pools: status %d", resp.StatusCode())
	}

	now := f.now()
	tokens := make([]types.Token, 0, len(page.Data))
	for _, pool := range page.Data {
		tok, ok := f.convertPool(pool, now)
		if !ok {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) >= MaxTokens {
			break
		}
	}

	return types.Snapshot{Tokens: tokens, FetchedAt: now, Source: types.SourceLive}, nil
}

// convertPool maps one upstream pool record to a Token. Returns ok=false
// for pools that fail the tradeability checks: non-positive price,
// liquidity below 1 QUOTE, or age beyond one week.
func (f *Fetcher) convertPool(pool poolRecord, now time.Time) (types.Token, bool) {
	address := baseTokenAddress(pool.Relationships.BaseToken.Data.ID, f.cfg.Network)
	if address == "" {
		address = pool.Attributes.Address
	}
	if address == "" {
		return types.Token{}, false
	}

	price, _ := strconv.ParseFloat(pool.Attributes.BaseTokenPriceNative, 64)
	if price <= 0 {
		// Fall back to USD price converted at the QUOTE peg.
		priceUSD, _ := strconv.ParseFloat(pool.Attributes.BaseTokenPriceUSD, 64)
		price = priceUSD / f.cfg.QuoteUSD
	}
	if price <= 0 {
		return types.Token{}, false
	}

	reserveUSD, _ := strconv.ParseFloat(pool.Attributes.ReserveInUSD, 64)
	liquidity := reserveUSD / f.cfg.QuoteUSD
	if liquidity < 1 {
		return types.Token{}, false
	}

	ageMinutes := float64(MaxAgeMinutes)
	if createdAt, err := time.Parse(time.RFC3339, pool.Attributes.PoolCreatedAt); err == nil {
		ageMinutes = now.Sub(createdAt).Minutes()
		if ageMinutes < 0 {
			ageMinutes = 0
		}
	}
	if ageMinutes > MaxAgeMinutes {
		return types.Token{}, false
	}

	volumeUSD, _ := strconv.ParseFloat(pool.Attributes.VolumeUSD.H24, 64)
	change, _ := strconv.ParseFloat(pool.Attributes.PriceChangePercentage.H24, 64)

	return types.Token{
		Address:        address,
		Symbol:         poolSymbol(pool.Attributes.Name),
		PriceQuote:     price,
		LiquidityQuote: liquidity,
		AgeMinutes:     ageMinutes,
		VolumeUSD24h:   volumeUSD,
		PriceChange24h: change,
		Holders:        math.Max(volumeUSD/100, 20),
	}, true
}

// baseTokenAddress strips the "<network>_" prefix from a relationship id
// like "bsc_0xabc...".
func baseTokenAddress(id, network string) string {
	prefix := network + "_"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}
	return ""
}

// poolSymbol extracts the base symbol from a pool name like "PEPE / WBNB"
// and truncates it to 20 characters.
func poolSymbol(name string) string {
	symbol := name
	for i := 0; i < len(name); i++ {
		if name[i] == ' ' || name[i] == '/' {
			symbol = name[:i]
			break
		}
	}
	if symbol == "" {
		symbol = name
	}
	if len(symbol) > 20 {
		symbol = symbol[:20]
	}
	return symbol
}

// ————————————————————————————————————————————————————————————————————————
// Cache and degradation
// ————————————————————————————————————————————————————————————————————————

// The cache entry is written without a store-level TTL: freshness is judged
// against the embedded FetchedAt, and an arbitrarily old entry is still
// valuable as the stale fallback.

func (f *Fetcher) readCache(ctx context.Context) (types.Snapshot, bool) {
	raw, ok, err := f.store.Get(ctx, cacheKey)
	if err != nil {
		f.logger.Warn("cache read failed", "error", err)
		return types.Snapshot{}, false
	}
	if !ok {
		return types.Snapshot{}, false
	}
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		f.logger.Warn("cache entry corrupt", "error", err)
		return types.Snapshot{}, false
	}
	return snap, true
}

func (f *Fetcher) writeCache(ctx context.Context, snap types.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		f.logger.Error("marshal snapshot", "error", err)
		return
	}
	if err := f.store.Set(ctx, cacheKey, raw, 0); err != nil {
		f.logger.Warn("cache write failed", "error", err)
	}
}

func (f *Fetcher) clearInflight(ctx context.Context) {
	if err := f.store.Delete(ctx, inflightKey); err != nil {
		f.logger.Warn("inflight clear failed", "error", err)
	}
}

// degraded returns the stale cache if one exists, else the fallback
// snapshot. This is the only path that ever surfaces the fallback.
func (f *Fetcher) degraded(ctx context.Context, reason string) types.Snapshot {
	if snap, ok := f.readCache(ctx); ok {
		f.logger.Info("serving stale snapshot", "reason", reason,
			"age", f.now().Sub(snap.FetchedAt).Round(time.Second))
		snap.Source = types.SourceStale
		return snap
	}
	f.logger.Warn("serving fallback snapshot", "reason", reason)
	return FallbackSnapshot(f.now())
}

// FallbackSnapshot is the synthetic snapshot of last resort: one liquid,
// unremarkable token so the engines always have a non-empty universe.
func FallbackSnapshot(now time.Time) types.Snapshot {
	return types.Snapshot{
		Tokens: []types.Token{
			{
				Address:        "0x0000000000000000000000000000000000000001",
				Symbol:         "FALLBACK",
				PriceQuote:     0.001,
				LiquidityQuote: 100,
				AgeMinutes:     60,
				VolumeUSD24h:   10_000,
				PriceChange24h: 0,
				Holders:        100,
			},
		},
		FetchedAt: now,
		Source:    types.SourceFallback,
	}
}
