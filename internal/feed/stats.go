package feed

import (
	"context"
	"time"
)

// UsageStats is the admin view of the global gates and cache.
type UsageStats struct {
	RateUsed    int64   `json:"rate_used"` // requests this minute
	RateCap     int64   `json:"rate_cap"`
	CreditsUsed int64   `json:"credits_used"` // credits this month
	CreditsCap  int64   `json:"credits_cap"`
	CreditsPct  float64 `json:"credits_pct"`
	CacheAgeSec float64 `json:"cache_age_sec"` // -1 when no cache exists
	CacheFresh  bool    `json:"cache_fresh"`
	Status      string  `json:"status"` // OK | WARNING | CRITICAL | EXCEEDED
}

// Usage reads the counters and cache state. Storage errors degrade to zeros;
// the endpoint is informational.
func (f *Fetcher) Usage(ctx context.Context) UsageStats {
	rate, _ := f.store.GetInt64(ctx, f.rateKey())
	credits, _ := f.store.GetInt64(ctx, f.creditKey())

	stats := UsageStats{
		RateUsed:    rate,
		RateCap:     f.cfg.RateCapPerMin,
		CreditsUsed: credits,
		CreditsCap:  f.cfg.CreditCapPerMonth,
		CacheAgeSec: -1,
	}
	if f.cfg.CreditCapPerMonth > 0 {
		stats.CreditsPct = float64(credits) / float64(f.cfg.CreditCapPerMonth) * 100
	}

	if snap, ok := f.readCache(ctx); ok {
		age := f.now().Sub(snap.FetchedAt)
		stats.CacheAgeSec = age.Seconds()
		stats.CacheFresh = age <= f.cfg.CacheTTL
	}

	switch {
	case credits >= f.cfg.CreditCapPerMonth || rate >= f.cfg.RateCapPerMin:
		stats.Status = "EXCEEDED"
	case stats.CreditsPct >= 90:
		stats.Status = "CRITICAL"
	case stats.CreditsPct >= 80:
		stats.Status = "WARNING"
	default:
		stats.Status = "OK"
	}
	return stats
}

// cfgCacheTTL is exposed for the api layer's snapshot freshness reporting.
func (f *Fetcher) CacheTTL() time.Duration {
	return f.cfg.CacheTTL
}
