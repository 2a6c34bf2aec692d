package enrich

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/solwatch/tokenstream/internal/cache"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/token"
	"github.com/solwatch/tokenstream/internal/upstream"
)

const (
	deployerCacheTTL  = 300 * time.Second
	deployerCacheSize = 20000

	// Outlier bounds for a single token's market cap.
	maxReasonablePriceSol = 1e6
	maxReasonableSupply   = 1e15
	minReasonableMcap     = 100
	maxReasonableMcap     = 1e11
)

// devTokenEntry is one row of the dev-history response.
type devTokenEntry struct {
	TokenAddress string  `json:"tokenAddress"`
	PairAddress  string  `json:"pairAddress"`
	TokenTicker  string  `json:"tokenTicker"`
	TokenName    string  `json:"tokenName"`
	PriceSol     float64 `json:"priceSol"`
	Supply       float64 `json:"supply"`
	Migrated     bool    `json:"migrated"`
	CreatedAt    string  `json:"createdAt"`
	Protocol     string  `json:"protocol"`
}

type devHistoryResponse struct {
	Counts *struct {
		MigratedCount int `json:"migratedCount"`
		TotalCount    int `json:"totalCount"`
	} `json:"counts"`
	Tokens []devTokenEntry `json:"tokens"`
}

// DeployerClient aggregates a deployer's token history into average market
// cap, average all-time-high market cap and migration counts. The token
// that triggered the lookup is excluded from every statistic.
type DeployerClient struct {
	fallback  *FallbackClient
	ath       *ATHClient
	unitPrice *UnitPriceSource
	cache     *cache.TTLCache[string, token.DeployerStats]

	// How many of the newest prior tokens get an ATH lookup.
	athTokenCount int

	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewDeployerClient(primary string, replicas []string, athTokenCount int,
	ath *ATHClient, unitPrice *UnitPriceSource,
	creds *upstream.Credentials, m *metrics.Metrics, log *logger.Logger) *DeployerClient {
	return &DeployerClient{
		fallback:      NewFallbackClient("dev_history", primary, replicas, 100*time.Millisecond, 5*time.Second, creds, m, log),
		ath:           ath,
		unitPrice:     unitPrice,
		cache:         cache.NewTTL[string, token.DeployerStats](deployerCacheSize, deployerCacheTTL),
		athTokenCount: athTokenCount,
		metrics:       m,
		logger:        log.WithComponent("deployer"),
	}
}

// Stats returns the deployer's aggregated history, excluding
// currentTokenAddress. Failures are reported inside the result's Err field
// so a partial enrichment can still be delivered.
func (c *DeployerClient) Stats(ctx context.Context, devAddress, currentTokenAddress string) token.DeployerStats {
	if cached, age, ok := c.cache.Get(devAddress); ok {
		c.metrics.RecordCacheHit("deployer")
		cached.Cached = true
		cached.CacheAge = int(age.Seconds())
		cached.SourceEndpoint = "cached"
		return cached
	}

	if err := c.fallback.ensureFreshAuth(); err != nil {
		return token.DeployerStats{Err: errAuthFailed.Error()}
	}

	unitPrice := c.unitPrice.Price(ctx)

	params := url.Values{}
	params.Set("devAddress", devAddress)
	data, endpoint, err := c.fallback.Fetch(ctx, params)
	if err != nil {
		return token.DeployerStats{Err: err.Error()}
	}

	var resp devHistoryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return token.DeployerStats{Err: errBadFormat.Error()}
	}
	if resp.Counts == nil && resp.Tokens == nil {
		return token.DeployerStats{Err: errBadFormat.Error()}
	}

	migratedCount := 0
	totalCount := 0
	if resp.Counts != nil {
		migratedCount = resp.Counts.MigratedCount
		totalCount = resp.Counts.TotalCount
	} else {
		for _, t := range resp.Tokens {
			if t.Migrated {
				migratedCount++
			}
		}
		totalCount = len(resp.Tokens)
	}

	if len(resp.Tokens) == 0 {
		return token.DeployerStats{Err: errNoTokens.Error()}
	}

	// Drop the triggering token from the stats and adjust the counts so
	// they describe prior history only.
	priorTokens := resp.Tokens
	if currentTokenAddress != "" {
		currentMigrated := false
		priorTokens = make([]devTokenEntry, 0, len(resp.Tokens))
		for _, t := range resp.Tokens {
			if t.TokenAddress == currentTokenAddress {
				currentMigrated = t.Migrated
				continue
			}
			priorTokens = append(priorTokens, t)
		}
		if currentMigrated {
			migratedCount--
		}
		totalCount--
	}

	if len(priorTokens) == 0 {
		return token.DeployerStats{IsFirstToken: true, SourceEndpoint: endpoint}
	}

	sort.SliceStable(priorTokens, func(i, j int) bool {
		return priorTokens[i].CreatedAt > priorTokens[j].CreatedAt
	})

	var (
		mcapSum    float64
		validCount int
		breakdown  []token.DeployerToken
	)
	for _, t := range priorTokens {
		if t.PriceSol <= 0 || t.Supply <= 0 {
			continue
		}
		if t.PriceSol > maxReasonablePriceSol || t.Supply > maxReasonableSupply {
			continue
		}
		mcap := t.PriceSol * t.Supply * unitPrice
		if mcap < minReasonableMcap || mcap > maxReasonableMcap {
			continue
		}

		mcapSum += mcap
		validCount++
		breakdown = append(breakdown, token.DeployerToken{
			PairAddress: orDefault(t.PairAddress, "N/A"),
			Ticker:      orDefault(t.TokenTicker, "N/A"),
			Name:        orDefault(t.TokenName, "N/A"),
			MarketCap:   mcap,
			Supply:      t.Supply,
			Migrated:    t.Migrated,
			CreatedAt:   t.CreatedAt,
			Protocol:    orDefault(t.Protocol, "unknown"),
		})
	}

	if validCount == 0 {
		return token.DeployerStats{Err: errNoValidTokens.Error()}
	}

	avgMcap := mcapSum / float64(validCount)
	if avgMcap > maxReasonableMcap {
		return token.DeployerStats{Err: errInvalidData.Error()}
	}

	avgATH := c.fillATH(ctx, breakdown[:min(c.athTokenCount, len(breakdown))])

	stats := token.DeployerStats{
		AvgMarketCap:    avgMcap,
		AvgATHMarketCap: avgATH,
		Migrated:        migratedCount,
		Total:           totalCount,
		ValidTokens:     validCount,
		Tokens:          breakdown,
		SourceEndpoint:  endpoint,
	}
	c.cache.Set(devAddress, stats)
	return stats
}

// fillATH fetches ATH market caps for the given tokens in parallel, writes
// them into the slice and returns the average over the successful lookups.
func (c *DeployerClient) fillATH(ctx context.Context, tokens []token.DeployerToken) float64 {
	if len(tokens) == 0 {
		return 0
	}

	results := make([]float64, len(tokens))
	var wg sync.WaitGroup
	for i := range tokens {
		if tokens[i].PairAddress == "N/A" {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.ath.PairATH(ctx, tokens[i].PairAddress, tokens[i].Supply)
			if err != nil {
				return
			}
			results[i] = res.MarketCap
		}(i)
	}
	wg.Wait()

	var sum float64
	count := 0
	for i, mcap := range results {
		tokens[i].ATHMarketCap = mcap
		if mcap > 0 {
			sum += mcap
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
