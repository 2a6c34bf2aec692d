package enrich

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/solwatch/tokenstream/internal/cache"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/upstream"
)

const (
	athCacheTTL  = 600 * time.Second
	athCacheSize = 20000

	chartWindow   = 30 * 24 * time.Hour
	chartInterval = "15m"
	chartBarCount = "300"
)

// barContainerKeys are the response fields that may hold the candle list.
var barContainerKeys = []string{"bars", "data", "chart", "candles", "ohlc", "result"}

// ATHResult is the peak market cap observed for a pair over the chart
// window.
type ATHResult struct {
	MarketCap float64
	Price     float64
	Cached    bool
	CacheAge  int
	Endpoint  string
}

type athCacheKey struct {
	pair   string
	supply float64
}

// ATHClient computes all-time-high market caps from candle history, with a
// fallback across chart endpoints and a ten minute cache.
type ATHClient struct {
	fallback *FallbackClient
	cache    *cache.TTLCache[athCacheKey, float64]
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewATHClient(primary string, replicas []string, creds *upstream.Credentials, m *metrics.Metrics, log *logger.Logger) *ATHClient {
	return &ATHClient{
		fallback: NewFallbackClient("pair_chart", primary, replicas, 150*time.Millisecond, 6*time.Second, creds, m, log),
		cache:    cache.NewTTL[athCacheKey, float64](athCacheSize, athCacheTTL),
		logger:   log.WithComponent("ath"),
		metrics:  m,
	}
}

// PairATH returns the all-time-high market cap for a pair given its supply.
func (c *ATHClient) PairATH(ctx context.Context, pairAddress string, supply float64) (ATHResult, error) {
	key := athCacheKey{pair: pairAddress, supply: supply}
	if mcap, age, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheHit("ath")
		return ATHResult{MarketCap: mcap, Cached: true, CacheAge: int(age.Seconds())}, nil
	}

	if err := c.fallback.ensureFreshAuth(); err != nil {
		return ATHResult{}, errAuthFailed
	}

	now := time.Now().UTC()
	fromMs := now.Add(-chartWindow).UnixMilli()
	toMs := now.UnixMilli()

	params := url.Values{}
	params.Set("pairAddress", pairAddress)
	params.Set("from", strconv.FormatInt(fromMs, 10))
	params.Set("to", strconv.FormatInt(toMs, 10))
	params.Set("currency", "USD")
	params.Set("interval", chartInterval)
	params.Set("openTrading", strconv.FormatInt(fromMs, 10))
	params.Set("lastTransactionTime", strconv.FormatInt(toMs, 10))
	params.Set("countBars", chartBarCount)
	params.Set("showOutliers", "false")
	params.Set("isNew", "false")

	data, endpoint, err := c.fallback.Fetch(ctx, params)
	if err != nil {
		return ATHResult{}, err
	}

	maxPrice, err := maxBarPrice(data)
	if err != nil {
		return ATHResult{}, err
	}

	mcap := maxPrice * supply
	c.cache.Set(key, mcap)

	return ATHResult{MarketCap: mcap, Price: maxPrice, Endpoint: endpoint}, nil
}

// maxBarPrice finds the highest price across the candle list, accepting
// both array bars ([time, open, high, low, close, ...]) and object bars.
func maxBarPrice(data json.RawMessage) (float64, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, errNoBars
	}

	var bars []any
	switch v := doc.(type) {
	case []any:
		bars = v
	case map[string]any:
		for _, key := range barContainerKeys {
			if list, ok := v[key].([]any); ok {
				bars = list
				break
			}
		}
	}
	if len(bars) == 0 {
		return 0, errNoBars
	}

	maxPrice := 0.0
	for _, raw := range bars {
		switch bar := raw.(type) {
		case []any:
			if len(bar) >= 5 {
				maxPrice = max(maxPrice, floatValue(bar[2]), floatValue(bar[4]))
			}
		case map[string]any:
			high := floatValue(bar["h"])
			if high == 0 {
				high = floatValue(bar["high"])
			}
			closing := floatValue(bar["c"])
			if closing == 0 {
				closing = floatValue(bar["close"])
			}
			if closing == 0 {
				closing = floatValue(bar["price"])
			}
			maxPrice = max(maxPrice, high, closing)
		}
	}

	if maxPrice == 0 {
		return 0, errNoPriceData
	}
	return maxPrice, nil
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
