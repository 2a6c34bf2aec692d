package enrich

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/solwatch/tokenstream/internal/logger"
)

const (
	unitPriceTTL     = 60 * time.Second
	unitPriceTimeout = 2 * time.Second

	// Used until the first successful quote and whenever the source is down.
	defaultUnitPrice = 150.0
)

// UnitPriceSource returns the USD price of the chain's native unit, cached
// for a minute. Failures fall back to the last known price.
type UnitPriceSource struct {
	url        string
	httpClient *http.Client
	logger     *logger.Logger

	mu        sync.Mutex
	price     float64
	fetchedAt time.Time
}

func NewUnitPriceSource(url string, log *logger.Logger) *UnitPriceSource {
	return &UnitPriceSource{
		url:        url,
		httpClient: &http.Client{Timeout: unitPriceTimeout},
		price:      defaultUnitPrice,
		logger:     log.WithComponent("unit_price"),
	}
}

// Price returns the cached quote, refreshing it when stale. The lock is not
// held across the fetch; concurrent refreshes race and the last writer wins.
func (s *UnitPriceSource) Price(ctx context.Context) float64 {
	s.mu.Lock()
	last := s.price
	fresh := !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) <= unitPriceTTL
	s.mu.Unlock()

	if fresh {
		return last
	}

	price, err := s.fetch(ctx)
	if err != nil {
		s.logger.Debug("unit price refresh failed, keeping last value",
			slog.Float64("price", last),
			slog.String("error", err.Error()))
		return last
	}

	s.mu.Lock()
	s.price = price
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return price
}

func (s *UnitPriceSource) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, errStatus(resp.StatusCode)
	}

	var payload struct {
		Solana struct {
			USD float64 `json:"usd"`
		} `json:"solana"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	if payload.Solana.USD <= 0 {
		return 0, errEmptyQuote
	}
	return payload.Solana.USD, nil
}
