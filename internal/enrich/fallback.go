// Package enrich augments raw token events with deployer history, all-time
// high market caps and social statistics before they reach subscribers.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/upstream"
)

const (
	primaryAttempts = 2
	retryPause      = 500 * time.Millisecond
)

// retryableStatus are the statuses worth a second attempt on the same host.
var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type endpointResult struct {
	data     json.RawMessage
	endpoint string
	reason   string
}

// FallbackClient queries a primary endpoint with retries and falls back to a
// set of replica endpoints raced in parallel with staggered starts. The
// first successful response wins.
type FallbackClient struct {
	name     string
	primary  string
	replicas []string
	stagger  time.Duration

	httpClient *http.Client
	creds      *upstream.Credentials
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

func NewFallbackClient(name, primary string, replicas []string, stagger, timeout time.Duration,
	creds *upstream.Credentials, m *metrics.Metrics, log *logger.Logger) *FallbackClient {
	return &FallbackClient{
		name:       name,
		primary:    primary,
		replicas:   replicas,
		stagger:    stagger,
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		metrics:    m,
		logger:     log.WithComponent("fallback_" + name),
	}
}

// Fetch runs the fallback sequence for the given query parameters and
// returns the response body plus the endpoint that served it.
func (c *FallbackClient) Fetch(ctx context.Context, params url.Values) (json.RawMessage, string, error) {
	var lastError string

	data, reason := c.tryEndpoint(ctx, c.primary, params, primaryAttempts)
	if data != nil {
		c.metrics.RecordFallbackAttempt(c.name, "primary_success")
		return data, c.primary, nil
	}
	if reason != "" && reason != "Timeout" {
		lastError = fmt.Sprintf("%s: %s", hostOf(c.primary), reason)
	}

	c.metrics.RecordFallbackAttempt(c.name, "primary_failed")

	results := make(chan endpointResult, len(c.replicas))
	var wg sync.WaitGroup
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, replica := range c.replicas {
		wg.Add(1)
		go func(endpoint string, delay time.Duration) {
			defer wg.Done()
			if delay > 0 {
				select {
				case <-raceCtx.Done():
					return
				case <-time.After(delay):
				}
			}
			data, reason := c.tryEndpoint(raceCtx, endpoint, params, 1)
			results <- endpointResult{data: data, endpoint: endpoint, reason: reason}
		}(replica, time.Duration(i)*c.stagger)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.data != nil {
			c.metrics.RecordFallbackAttempt(c.name, "replica_success")
			return res.data, res.endpoint, nil
		}
		if res.reason != "" && res.reason != "Timeout" {
			lastError = fmt.Sprintf("%s: %s", hostOf(res.endpoint), res.reason)
		}
	}

	c.metrics.RecordFallbackAttempt(c.name, "all_failed")
	if lastError == "" {
		lastError = "unknown"
	}
	return nil, "", fmt.Errorf("All APIs failed (last: %s)", lastError)
}

// tryEndpoint performs up to maxAttempts requests against a single endpoint.
// Only retryable statuses earn a second attempt; other statuses fail fast.
func (c *FallbackClient) tryEndpoint(ctx context.Context, endpoint string, params url.Values, maxAttempts int) (json.RawMessage, string) {
	reason := "Max retries reached"

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, "Timeout"
			case <-time.After(retryPause):
			}
		}

		data, status, err := c.doRequest(ctx, endpoint, params)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				reason = "Timeout"
				continue
			}
			reason = err.Error()
			continue
		}
		if status == http.StatusOK {
			return data, ""
		}
		reason = fmt.Sprintf("HTTP %d", status)
		if !retryableStatus[status] {
			return nil, reason
		}
	}

	return nil, reason
}

func (c *FallbackClient) doRequest(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://axiom.trade")
	req.Header.Set("Referer", "https://axiom.trade/")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Cookie", c.creds.CookieHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	c.logger.Debug("endpoint responded",
		slog.String("endpoint", hostOf(endpoint)),
		slog.Int("bytes", len(body)))
	return body, http.StatusOK, nil
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// ensureFreshAuth refreshes the shared credentials when the access token is
// about to expire. Called before every fallback sequence.
func (c *FallbackClient) ensureFreshAuth() error {
	return c.creds.EnsureValid()
}
