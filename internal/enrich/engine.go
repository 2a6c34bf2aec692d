package enrich

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/token"
)

const (
	// Deployer history is the slowest sub-task; it gets a hard budget so a
	// wedged endpoint cannot stall delivery.
	deployerBudget = 10 * time.Second

	socialSourceDirect       = "new_pairs (direct)"
	socialSourceMetadata     = "token_uri"
	socialSourceMetadataPost = "token_uri (post)"
)

// Engine runs the enrichment worker pool. Each worker takes raw tokens off
// the input channel, runs the enrichment sub-tasks concurrently and hands
// the enriched token to the sink.
type Engine struct {
	deployer *DeployerClient
	social   *SocialClient
	metadata *MetadataResolver

	input <-chan token.RawToken
	sink  func(token.EnrichedToken)

	workers  int
	pool     sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool

	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewEngine(workers int, input <-chan token.RawToken, sink func(token.EnrichedToken),
	deployer *DeployerClient, social *SocialClient, metadata *MetadataResolver,
	m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		deployer: deployer,
		social:   social,
		metadata: metadata,
		input:    input,
		sink:     sink,
		workers:  workers,
		shutdown: make(chan struct{}),
		metrics:  m,
		logger:   log.WithComponent("enrich"),
	}
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.pool.Add(1)
		go e.worker(ctx)
	}
	e.logger.Info("enrichment engine started", slog.Int("workers", e.workers))
}

// Stop signals the workers and waits for in-flight tokens to finish.
func (e *Engine) Stop() {
	if e.closed.Swap(true) {
		return
	}
	close(e.shutdown)
	e.pool.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.pool.Done()

	for {
		select {
		case <-e.shutdown:
			return
		case <-ctx.Done():
			return
		case raw := <-e.input:
			e.sink(e.Enrich(ctx, raw))
		}
	}
}

// Enrich runs all sub-tasks for a single token. Sub-task failures degrade
// the result instead of suppressing it; the token is always returned.
func (e *Engine) Enrich(ctx context.Context, raw token.RawToken) token.EnrichedToken {
	start := time.Now()

	statsCh := make(chan token.DeployerStats, 1)
	go func() {
		deployerCtx, cancel := context.WithTimeout(ctx, deployerBudget)
		defer cancel()
		statsCh <- e.deployer.Stats(deployerCtx, raw.DeployerAddress, raw.TokenAddress)
	}()

	socialURL, socialSource, socialStats := e.resolveSocial(ctx, raw)

	var deployerStats token.DeployerStats
	select {
	case deployerStats = <-statsCh:
	case <-time.After(deployerBudget + time.Second):
		deployerStats = token.DeployerStats{Err: "Timeout"}
	}

	if deployerStats.Err != "" {
		e.metrics.RecordEnrichError("deployer")
	}
	if socialStats.Kind == token.SocialError {
		e.metrics.RecordEnrichError("social")
	}

	enriched := token.EnrichedToken{
		RawToken:         raw,
		DeployerStats:    deployerStats,
		SocialStats:      socialStats,
		SocialSource:     socialSource,
		MigrationPercent: deployerStats.MigrationPercent(),
		ProcessingMillis: time.Since(start).Milliseconds(),
		EnrichedAt:       time.Now().UTC(),
	}
	enriched.SocialURL = socialURL

	e.metrics.RecordEnrichDuration(time.Since(start))
	return enriched
}

// resolveSocial picks the social URL for the token. A usable URL on the
// event itself wins; otherwise the metadata document is consulted.
func (e *Engine) resolveSocial(ctx context.Context, raw token.RawToken) (string, string, token.SocialStats) {
	direct := strings.TrimSpace(raw.SocialURL)
	if direct == "null" {
		direct = ""
	}

	if direct != "" && isSocialHost(direct) {
		if IsPostURL(direct) {
			return direct, socialSourceDirect, token.SocialStats{Kind: token.SocialSkippedPost, Err: "Post URL - skipped"}
		}
		return direct, socialSourceDirect, e.social.Resolve(ctx, direct)
	}

	if raw.MetadataURI == "" {
		return "", socialSourceDirect, token.SocialStats{}
	}

	fromMetadata := e.metadata.SocialURL(ctx, raw.MetadataURI)
	if fromMetadata == "" {
		return "", socialSourceDirect, token.SocialStats{}
	}
	if IsPostURL(fromMetadata) {
		return fromMetadata, socialSourceMetadataPost, token.SocialStats{Kind: token.SocialSkippedPost, Err: "Post URL - skipped"}
	}
	return fromMetadata, socialSourceMetadata, e.social.Resolve(ctx, fromMetadata)
}

func isSocialHost(u string) bool {
	lower := strings.ToLower(u)
	return strings.Contains(lower, "twitter.com") || strings.Contains(lower, "x.com")
}
