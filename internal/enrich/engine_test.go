package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/solwatch/tokenstream/internal/token"
)

func newEngineForTest(t *testing.T, input chan token.RawToken, sink func(token.EnrichedToken)) *Engine {
	t.Helper()

	devSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"counts": {"migratedCount": 1, "totalCount": 2},
			"tokens": [
				{"tokenAddress": "cur", "priceSol": 0.25, "supply": 1e9, "migrated": false, "createdAt": "2024-03-01"},
				{"tokenAddress": "a", "pairAddress": "pa", "priceSol": 0.25, "supply": 1e9, "migrated": true, "createdAt": "2024-01-01"}
			]
		}`))
	}))
	t.Cleanup(devSrv.Close)

	chartSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bars": [[1000, 0.25, 0.5, 0.25, 0.25]]}`))
	}))
	t.Cleanup(chartSrv.Close)

	priceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"solana":{"usd":200}}`))
	}))
	t.Cleanup(priceSrv.Close)

	socialSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"followers":777,"following":5}}`))
	}))
	t.Cleanup(socialSrv.Close)

	creds := testCredentials(t)
	m := testMetrics()
	log := testLogger()

	ath := NewATHClient(chartSrv.URL, nil, creds, m, log)
	unitPrice := NewUnitPriceSource(priceSrv.URL, log)
	deployer := NewDeployerClient(devSrv.URL, nil, 10, ath, unitPrice, creds, m, log)
	social := NewSocialClient("key", socialSrv.URL, log)
	metadata := NewMetadataResolver(log)

	return NewEngine(2, input, sink, deployer, social, metadata, m, log)
}

func TestEngineEnrichesAndDelivers(t *testing.T) {
	input := make(chan token.RawToken, 1)
	results := make(chan token.EnrichedToken, 1)

	engine := newEngineForTest(t, input, func(tok token.EnrichedToken) {
		results <- tok
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	input <- token.RawToken{
		TokenAddress:    "cur",
		DeployerAddress: "dev1",
		TokenName:       "Test Token",
		Protocol:        "pump v1",
		SocialURL:       "https://x.com/proj",
	}

	var enriched token.EnrichedToken
	select {
	case enriched = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the enriched token")
	}

	if enriched.TokenAddress != "cur" {
		t.Errorf("Unexpected token address %q", enriched.TokenAddress)
	}
	if enriched.DeployerStats.Err != "" {
		t.Fatalf("Deployer stats failed: %s", enriched.DeployerStats.Err)
	}
	if enriched.DeployerStats.Migrated != 1 || enriched.DeployerStats.Total != 1 {
		t.Errorf("Expected migrated=1 total=1, got %d/%d",
			enriched.DeployerStats.Migrated, enriched.DeployerStats.Total)
	}
	if enriched.MigrationPercent != 100 {
		t.Errorf("Expected migration percent 100, got %v", enriched.MigrationPercent)
	}
	if enriched.SocialStats.Kind != token.SocialUserProfile || enriched.SocialStats.Followers != 777 {
		t.Errorf("Unexpected social stats: %+v", enriched.SocialStats)
	}
	if enriched.SocialSource != "new_pairs (direct)" {
		t.Errorf("Unexpected social source %q", enriched.SocialSource)
	}
	if enriched.EnrichedAt.IsZero() {
		t.Error("EnrichedAt must be set")
	}
}

func TestEngineSkipsPostURLs(t *testing.T) {
	input := make(chan token.RawToken, 1)
	results := make(chan token.EnrichedToken, 1)

	engine := newEngineForTest(t, input, func(tok token.EnrichedToken) {
		results <- tok
	})

	enriched := engine.Enrich(context.Background(), token.RawToken{
		TokenAddress:    "cur",
		DeployerAddress: "dev1",
		SocialURL:       "https://x.com/proj/status/123",
	})

	if enriched.SocialStats.Kind != token.SocialSkippedPost {
		t.Errorf("Expected skipped post, got %+v", enriched.SocialStats)
	}
	if enriched.SocialURL != "https://x.com/proj/status/123" {
		t.Errorf("Unexpected social URL %q", enriched.SocialURL)
	}
}

func TestEngineResolvesSocialFromMetadata(t *testing.T) {
	metaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"twitter":"https://x.com/fromuri"}`))
	}))
	defer metaSrv.Close()

	input := make(chan token.RawToken)
	engine := newEngineForTest(t, input, func(token.EnrichedToken) {})

	enriched := engine.Enrich(context.Background(), token.RawToken{
		TokenAddress:    "cur",
		DeployerAddress: "dev1",
		MetadataURI:     metaSrv.URL,
	})

	if enriched.SocialURL != "https://x.com/fromuri" {
		t.Errorf("Expected social URL from metadata, got %q", enriched.SocialURL)
	}
	if enriched.SocialSource != "token_uri" {
		t.Errorf("Unexpected social source %q", enriched.SocialSource)
	}
	if enriched.SocialStats.Followers != 777 {
		t.Errorf("Unexpected social stats: %+v", enriched.SocialStats)
	}
}
