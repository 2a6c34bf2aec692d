package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPriceFetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"solana":{"usd":212.5}}`))
	}))
	defer srv.Close()

	source := NewUnitPriceSource(srv.URL, testLogger())

	for i := 0; i < 3; i++ {
		if got := source.Price(context.Background()); got != 212.5 {
			t.Fatalf("Price() = %v, want 212.5", got)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected one quote fetch within the TTL, got %d", got)
	}
}

func TestPriceFallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	source := NewUnitPriceSource(srv.URL, testLogger())

	if got := source.Price(context.Background()); got != defaultUnitPrice {
		t.Errorf("Price() = %v, want default %v", got, defaultUnitPrice)
	}
}

func TestPriceKeepsLastValueOnFailure(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"solana":{"usd":300}}`))
	}))
	defer srv.Close()

	source := NewUnitPriceSource(srv.URL, testLogger())

	if got := source.Price(context.Background()); got != 300 {
		t.Fatalf("Price() = %v, want 300", got)
	}

	// Force a refresh past the TTL and break the source.
	healthy = false
	source.fetchedAt = source.fetchedAt.Add(-2 * unitPriceTTL)

	if got := source.Price(context.Background()); got != 300 {
		t.Errorf("Price() = %v, want last known 300", got)
	}
}

func TestPriceDoesNotBlockConcurrentCallers(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.Write([]byte(`{"solana":{"usd":212.5}}`))
	}))
	defer srv.Close()
	defer close(release)

	source := NewUnitPriceSource(srv.URL, testLogger())

	first := make(chan float64, 1)
	go func() { first <- source.Price(context.Background()) }()
	<-entered

	// A second stale caller must fetch on its own instead of queueing
	// behind the in-flight refresh.
	second := make(chan float64, 1)
	go func() { second <- source.Price(context.Background()) }()

	select {
	case got := <-second:
		if got != 212.5 {
			t.Errorf("Price() = %v, want 212.5", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Concurrent Price() call blocked behind the in-flight fetch")
	}
}

func TestPriceRejectsEmptyQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"solana":{"usd":0}}`))
	}))
	defer srv.Close()

	source := NewUnitPriceSource(srv.URL, testLogger())

	if got := source.Price(context.Background()); got != defaultUnitPrice {
		t.Errorf("Price() = %v, want default %v", got, defaultUnitPrice)
	}
}
