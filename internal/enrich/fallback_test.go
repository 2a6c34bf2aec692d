package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newFallbackForTest(t *testing.T, primary string, replicas []string) *FallbackClient {
	t.Helper()
	return NewFallbackClient("test", primary, replicas, 10*time.Millisecond, 2*time.Second,
		testCredentials(t), testMetrics(), testLogger())
}

func TestFetchPrimarySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("devAddress"); got != "dev1" {
			t.Errorf("Expected devAddress=dev1, got %q", got)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newFallbackForTest(t, srv.URL, nil)

	params := url.Values{}
	params.Set("devAddress", "dev1")
	data, endpoint, err := client.Fetch(context.Background(), params)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Unexpected body: %s", data)
	}
	if endpoint != srv.URL {
		t.Errorf("Expected endpoint %s, got %s", srv.URL, endpoint)
	}
}

func TestFetchRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newFallbackForTest(t, srv.URL, nil)

	if _, _, err := client.Fetch(context.Background(), url.Values{}); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected 2 attempts against the primary, got %d", got)
	}
}

func TestFetchFailsFastOnNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newFallbackForTest(t, srv.URL, nil)

	_, _, err := client.Fetch(context.Background(), url.Values{})
	if err == nil {
		t.Fatal("Expected error for 404 primary with no replicas")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected a single attempt for a non-retryable status, got %d", got)
	}
	if !strings.HasPrefix(err.Error(), "All APIs failed (last: ") {
		t.Errorf("Unexpected error text: %v", err)
	}
	if !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("Expected error to carry the last reason, got: %v", err)
	}
}

func TestFetchFallsBackToReplica(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"from":"replica"}`))
	}))
	defer replica.Close()

	client := newFallbackForTest(t, primary.URL, []string{replica.URL})

	data, endpoint, err := client.Fetch(context.Background(), url.Values{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != `{"from":"replica"}` {
		t.Errorf("Unexpected body: %s", data)
	}
	if endpoint != replica.URL {
		t.Errorf("Expected replica endpoint, got %s", endpoint)
	}
}

func TestFetchAllFailedReportsLastError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer failing.Close()

	client := newFallbackForTest(t, failing.URL, []string{failing.URL})

	_, _, err := client.Fetch(context.Background(), url.Values{})
	if err == nil {
		t.Fatal("Expected error when every endpoint fails")
	}
	u, _ := url.Parse(failing.URL)
	want := "All APIs failed (last: " + u.Host + ": HTTP 403)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
