package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func testMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func writeCredentialsFile(t *testing.T, access string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth_data.json")
	contents := fmt.Sprintf(`{"tokens":{"auth-access-token":%q,"auth-refresh-token":"refresh"}}`, access)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("Failed to write credentials file: %v", err)
	}
	return path
}

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(expiresIn).Unix()}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return access
}

func newSessionForTest(t *testing.T, queueSize int) *Session {
	t.Helper()
	path := writeCredentialsFile(t, signedToken(t, time.Hour))
	creds, err := LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger())
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	return NewSession("wss://example.com/", "https://example.com", "new_pairs", queueSize, creds, testMetrics(), testLogger())
}

func TestHandleMessageParsesFrame(t *testing.T) {
	session := newSessionForTest(t, 10)

	session.handleMessage([]byte(`{
		"room": "new_pairs",
		"created_at": "2024-03-01T00:00:00Z",
		"content": {
			"token_address": "tok1",
			"pair_address": "pair1",
			"token_name": "Test",
			"deployer_address": "dev1",
			"protocol": "pump v1"
		}
	}`))

	select {
	case tok := <-session.Events():
		if tok.TokenAddress != "tok1" || tok.DeployerAddress != "dev1" {
			t.Errorf("Unexpected token: %+v", tok)
		}
		if tok.Protocol != "pump v1" {
			t.Errorf("Unexpected protocol: %q", tok.Protocol)
		}
	default:
		t.Fatal("Expected a parsed token on the events channel")
	}
}

func TestHandleMessageDefaults(t *testing.T) {
	session := newSessionForTest(t, 10)

	session.handleMessage([]byte(`{
		"room": "new_pairs",
		"created_at": "2024-03-01T00:00:00Z",
		"content": {"token_address": "tok1"}
	}`))

	tok := <-session.Events()
	if tok.Protocol != "unknown" {
		t.Errorf("Expected protocol to default to unknown, got %q", tok.Protocol)
	}
	if tok.CreatedAt != "2024-03-01T00:00:00Z" {
		t.Errorf("Expected created_at from the frame, got %q", tok.CreatedAt)
	}
}

func TestHandleMessageIgnoresOtherRooms(t *testing.T) {
	session := newSessionForTest(t, 10)

	session.handleMessage([]byte(`{"room": "trending", "content": {"token_address": "tok1"}}`))
	session.handleMessage([]byte(`{"room": "new_pairs", "content": {"pair_address": "no-token-address"}}`))
	session.handleMessage([]byte(`not json`))

	select {
	case tok := <-session.Events():
		t.Fatalf("Expected no events, got %+v", tok)
	default:
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	session := newSessionForTest(t, 2)

	for i := 1; i <= 4; i++ {
		session.handleMessage([]byte(fmt.Sprintf(
			`{"room": "new_pairs", "content": {"token_address": "tok%d"}}`, i)))
	}

	if got := session.Dropped(); got != 2 {
		t.Errorf("Expected 2 dropped events, got %d", got)
	}

	first := <-session.Events()
	second := <-session.Events()
	if first.TokenAddress != "tok3" || second.TokenAddress != "tok4" {
		t.Errorf("Expected the newest two events to survive, got %s, %s",
			first.TokenAddress, second.TokenAddress)
	}
}

func TestAccessTokenValidity(t *testing.T) {
	path := writeCredentialsFile(t, signedToken(t, time.Hour))
	creds, err := LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger())
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	if !creds.AccessTokenValid() {
		t.Error("Token expiring in an hour must be valid")
	}

	// Tokens within the refresh skew count as expired.
	path = writeCredentialsFile(t, signedToken(t, 10*time.Second))
	creds, err = LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger())
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	if creds.AccessTokenValid() {
		t.Error("Token expiring within the skew must need a refresh")
	}

	path = writeCredentialsFile(t, "not-a-jwt")
	creds, err = LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger())
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	if creds.AccessTokenValid() {
		t.Error("Malformed token must not be valid")
	}
}

func TestLoadCredentialsRejectsIncompleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_data.json")
	if err := os.WriteFile(path, []byte(`{"tokens":{"auth-access-token":"only"}}`), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger()); err == nil {
		t.Error("Expected an error for a file missing the refresh token")
	}
}

func TestCookieHeader(t *testing.T) {
	path := writeCredentialsFile(t, "access-value")
	creds, err := LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger())
	if err != nil {
		t.Fatalf("Failed to load credentials: %v", err)
	}
	want := "auth-access-token=access-value; auth-refresh-token=refresh"
	if got := creds.CookieHeader(); got != want {
		t.Errorf("CookieHeader() = %q, want %q", got, want)
	}
}

func TestConnectAndStreamReportsStreaming(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // the room join
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}))
	defer srv.Close()

	session := newSessionForTest(t, 10)
	session.url = "ws://" + strings.TrimPrefix(srv.URL, "http://")

	streamed, err := session.connectAndStream(context.Background())
	if !streamed {
		t.Error("Expected the connection to reach the streaming phase")
	}
	if err != nil {
		t.Errorf("Expected a clean close, got %v", err)
	}
}

func TestConnectAndStreamDialFailure(t *testing.T) {
	session := newSessionForTest(t, 10)
	session.url = "ws://127.0.0.1:1/"

	streamed, err := session.connectAndStream(context.Background())
	if streamed {
		t.Error("A failed dial must not count as streaming")
	}
	if err == nil {
		t.Error("Expected a dial error")
	}
}
