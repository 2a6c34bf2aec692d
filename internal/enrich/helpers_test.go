package enrich

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/upstream"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func testMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

// testCredentials builds a credentials file whose access token stays valid
// for the whole test, so no refresh request is ever attempted.
func testCredentials(t *testing.T) *upstream.Credentials {
	t.Helper()

	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}

	path := filepath.Join(t.TempDir(), "auth_data.json")
	contents := fmt.Sprintf(`{"tokens":{"auth-access-token":%q,"auth-refresh-token":"refresh"}}`, access)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("Failed to write credentials file: %v", err)
	}

	creds, err := upstream.LoadCredentials(path, "http://127.0.0.1:1/refresh", "https://example.com", testLogger())
	if err != nil {
		t.Fatalf("Failed to load test credentials: %v", err)
	}
	return creds
}
