package upstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/solwatch/tokenstream/internal/logger"
)

const (
	accessCookie  = "auth-access-token"
	refreshCookie = "auth-refresh-token"

	refreshTimeout = 5 * time.Second

	// Refresh slightly before the token actually expires so an in-flight
	// connect never races the expiry.
	expirySkew = 30 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

type credentialsFile struct {
	Tokens map[string]string `json:"tokens"`
}

// Credentials holds the upstream access/refresh token pair and persists it
// back to disk after every refresh.
type Credentials struct {
	path       string
	refreshURL string
	origin     string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string

	// Serializes the refresh exchange so concurrent callers never fire
	// parallel POSTs against a single-use refresh token.
	refreshMu sync.Mutex

	httpClient *http.Client
	logger     *logger.Logger
}

// LoadCredentials reads the token pair from the given JSON file.
func LoadCredentials(path, refreshURL, origin string, log *logger.Logger) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	access := file.Tokens[accessCookie]
	refresh := file.Tokens[refreshCookie]
	if access == "" || refresh == "" {
		return nil, fmt.Errorf("credentials file %s is missing %s or %s", path, accessCookie, refreshCookie)
	}

	return &Credentials{
		path:         path,
		refreshURL:   refreshURL,
		origin:       origin,
		accessToken:  access,
		refreshToken: refresh,
		httpClient:   &http.Client{Timeout: refreshTimeout},
		logger:       log.WithComponent("credentials"),
	}, nil
}

// CookieHeader returns the Cookie header value carrying both tokens.
func (c *Credentials) CookieHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s=%s; %s=%s", accessCookie, c.accessToken, refreshCookie, c.refreshToken)
}

// AccessTokenValid reports whether the access token's exp claim is still in
// the future. The signature is not checked; only the server can do that, and
// all we need here is to know when to refresh.
func (c *Credentials) AccessTokenValid() bool {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return false
	}
	return time.Now().Add(expirySkew).Unix() < int64(exp)
}

// Refresh exchanges the refresh token for a new access token. The upstream
// returns the new tokens as Set-Cookie headers on the response.
func (c *Credentials) Refresh() error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refresh()
}

func (c *Credentials) refresh() error {
	req, err := http.NewRequest(http.MethodPost, c.refreshURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Cookie", c.CookieHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh request returned status %d", resp.StatusCode)
	}

	var newAccess, newRefresh string
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case accessCookie:
			newAccess = cookie.Value
		case refreshCookie:
			newRefresh = cookie.Value
		}
	}
	if newAccess == "" {
		return fmt.Errorf("refresh response did not include a new access token")
	}

	c.mu.Lock()
	c.accessToken = newAccess
	if newRefresh != "" {
		c.refreshToken = newRefresh
	}
	c.mu.Unlock()

	if err := c.save(); err != nil {
		c.logger.Warn("failed to persist refreshed tokens", slog.String("error", err.Error()))
	}

	c.logger.Info("access token refreshed")
	return nil
}

// EnsureValid refreshes the token pair if the access token is expired. Only
// one caller performs the exchange; the rest wait on it and reuse the new
// pair.
func (c *Credentials) EnsureValid() error {
	if c.AccessTokenValid() {
		return nil
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.AccessTokenValid() {
		return nil
	}
	return c.refresh()
}

func (c *Credentials) save() error {
	c.mu.RLock()
	file := credentialsFile{Tokens: map[string]string{
		accessCookie:  c.accessToken,
		refreshCookie: c.refreshToken,
	}}
	c.mu.RUnlock()

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, raw, 0o600)
}
