package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/solwatch/tokenstream/internal/filter"
	"github.com/solwatch/tokenstream/internal/logger"
)

// User is a subscriber account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
}

// ListEntry is one row of a user's whitelist or blacklist.
type ListEntry struct {
	DevWallet   string    `json:"dev_wallet"`
	TokenName   string    `json:"name,omitempty"`
	TokenTicker string    `json:"ticker,omitempty"`
	AddedAt     time.Time `json:"added"`
}

var ErrUserNotFound = errors.New("user not found")

// Store wraps the registry database.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log.WithComponent("registry")}
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AddUser creates an account with a fresh API key and default settings,
// returning the key.
func (s *Store) AddUser(ctx context.Context, username, email string, subscriptionDays int) (string, error) {
	apiKey, err := generateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (username, email, api_key, expires_at)
		VALUES ($1, NULLIF($2, ''), $3, NOW() + make_interval(days => $4))
		RETURNING id`,
		username, email, apiKey, subscriptionDays).Scan(&userID)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("username %q already exists", username)
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO user_options (user_id) VALUES ($1)`, userID); err != nil {
		return "", fmt.Errorf("failed to insert default settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return apiKey, nil
}

// GetUserByAPIKey returns the account owning the key.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	var u User
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, api_key, created_at, expires_at, is_active
		FROM users WHERE api_key = $1`, apiKey).
		Scan(&u.ID, &u.Username, &email, &u.APIKey, &u.CreatedAt, &u.ExpiresAt, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	return &u, nil
}

// IsUserActive reports whether the key belongs to an active, unexpired
// account.
func (s *Store) IsUserActive(ctx context.Context, apiKey string) (bool, error) {
	u, err := s.GetUserByAPIKey(ctx, apiKey)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsActive && time.Now().Before(u.ExpiresAt), nil
}

// SetUserActive enables or disables the account.
func (s *Store) SetUserActive(ctx context.Context, userID int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = $1 WHERE id = $2`, active, userID)
	return err
}

// ExtendSubscription pushes the expiry forward by the given number of days.
func (s *Store) ExtendSubscription(ctx context.Context, userID int64, days int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET expires_at = expires_at + make_interval(days => $1) WHERE id = $2`,
		days, userID)
	return err
}

// DeleteUser removes the account and everything attached to it.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	return err
}

// GetSettings loads the user's filter settings.
func (s *Store) GetSettings(ctx context.Context, userID int64) (filter.Settings, error) {
	settings := filter.DefaultSettings()
	var protocolsRaw []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT enable_avg_mcap, min_avg_mcap,
		       enable_avg_ath_mcap, min_avg_ath_mcap,
		       enable_migrations, min_migration_percent,
		       dev_tokens_count,
		       enable_protocol_filter, protocols,
		       enable_twitter_user, min_twitter_followers,
		       enable_twitter_community, min_community_members, min_admin_followers,
		       use_and_mode
		FROM user_options WHERE user_id = $1`, userID).
		Scan(&settings.EnableAvgMcap, &settings.MinAvgMcap,
			&settings.EnableAvgATHMcap, &settings.MinAvgATHMcap,
			&settings.EnableMigrations, &settings.MinMigrationPercent,
			&settings.DevTokensCount,
			&settings.EnableProtocolFilter, &protocolsRaw,
			&settings.EnableSocialUser, &settings.MinFollowers,
			&settings.EnableCommunity, &settings.MinCommunityMembers, &settings.MinAdminFollowers,
			&settings.UseAndMode)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}

	if len(protocolsRaw) > 0 {
		if err := json.Unmarshal(protocolsRaw, &settings.Protocols); err != nil {
			settings.Protocols = map[string]bool{}
		}
	}
	return settings, nil
}

// settingsColumns maps the wire parameter names onto their columns. Only
// these keys are updatable.
var settingsColumns = map[string]string{
	"enable_avg_mcap":          "enable_avg_mcap",
	"min_avg_mcap":             "min_avg_mcap",
	"enable_avg_ath_mcap":      "enable_avg_ath_mcap",
	"min_avg_ath_mcap":         "min_avg_ath_mcap",
	"enable_migrations":        "enable_migrations",
	"min_migration_percent":    "min_migration_percent",
	"dev_tokens_count":         "dev_tokens_count",
	"enable_protocol_filter":   "enable_protocol_filter",
	"protocols":                "protocols",
	"enable_twitter_user":      "enable_twitter_user",
	"min_twitter_followers":    "min_twitter_followers",
	"enable_twitter_community": "enable_twitter_community",
	"min_community_members":    "min_community_members",
	"min_admin_followers":      "min_admin_followers",
	"use_and_mode":             "use_and_mode",
}

// UpdateSettings applies a partial update. Unknown keys are ignored; the
// row is created first if the user never had one.
func (s *Store) UpdateSettings(ctx context.Context, userID int64, params map[string]any) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_options (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return err
	}

	setClause := ""
	args := []any{}
	idx := 1
	for key, value := range params {
		column, ok := settingsColumns[key]
		if !ok {
			continue
		}

		if key == "protocols" {
			raw, err := json.Marshal(value)
			if err != nil {
				raw = []byte("{}")
			}
			value = raw
		}

		if setClause != "" {
			setClause += ", "
		}
		setClause += fmt.Sprintf("%s = $%d", column, idx)
		args = append(args, value)
		idx++
	}
	if setClause == "" {
		return nil
	}

	args = append(args, userID)
	query := fmt.Sprintf("UPDATE user_options SET %s WHERE user_id = $%d", setClause, idx)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// AddToWhitelist inserts the wallet, reporting false when it was already
// present.
func (s *Store) AddToWhitelist(ctx context.Context, userID int64, devWallet, tokenName, tokenTicker string) (bool, error) {
	return s.addToList(ctx, "user_whitelist", userID, devWallet, tokenName, tokenTicker)
}

// AddToBlacklist inserts the wallet, reporting false when it was already
// present.
func (s *Store) AddToBlacklist(ctx context.Context, userID int64, devWallet, tokenName, tokenTicker string) (bool, error) {
	return s.addToList(ctx, "user_blacklist", userID, devWallet, tokenName, tokenTicker)
}

func (s *Store) addToList(ctx context.Context, table string, userID int64, devWallet, tokenName, tokenTicker string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, dev_wallet, token_name, token_ticker)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (user_id, dev_wallet) DO NOTHING`, table),
		userID, devWallet, tokenName, tokenTicker)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveFromWhitelist deletes the wallet, reporting whether a row existed.
func (s *Store) RemoveFromWhitelist(ctx context.Context, userID int64, devWallet string) (bool, error) {
	return s.removeFromList(ctx, "user_whitelist", userID, devWallet)
}

// RemoveFromBlacklist deletes the wallet, reporting whether a row existed.
func (s *Store) RemoveFromBlacklist(ctx context.Context, userID int64, devWallet string) (bool, error) {
	return s.removeFromList(ctx, "user_blacklist", userID, devWallet)
}

func (s *Store) removeFromList(ctx context.Context, table string, userID int64, devWallet string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND dev_wallet = $2`, table),
		userID, devWallet)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetWhitelist returns the user's whitelist, newest first.
func (s *Store) GetWhitelist(ctx context.Context, userID int64) ([]ListEntry, error) {
	return s.getList(ctx, "user_whitelist", userID)
}

// GetBlacklist returns the user's blacklist, newest first.
func (s *Store) GetBlacklist(ctx context.Context, userID int64) ([]ListEntry, error) {
	return s.getList(ctx, "user_blacklist", userID)
}

func (s *Store) getList(ctx context.Context, table string, userID int64) ([]ListEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT dev_wallet, token_name, token_ticker, added_at
		FROM %s WHERE user_id = $1 ORDER BY added_at DESC`, table), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ListEntry{}
	for rows.Next() {
		var e ListEntry
		var name, ticker sql.NullString
		if err := rows.Scan(&e.DevWallet, &name, &ticker, &e.AddedAt); err != nil {
			return nil, err
		}
		e.TokenName = name.String
		e.TokenTicker = ticker.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsBlacklisted answers a single membership probe.
func (s *Store) IsBlacklisted(ctx context.Context, userID int64, devWallet string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_blacklist WHERE user_id = $1 AND dev_wallet = $2)`,
		userID, devWallet).Scan(&exists)
	return exists, err
}

// BlacklistedWallets returns the raw wallet set for in-memory filtering.
func (s *Store) BlacklistedWallets(ctx context.Context, userID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dev_wallet FROM user_blacklist WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallets := make(map[string]struct{})
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		wallets[w] = struct{}{}
	}
	return wallets, rows.Err()
}

// SaveServerStats records a periodic snapshot of the delivery counters.
func (s *Store) SaveServerStats(ctx context.Context, activeConnections int, received, sent, filtered uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_stats (active_connections, tokens_received, tokens_sent, tokens_filtered)
		VALUES ($1, $2, $3, $4)`,
		activeConnections, int64(received), int64(sent), int64(filtered))
	return err
}

// CleanupAuditLogs removes audit rows older than the retention window and
// returns how many were deleted.
func (s *Store) CleanupAuditLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var total int64
	for _, table := range []string{"connection_logs", "request_logs", "token_logs"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// isUniqueViolation reports whether the error is a duplicate-key failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
