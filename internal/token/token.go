// Package token defines the event types that flow through the pipeline:
// raw token-creation events from the upstream venue and their enriched
// counterparts published to subscribers.
package token

import "time"

// RawToken is a single token-creation event as received from the upstream
// stream. It is immutable once constructed.
type RawToken struct {
	TokenAddress    string `json:"token_address"`
	PairAddress     string `json:"pair_address"`
	TokenName       string `json:"token_name"`
	TokenTicker     string `json:"token_ticker"`
	DeployerAddress string `json:"deployer_address"`
	Protocol        string `json:"protocol"`
	MetadataURI     string `json:"token_uri,omitempty"`
	SocialURL       string `json:"twitter,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// DeployerToken is one entry of the per-deployer breakdown list.
type DeployerToken struct {
	PairAddress  string  `json:"pair_address"`
	Ticker       string  `json:"ticker"`
	Name         string  `json:"name"`
	MarketCap    float64 `json:"mcap"`
	Supply       float64 `json:"supply"`
	ATHMarketCap float64 `json:"ath_mcap"`
	Migrated     bool    `json:"migrated"`
	CreatedAt    string  `json:"created_at"`
	Protocol     string  `json:"protocol"`
}

// DeployerStats aggregates the deployer's history, excluding the token that
// triggered the lookup. Either the statistics are populated, IsFirstToken is
// set, or Err carries the failure reason; never more than one of the three.
type DeployerStats struct {
	AvgMarketCap    float64         `json:"avg_mcap"`
	AvgATHMarketCap float64         `json:"avg_ath_mcap"`
	Migrated        int             `json:"migrated"`
	Total           int             `json:"total"`
	ValidTokens     int             `json:"valid_tokens"`
	Tokens          []DeployerToken `json:"tokens_info,omitempty"`
	IsFirstToken    bool            `json:"is_first_token,omitempty"`
	SourceEndpoint  string          `json:"api_used,omitempty"`
	Cached          bool            `json:"cached"`
	CacheAge        int             `json:"cache_age,omitempty"`
	Err             string          `json:"error,omitempty"`
}

// MigrationPercent returns migrated/total as a percentage, 0 when the
// deployer has no prior tokens.
func (s DeployerStats) MigrationPercent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Migrated) / float64(s.Total) * 100
}

// SocialKind discriminates the SocialStats variants.
type SocialKind string

const (
	SocialNone        SocialKind = ""
	SocialUserProfile SocialKind = "user"
	SocialCommunity   SocialKind = "community"
	SocialSkippedPost SocialKind = "post"
	SocialError       SocialKind = "error"
)

// SocialStats is the tagged union of social-graph lookups. The Kind field
// selects which counters are meaningful.
type SocialStats struct {
	Kind SocialKind `json:"kind,omitempty"`

	// UserProfile variant
	Followers int `json:"followers,omitempty"`
	Following int `json:"following,omitempty"`

	// Community variant
	Members        int    `json:"community_followers,omitempty"`
	AdminHandle    string `json:"admin_username,omitempty"`
	AdminFollowers int    `json:"admin_followers,omitempty"`
	AdminFollowing int    `json:"admin_following,omitempty"`

	Err string `json:"error,omitempty"`
}

// EnrichedToken is a RawToken augmented with deployer and social statistics.
// Immutable once published to the dispatcher.
type EnrichedToken struct {
	RawToken

	DeployerStats    DeployerStats `json:"dev_mcap_info"`
	SocialStats      SocialStats   `json:"twitter_stats"`
	SocialSource     string        `json:"twitter_source,omitempty"`
	MigrationPercent float64       `json:"percentage"`
	ProcessingMillis int64         `json:"processing_time_ms"`
	EnrichedAt       time.Time     `json:"enriched_at"`
}
