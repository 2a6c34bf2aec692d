// Package filter decides, per subscriber, whether an enriched token should
// be delivered. A blacklisted deployer always blocks delivery; the remaining
// checks combine with AND or OR depending on the subscriber's settings.
package filter

import (
	"strings"

	"github.com/solwatch/tokenstream/internal/token"
)

// Protocols the protocol filter can match on. An unmatched protocol falls
// into the "other" bucket.
var KnownProtocols = []string{
	"pump v1",
	"meteora amm v2",
	"orca",
	"virtual curve",
	"raydium cpmm",
	"launchlab",
	"meteora dlmm",
	"sugar",
	"pump amm",
	"raydium clmm",
	"moonshot",
	"other",
}

// Settings is a subscriber's filter configuration. Disabled checks never
// contribute to the verdict.
type Settings struct {
	EnableAvgMcap bool    `json:"enable_avg_mcap"`
	MinAvgMcap    float64 `json:"min_avg_mcap"`

	EnableAvgATHMcap bool    `json:"enable_avg_ath_mcap"`
	MinAvgATHMcap    float64 `json:"min_avg_ath_mcap"`

	EnableMigrations    bool    `json:"enable_migrations"`
	MinMigrationPercent float64 `json:"min_migration_percent"`

	DevTokensCount int `json:"dev_tokens_count"`

	EnableProtocolFilter bool            `json:"enable_protocol_filter"`
	Protocols            map[string]bool `json:"protocols"`

	EnableSocialUser    bool `json:"enable_twitter_user"`
	MinFollowers        int  `json:"min_twitter_followers"`
	EnableCommunity     bool `json:"enable_twitter_community"`
	MinCommunityMembers int  `json:"min_community_members"`
	MinAdminFollowers   int  `json:"min_admin_followers"`

	// false: one passing check suffices (OR). true: all must pass (AND).
	UseAndMode bool `json:"use_and_mode"`
}

// DefaultSettings matches the database column defaults for a new user.
func DefaultSettings() Settings {
	return Settings{
		DevTokensCount: 10,
		Protocols:      map[string]bool{},
	}
}

// Blacklist answers membership questions about a subscriber's denied
// deployers.
type Blacklist interface {
	Contains(devWallet string) bool
}

// Evaluate reports whether the token passes the subscriber's filters.
func Evaluate(s Settings, blacklist Blacklist, tok token.EnrichedToken) bool {
	if blacklist != nil && blacklist.Contains(tok.DeployerAddress) {
		return false
	}

	var checks []bool

	if s.EnableAvgMcap {
		checks = append(checks, tok.DeployerStats.AvgMarketCap >= s.MinAvgMcap)
	}

	if s.EnableAvgATHMcap {
		checks = append(checks, tok.DeployerStats.AvgATHMarketCap >= s.MinAvgATHMcap)
	}

	if s.EnableMigrations {
		checks = append(checks, tok.MigrationPercent >= s.MinMigrationPercent)
	}

	if s.EnableProtocolFilter {
		checks = append(checks, protocolAllowed(s.Protocols, tok.Protocol))
	}

	if s.EnableSocialUser {
		checks = append(checks,
			tok.SocialStats.Kind == token.SocialUserProfile &&
				tok.SocialStats.Followers >= s.MinFollowers)
	}

	if s.EnableCommunity {
		checks = append(checks,
			tok.SocialStats.Kind == token.SocialCommunity &&
				tok.SocialStats.Members >= s.MinCommunityMembers &&
				tok.SocialStats.AdminFollowers >= s.MinAdminFollowers)
	}

	if len(checks) == 0 {
		return true
	}

	if s.UseAndMode {
		for _, passed := range checks {
			if !passed {
				return false
			}
		}
		return true
	}

	for _, passed := range checks {
		if passed {
			return true
		}
	}
	return false
}

// protocolAllowed matches the token's protocol against the known names by
// substring. Protocols absent from the map are allowed.
func protocolAllowed(allowed map[string]bool, protocol string) bool {
	protocol = strings.ToLower(protocol)

	matched := false
	for _, known := range KnownProtocols {
		if strings.Contains(protocol, known) {
			matched = true
			if enabled, ok := allowed[known]; !ok || enabled {
				return true
			}
		}
	}
	if matched {
		return false
	}

	if enabled, ok := allowed["other"]; ok {
		return enabled
	}
	return true
}
