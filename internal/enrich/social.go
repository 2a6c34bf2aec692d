package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/solwatch/tokenstream/internal/cache"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/token"
)

const (
	socialTimeout        = 2 * time.Second
	socialConnectTimeout = 500 * time.Millisecond
	socialCacheSize      = 5000
)

var (
	communityRegex = regexp.MustCompile(`(?i)https?://(?:twitter\.com|x\.com)/i/communities/(\d+)`)
	profileRegex   = regexp.MustCompile(`(?i)https?://(?:twitter\.com|x\.com)/([A-Za-z0-9_]+)(?:\?|/status|$)`)
	postRegex      = regexp.MustCompile(`(?i)^https?://(?:twitter\.com|x\.com)/[A-Za-z0-9_]+/status/\d+`)
)

// IsPostURL reports whether the URL points at a single post rather than a
// profile or community.
func IsPostURL(u string) bool {
	return postRegex.MatchString(u)
}

// SocialClient looks up follower statistics for profiles and communities.
// Lookups are memoized for the process lifetime.
type SocialClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	profileCache   *cache.TTLCache[string, token.SocialStats]
	communityCache *cache.TTLCache[string, token.SocialStats]
	logger         *logger.Logger
}

func NewSocialClient(apiKey, baseURL string, log *logger.Logger) *SocialClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: socialConnectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 20,
	}
	return &SocialClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   socialTimeout,
			Transport: transport,
		},
		profileCache:   cache.NewTTL[string, token.SocialStats](socialCacheSize, 0),
		communityCache: cache.NewTTL[string, token.SocialStats](socialCacheSize, 0),
		logger:         log.WithComponent("social"),
	}
}

// Resolve classifies the URL and fetches the matching statistics. Post URLs
// are never fetched.
func (c *SocialClient) Resolve(ctx context.Context, socialURL string) token.SocialStats {
	if IsPostURL(socialURL) {
		return token.SocialStats{Kind: token.SocialSkippedPost, Err: "Post URL - skipped"}
	}

	if m := communityRegex.FindStringSubmatch(socialURL); m != nil {
		return c.communityInfo(ctx, m[1])
	}

	if m := profileRegex.FindStringSubmatch(socialURL); m != nil {
		return c.profileStats(ctx, m[1])
	}

	return token.SocialStats{Kind: token.SocialError, Err: "Invalid URL"}
}

func (c *SocialClient) profileStats(ctx context.Context, handle string) token.SocialStats {
	if stats, _, ok := c.profileCache.Get(handle); ok {
		return stats
	}

	params := url.Values{}
	params.Set("userName", handle)
	body, err := c.get(ctx, "/twitter/user/info", params)
	if err != nil {
		return token.SocialStats{Kind: token.SocialError, Err: err.Error()}
	}

	var payload struct {
		Data *struct {
			Followers int `json:"followers"`
			Following int `json:"following"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data == nil {
		return token.SocialStats{Kind: token.SocialError, Err: "Invalid response"}
	}

	stats := token.SocialStats{
		Kind:      token.SocialUserProfile,
		Followers: payload.Data.Followers,
		Following: payload.Data.Following,
	}
	c.profileCache.Set(handle, stats)
	return stats
}

func (c *SocialClient) communityInfo(ctx context.Context, communityID string) token.SocialStats {
	if stats, _, ok := c.communityCache.Get(communityID); ok {
		return stats
	}

	params := url.Values{}
	params.Set("community_id", communityID)
	body, err := c.get(ctx, "/twitter/community/info", params)
	if err != nil {
		return token.SocialStats{Kind: token.SocialError, Err: err.Error()}
	}

	var payload struct {
		CommunityInfo *struct {
			MemberCount int `json:"member_count"`
			Admin       *struct {
				ScreenName     string `json:"screen_name"`
				FollowersCount int    `json:"followers_count"`
				FriendsCount   int    `json:"friends_count"`
			} `json:"admin"`
		} `json:"community_info"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.CommunityInfo == nil {
		return token.SocialStats{Kind: token.SocialError, Err: "Invalid response"}
	}

	info := payload.CommunityInfo
	stats := token.SocialStats{Kind: token.SocialError, Err: "Admin not found"}
	if info.Admin != nil {
		stats = token.SocialStats{
			Kind:           token.SocialCommunity,
			Members:        info.MemberCount,
			AdminHandle:    info.Admin.ScreenName,
			AdminFollowers: info.Admin.FollowersCount,
			AdminFollowing: info.Admin.FriendsCount,
		}
	}
	c.communityCache.Set(communityID, stats)
	return stats
}

func (c *SocialClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
