package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/solwatch/tokenstream/internal/cache"
	"github.com/solwatch/tokenstream/internal/logger"
)

const (
	metadataTimeout   = 1 * time.Second
	metadataCacheSize = 10000
)

var (
	socialURLRegex = regexp.MustCompile(`(?i)https?://(?:twitter\.com|x\.com)/[^\s"]+`)
	handleRegex    = regexp.MustCompile(`[^A-Za-z0-9_]`)

	// Fallback patterns applied to the raw JSON when no structured field
	// yields a URL.
	usernamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"twitter[^"]*":\s*"@?([A-Za-z0-9_]{1,15})"`),
		regexp.MustCompile(`(?i)"x[^"]*":\s*"@?([A-Za-z0-9_]{1,15})"`),
		regexp.MustCompile(`(?i)"handle[^"]*":\s*"@?([A-Za-z0-9_]{1,15})"`),
		regexp.MustCompile(`@([A-Za-z0-9_]{1,15})`),
	}

	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg"}

	// Field names that may carry a social URL or handle directly.
	socialKeys = []string{
		"twitter", "Twitter", "TWITTER", "x", "X",
		"twitterUrl", "twitter_url", "TwitterUrl",
		"twitterLink", "twitter_link", "TwitterLink",
		"twitterHandle", "twitter_handle", "TwitterHandle",
		"twitterUsername", "twitter_username",
		"social_twitter", "socialTwitter",
		"handle", "username",
	}

	// Container fields whose children are searched for socialKeys.
	containerKeys = []string{
		"social", "socials", "Social", "Socials",
		"links", "Links", "LINKS",
		"urls", "Urls", "URLS",
		"external_url", "externalUrl", "ExternalUrl",
		"socialLinks", "social_links", "SocialLinks",
		"socialMedia", "social_media", "SocialMedia",
		"contacts", "Contacts",
		"extensions", "Extensions",
		"attributes", "Attributes",
	}

	listURLKeys = []string{"url", "value", "link", "href", "address"}
)

// MetadataResolver fetches off-chain token metadata and extracts a social
// URL from it. Results are memoized per URI without expiry since metadata
// documents are immutable in practice.
type MetadataResolver struct {
	httpClient *http.Client
	cache      *cache.TTLCache[string, string]
	logger     *logger.Logger
}

func NewMetadataResolver(log *logger.Logger) *MetadataResolver {
	return &MetadataResolver{
		httpClient: &http.Client{Timeout: metadataTimeout},
		cache:      cache.NewTTL[string, string](metadataCacheSize, 0),
		logger:     log.WithComponent("metadata"),
	}
}

// SocialURL fetches the metadata document behind uri and returns the social
// URL found in it, or "" when there is none. Image URIs are never fetched.
func (r *MetadataResolver) SocialURL(ctx context.Context, uri string) string {
	if uri == "" {
		return ""
	}
	if cached, _, ok := r.cache.Get(uri); ok {
		return cached
	}

	lower := strings.ToLower(uri)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			r.cache.Set(uri, "")
			return ""
		}
	}

	result := r.fetchAndExtract(ctx, uri)
	r.cache.Set(uri, result)
	return result
}

func (r *MetadataResolver) fetchAndExtract(ctx context.Context, uri string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return ExtractSocialURL(doc)
}

// ExtractSocialURL digs a social URL out of an arbitrary metadata document.
// Structured fields are preferred; a regex sweep over the serialized
// document is the last resort.
func ExtractSocialURL(doc any) string {
	if doc == nil {
		return ""
	}

	if obj, ok := doc.(map[string]any); ok {
		for _, key := range socialKeys {
			if url := NormalizeSocialURL(stringValue(obj[key])); url != "" {
				return url
			}
		}

		if ext, ok := obj["extensions"].(map[string]any); ok {
			if url := NormalizeSocialURL(stringValue(ext["twitter"])); url != "" {
				return url
			}
		}

		for _, parent := range containerKeys {
			switch child := obj[parent].(type) {
			case map[string]any:
				for _, key := range socialKeys {
					if url := NormalizeSocialURL(stringValue(child[key])); url != "" {
						return url
					}
				}
			case []any:
				for _, raw := range child {
					item, ok := raw.(map[string]any)
					if !ok {
						continue
					}
					itemType := strings.ToLower(stringValue(item["type"]))
					itemName := strings.ToLower(stringValue(item["name"]))
					if strings.Contains(itemType, "twitter") || strings.Contains(itemName, "twitter") || itemType == "x" {
						for _, urlKey := range listURLKeys {
							if url := NormalizeSocialURL(stringValue(item[urlKey])); url != "" {
								return url
							}
						}
					}
					for _, key := range socialKeys {
						if url := NormalizeSocialURL(stringValue(item[key])); url != "" {
							return url
						}
					}
				}
			}
		}

		if props, ok := obj["properties"].(map[string]any); ok {
			for _, key := range socialKeys {
				if url := NormalizeSocialURL(stringValue(props[key])); url != "" {
					return url
				}
			}
		}
	}

	serialized, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	if match := socialURLRegex.Find(serialized); match != nil {
		return string(match)
	}

	for _, pattern := range usernamePatterns {
		if m := pattern.FindSubmatch(serialized); m != nil {
			handle := string(m[1])
			switch strings.ToLower(handle) {
			case "", "null", "none", "n", "a":
				continue
			}
			return fmt.Sprintf("https://x.com/%s", handle)
		}
	}

	return ""
}

// NormalizeSocialURL turns a URL or bare handle into a canonical profile
// URL. Placeholder values come back empty.
func NormalizeSocialURL(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	switch strings.ToLower(value) {
	case "null", "none", "n/a":
		return ""
	}

	lower := strings.ToLower(value)
	if strings.Contains(lower, "twitter.com") || strings.Contains(lower, "x.com") {
		return value
	}

	handle := handleRegex.ReplaceAllString(strings.TrimLeft(value, "@"), "")
	if handle == "" {
		return ""
	}
	return fmt.Sprintf("https://x.com/%s", handle)
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
