package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNormalizeSocialURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"null", ""},
		{"None", ""},
		{"N/A", ""},
		{"https://x.com/someproject", "https://x.com/someproject"},
		{"https://twitter.com/someproject?ref=1", "https://twitter.com/someproject?ref=1"},
		{"@someproject", "https://x.com/someproject"},
		{"someproject", "https://x.com/someproject"},
		{"some project!", "https://x.com/someproject"},
		{"@@@", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSocialURL(tt.in); got != tt.want {
			t.Errorf("NormalizeSocialURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractSocialURL(t *testing.T) {
	tests := []struct {
		name string
		doc  any
		want string
	}{
		{
			"direct twitter key",
			map[string]any{"twitter": "https://x.com/proj"},
			"https://x.com/proj",
		},
		{
			"bare handle in twitter key",
			map[string]any{"twitter": "@proj"},
			"https://x.com/proj",
		},
		{
			"extensions object",
			map[string]any{"extensions": map[string]any{"twitter": "https://twitter.com/proj"}},
			"https://twitter.com/proj",
		},
		{
			"nested socials map",
			map[string]any{"socials": map[string]any{"twitter_url": "https://x.com/proj"}},
			"https://x.com/proj",
		},
		{
			"links list with typed items",
			map[string]any{"links": []any{
				map[string]any{"type": "website", "url": "https://proj.io"},
				map[string]any{"type": "twitter", "url": "https://x.com/proj"},
			}},
			"https://x.com/proj",
		},
		{
			"links list item named x",
			map[string]any{"links": []any{
				map[string]any{"type": "x", "value": "proj"},
			}},
			"https://x.com/proj",
		},
		{
			"properties fallback",
			map[string]any{"properties": map[string]any{"twitter": "proj"}},
			"https://x.com/proj",
		},
		{
			"regex sweep over nested document",
			map[string]any{"description": "follow us at https://x.com/proj for updates"},
			"https://x.com/proj",
		},
		{
			"username pattern fallback",
			map[string]any{"twitter_profile": "proj"},
			"https://x.com/proj",
		},
		{
			"placeholder values are skipped",
			map[string]any{"twitter": "null"},
			"",
		},
		{
			"nothing social",
			map[string]any{"name": "Token", "symbol": "TOK"},
			"",
		},
		{
			"nil document",
			nil,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSocialURL(tt.doc); got != tt.want {
				t.Errorf("ExtractSocialURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSocialURLFetchesAndMemoizes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"twitter":"https://x.com/proj"}`))
	}))
	defer srv.Close()

	resolver := NewMetadataResolver(testLogger())

	for i := 0; i < 3; i++ {
		if got := resolver.SocialURL(context.Background(), srv.URL); got != "https://x.com/proj" {
			t.Fatalf("SocialURL() = %q", got)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected a single fetch, got %d", got)
	}
}

func TestSocialURLSkipsImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Image URI must not be fetched")
	}))
	defer srv.Close()

	resolver := NewMetadataResolver(testLogger())
	if got := resolver.SocialURL(context.Background(), srv.URL+"/logo.png"); got != "" {
		t.Errorf("Expected empty result for image URI, got %q", got)
	}
}

func TestSocialURLRequiresJSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`{"twitter":"https://x.com/proj"}`))
	}))
	defer srv.Close()

	resolver := NewMetadataResolver(testLogger())
	if got := resolver.SocialURL(context.Background(), srv.URL); got != "" {
		t.Errorf("Expected empty result for non-JSON response, got %q", got)
	}
}
