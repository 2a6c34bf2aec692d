package registry

import (
	"log/slog"
	"testing"

	"github.com/lib/pq"
	"github.com/solwatch/tokenstream/internal/logger"
)

func TestGenerateAPIKey(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		key, err := generateAPIKey()
		if err != nil {
			t.Fatalf("generateAPIKey failed: %v", err)
		}
		if len(key) < 40 {
			t.Fatalf("Key too short: %q", key)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("Duplicate key generated: %q", key)
		}
		seen[key] = struct{}{}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("Expected 23505 to be a unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("Foreign key violation is not a unique violation")
	}
	if isUniqueViolation(nil) {
		t.Error("nil is not a unique violation")
	}
}

func TestNullableID(t *testing.T) {
	if got := nullableID(nil); got.Valid {
		t.Error("Expected invalid NullInt64 for nil")
	}
	id := int64(7)
	got := nullableID(&id)
	if !got.Valid || got.Int64 != 7 {
		t.Errorf("Unexpected NullInt64: %+v", got)
	}
}

func TestSettingsColumnsAreWhitelisted(t *testing.T) {
	// Every wire parameter must map onto a known column; nothing outside
	// this map ever reaches the SQL builder.
	expected := []string{
		"enable_avg_mcap", "min_avg_mcap",
		"enable_avg_ath_mcap", "min_avg_ath_mcap",
		"enable_migrations", "min_migration_percent",
		"dev_tokens_count",
		"enable_protocol_filter", "protocols",
		"enable_twitter_user", "min_twitter_followers",
		"enable_twitter_community", "min_community_members", "min_admin_followers",
		"use_and_mode",
	}
	for _, key := range expected {
		if _, ok := settingsColumns[key]; !ok {
			t.Errorf("Missing settings column mapping for %q", key)
		}
	}
	if len(settingsColumns) != len(expected) {
		t.Errorf("Unexpected settings column count: %d", len(settingsColumns))
	}
}

func TestAuditWriterDropsWhenFull(t *testing.T) {
	log := logger.New(logger.Config{Level: slog.LevelError})

	// No workers, so the two-slot buffer fills immediately.
	w := NewAuditWriter(nil, AuditConfig{BufferSize: 2}, log)

	for i := 0; i < 5; i++ {
		w.LogTokenSent("tok", "name", "TICK", false)
	}

	if got := w.Dropped(); got != 3 {
		t.Errorf("Expected 3 dropped entries, got %d", got)
	}
}
