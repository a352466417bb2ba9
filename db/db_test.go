package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/codetalk/imgrelay/db"
	"github.com/codetalk/imgrelay/testutil"
)

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestOAuthTokenRoundtrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := db.UpsertOAuthToken(ctx, database, "test-imgur", "access-1", "refresh-1", expiry, "upload"); err != nil {
		t.Fatalf("UpsertOAuthToken: %v", err)
	}
	access, refresh, gotExpiry, scope, err := db.GetOAuthToken(ctx, database, "test-imgur")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if access != "access-1" || refresh != "refresh-1" || scope != "upload" {
		t.Fatalf("token = %q %q %q", access, refresh, scope)
	}
	if gotExpiry.Unix() != expiry.Unix() {
		t.Fatalf("expiry = %v, want %v", gotExpiry, expiry)
	}

	// Upsert replaces the row for the same provider.
	if err := db.UpsertOAuthToken(ctx, database, "test-imgur", "access-2", "refresh-2", expiry, ""); err != nil {
		t.Fatalf("second UpsertOAuthToken: %v", err)
	}
	access, refresh, _, _, err = db.GetOAuthToken(ctx, database, "test-imgur")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if access != "access-2" || refresh != "refresh-2" {
		t.Fatalf("token after upsert = %q %q", access, refresh)
	}
}

func TestGetOAuthTokenMissingProvider(t *testing.T) {
	database := testutil.SetupTestDB(t)
	access, refresh, expiry, scope, err := db.GetOAuthToken(context.Background(), database, "no-such-provider")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if access != "" || refresh != "" || scope != "" || !expiry.IsZero() {
		t.Fatalf("missing provider should yield zero values, got %q %q %v %q", access, refresh, expiry, scope)
	}
}

func TestTokenStoreAdapter(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	adapter := &db.TokenStoreAdapter{DB: database}

	expiry := time.Now().Add(time.Hour)
	if err := adapter.UpsertOAuthToken(ctx, "test-adapter", "a", "r", expiry, ""); err != nil {
		t.Fatalf("UpsertOAuthToken: %v", err)
	}
	access, refresh, _, _, err := adapter.GetOAuthToken(ctx, "test-adapter")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if access != "a" || refresh != "r" {
		t.Fatalf("adapter roundtrip = %q %q", access, refresh)
	}
}
