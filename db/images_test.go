package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codetalk/imgrelay/db"
	"github.com/codetalk/imgrelay/testutil"
)

func testRecord(fileID string, received time.Time) db.ImageRecord {
	return db.ImageRecord{
		FileID:     fileID,
		ReceivedAt: received,
		Username:   "alice",
		ChatID:     5,
		MessageID:  17,
		Caption:    "sunset",
		Ext:        ".jpg",
	}
}

func TestImageStoreRoundtrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewImageStore(database)
	ctx := context.Background()

	fileID := "test-" + uuid.NewString()
	rec := testRecord(fileID, time.Now().Truncate(time.Second))

	if found, err := store.Find(ctx, fileID); err != nil || found != nil {
		t.Fatalf("Find before insert = %v, %v", found, err)
	}

	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	found, err := store.Find(ctx, fileID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil || !found.Equal(rec) {
		t.Fatalf("Find = %+v, want %+v", found, rec)
	}

	rec.RemotePath = "photos/file_1.jpg"
	rec.LocalPath = "/tmp/photos_file_1.jpg"
	rec.HostedURL = "https://i.imgur.com/abc.jpg"
	rec.Finished = true
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	found, err = store.Find(ctx, fileID)
	if err != nil {
		t.Fatalf("Find after update: %v", err)
	}
	if !found.Finished || found.HostedURL != rec.HostedURL || found.LocalPath != rec.LocalPath {
		t.Fatalf("updated record = %+v", found)
	}
}

func TestUnfinishedOrdering(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewImageStore(database)
	ctx := context.Background()

	prefix := "backlog-" + uuid.NewString() + "-"
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	// Insert newest first to prove ordering comes from received_at.
	for i := 2; i >= 0; i-- {
		rec := testRecord(prefix+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	done := testRecord(prefix+"done", base)
	done.Finished = true
	if err := store.Insert(ctx, done); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	backlog, err := store.Unfinished(ctx)
	if err != nil {
		t.Fatalf("Unfinished: %v", err)
	}
	var mine []db.ImageRecord
	for _, rec := range backlog {
		if len(rec.FileID) > len(prefix) && rec.FileID[:len(prefix)] == prefix {
			mine = append(mine, rec)
		}
	}
	if len(mine) != 3 {
		t.Fatalf("unfinished = %d records, want 3", len(mine))
	}
	for i := 1; i < len(mine); i++ {
		if mine[i].ReceivedAt.Before(mine[i-1].ReceivedAt) {
			t.Fatalf("backlog not ordered by received_at: %v", mine)
		}
	}
}

func TestImageRecordEqual(t *testing.T) {
	now := time.Now()
	a := testRecord("f1", now)
	b := testRecord("f1", now.Truncate(time.Second).Add(500*time.Millisecond))
	// Sub-second differences are ignored.
	if !a.Equal(a) {
		t.Fatal("record not equal to itself")
	}
	if a.ReceivedAt.Unix() == b.ReceivedAt.Unix() && !a.Equal(b) {
		t.Fatal("sub-second timestamp difference treated as a change")
	}
	c := a
	c.HostedURL = "https://i.imgur.com/x.jpg"
	if a.Equal(c) {
		t.Fatal("hosted url change not detected")
	}
}
