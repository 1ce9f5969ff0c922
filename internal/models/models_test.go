package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUserEndpoints(t *testing.T) {
	u := &User{CreatorNodeEndpoint: "https://cn1.example.com/, https://cn2.example.com,,"}
	got := u.Endpoints()
	if len(got) != 2 {
		t.Fatalf("Expected 2 endpoints, got %d (%v)", len(got), got)
	}
	if got[0] != "https://cn1.example.com" {
		t.Errorf("Expected trailing slash trimmed, got %s", got[0])
	}

	var nilUser *User
	if nilUser.Endpoints() != nil {
		t.Error("Expected nil endpoints for nil user")
	}
}

func TestDownloadPayloadEqual(t *testing.T) {
	a := DownloadPayload{TrackID: 1, UserID: 2, CollectionID: "3"}
	if !a.Equal(DownloadPayload{TrackID: 1, UserID: 2, CollectionID: "3"}) {
		t.Error("Expected identical payloads to be equal")
	}
	if a.Equal(DownloadPayload{TrackID: 1, UserID: 2, CollectionID: FavoritesCollectionID}) {
		t.Error("Expected payloads with different collections to differ")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNotStarted, StatusDownloading, true},
		{StatusNotStarted, StatusComplete, false},
		{StatusNotStarted, StatusError, true},
		{StatusDownloading, StatusComplete, true},
		{StatusDownloading, StatusError, true},
		{StatusError, StatusDownloading, true},
		{StatusError, StatusComplete, false},
		{StatusComplete, StatusDownloading, true},
		{StatusComplete, StatusError, false},
		{StatusComplete, StatusNotStarted, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOfflineMetadataJSON(t *testing.T) {
	favAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	track := Track{
		TrackID: 10,
		Title:   "Song",
		Offline: &OfflineMetadata{
			DownloadCompletedTime:    1700000000000,
			LastVerifiedTime:         1700000000000,
			DownloadedFromCollection: []string{FavoritesCollectionID},
			FavoriteCreatedAt:        &favAt,
		},
	}

	data, err := json.Marshal(track)
	if err != nil {
		t.Fatalf("Failed to marshal track: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	offline, ok := raw["offline"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected offline object in JSON")
	}
	for _, key := range []string{"download_completed_time", "last_verified_time", "downloaded_from_collection", "favorite_created_at"} {
		if _, ok := offline[key]; !ok {
			t.Errorf("Expected key %s in offline object", key)
		}
	}
	if !track.Offline.HasCollection(FavoritesCollectionID) {
		t.Error("Expected favorites membership")
	}
}
