package models

import (
	"strconv"
	"strings"
	"time"
)

// TrackID identifies a track
type TrackID int64

// String returns the decimal form used for directory and status keys
func (id TrackID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseTrackID parses a decimal track id
func ParseTrackID(s string) (TrackID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return TrackID(v), nil
}

// CollectionID identifies a playlist, an album or the favorites pseudo-collection
type CollectionID = string

// FavoritesCollectionID is the sentinel grouping for a user's favorited tracks
const FavoritesCollectionID CollectionID = "favorites"

// IsFavorites reports whether id is the favorites pseudo-collection
func IsFavorites(id CollectionID) bool {
	return id == FavoritesCollectionID
}

// User represents a track or collection owner
type User struct {
	UserID              int64  `json:"user_id"`
	Handle              string `json:"handle"`
	Name                string `json:"name"`
	CreatorNodeEndpoint string `json:"creator_node_endpoint"` // comma separated mirror list
	ProfilePictureSizes string `json:"profile_picture_sizes,omitempty"`
}

// Endpoints returns the owner's content mirrors in priority order
func (u *User) Endpoints() []string {
	if u == nil || u.CreatorNodeEndpoint == "" {
		return nil
	}
	var endpoints []string
	for _, e := range strings.Split(u.CreatorNodeEndpoint, ",") {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return endpoints
}

// OfflineMetadata is the bookkeeping attached to every persisted record
type OfflineMetadata struct {
	DownloadCompletedTime    int64      `json:"download_completed_time"`
	LastVerifiedTime         int64      `json:"last_verified_time"`
	DownloadedFromCollection []string   `json:"downloaded_from_collection"`
	FavoriteCreatedAt        *time.Time `json:"favorite_created_at,omitempty"`
}

// HasCollection reports whether the record is owned by collectionID
func (o *OfflineMetadata) HasCollection(collectionID CollectionID) bool {
	if o == nil {
		return false
	}
	for _, c := range o.DownloadedFromCollection {
		if c == collectionID {
			return true
		}
	}
	return false
}

// Track represents a single audio item
type Track struct {
	TrackID       TrackID          `json:"track_id"`
	OwnerID       int64            `json:"owner_id"`
	Title         string           `json:"title"`
	Duration      int              `json:"duration"`
	IsAvailable   bool             `json:"is_available"`
	CoverArtSizes string           `json:"cover_art_sizes"`
	IsUnlisted    bool             `json:"is_unlisted"`
	IsDelete      bool             `json:"is_delete"`
	User          *User            `json:"user,omitempty"`
	Offline       *OfflineMetadata `json:"offline,omitempty"`
}

// Collection represents an ordered set of tracks (playlist or album)
type Collection struct {
	PlaylistID    int64            `json:"playlist_id"`
	OwnerID       int64            `json:"playlist_owner_id"`
	Name          string           `json:"playlist_name"`
	IsAlbum       bool             `json:"is_album"`
	IsPrivate     bool             `json:"is_private"`
	IsDelete      bool             `json:"is_delete"`
	CoverArtSizes string           `json:"cover_art_sizes"`
	TrackIDs      []TrackID        `json:"track_ids"`
	UpdatedAt     time.Time        `json:"updated_at"`
	User          *User            `json:"user,omitempty"`
	Offline       *OfflineMetadata `json:"offline,omitempty"`
}

// ID returns the collection id as used for directories and status keys
func (c *Collection) ID() CollectionID {
	return strconv.FormatInt(c.PlaylistID, 10)
}

// Accessible reports whether the collection can still be downloaded
func (c *Collection) Accessible() bool {
	return !c.IsDelete && !c.IsPrivate
}

// Favorite is a favorited track with the time it was favorited
type Favorite struct {
	TrackID   TrackID   `json:"track_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DownloadPayload is the unit of work for a track download job
type DownloadPayload struct {
	TrackID      TrackID      `json:"track_id"`
	UserID       int64        `json:"user_id"`
	CollectionID CollectionID `json:"collection_id"`
}

// Equal compares two payloads field by field
func (p DownloadPayload) Equal(other DownloadPayload) bool {
	return p.TrackID == other.TrackID &&
		p.UserID == other.UserID &&
		p.CollectionID == other.CollectionID
}
