// Package lineup serves track lists from downloaded content while the
// device is offline.
package lineup

import (
	"sort"

	"github.com/samber/lo"

	"github.com/offlinekit/offline-core/internal/models"
)

// Select returns the offline lineup of collectionID out of every downloaded
// track. Favorites are ordered newest favorite first. A collection follows
// its track_ids order; for duplicate ids the first position wins and members
// missing from track_ids come last. collection may be nil.
func Select(tracks []*models.Track, collectionID models.CollectionID, collection *models.Collection) []*models.Track {
	if models.IsFavorites(collectionID) {
		return selectFavorites(tracks)
	}

	members := lo.Filter(tracks, func(t *models.Track, _ int) bool {
		return t.Offline.HasCollection(collectionID)
	})

	position := make(map[models.TrackID]int)
	if collection != nil {
		for i, id := range collection.TrackIDs {
			if _, seen := position[id]; !seen {
				position[id] = i
			}
		}
	}

	sort.SliceStable(members, func(i, j int) bool {
		pi, iok := position[members[i].TrackID]
		pj, jok := position[members[j].TrackID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return members[i].TrackID < members[j].TrackID
		}
	})
	return members
}

func selectFavorites(tracks []*models.Track) []*models.Track {
	favorites := lo.Filter(tracks, func(t *models.Track, _ int) bool {
		if t.Offline == nil {
			return false
		}
		return t.Offline.FavoriteCreatedAt != nil || t.Offline.HasCollection(models.FavoritesCollectionID)
	})

	sort.SliceStable(favorites, func(i, j int) bool {
		a, b := favorites[i].Offline.FavoriteCreatedAt, favorites[j].Offline.FavoriteCreatedAt
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		default:
			return a != nil && b == nil
		}
	})
	return favorites
}
