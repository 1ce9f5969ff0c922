package main

import (
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/offlinekit/offline-core/internal/app"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/reconcile"
	"github.com/offlinekit/offline-core/internal/security"
	"github.com/offlinekit/offline-core/internal/state"
)

func cmdDownload() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a collection or a single track for offline use",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "collection <id>",
		Short: "Download every track of a playlist, album or \"favorites\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := security.ValidateCollectionID(id); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			ids, err := a.Reconciler.Prefetch(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return fmt.Errorf("collection %s has no tracks", id)
			}

			done := trackProgress(a, ids, fmt.Sprintf("Downloading %s", id))
			err = a.Orchestrator.EnqueueCollectionDownload(cmd.Context(), id, ids)
			done()
			return err
		},
	})

	track := &cobra.Command{
		Use:   "track <id>",
		Short: "Download one track as part of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := security.ParseTrackID(args[0])
			if err != nil {
				return err
			}
			collectionID, _ := cmd.Flags().GetString("collection")
			if err := security.ValidateCollectionID(collectionID); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			ids, err := a.Reconciler.Prefetch(cmd.Context(), collectionID)
			if err != nil {
				return err
			}
			if !lo.Contains(ids, id) {
				return fmt.Errorf("track %d is not in collection %s", id, collectionID)
			}

			done := trackProgress(a, []models.TrackID{id}, fmt.Sprintf("Downloading track %d", id))
			_, err = a.Orchestrator.EnqueueTrackDownload(cmd.Context(), id, collectionID)
			done()
			return err
		},
	}
	track.Flags().String("collection", models.FavoritesCollectionID, "Collection the track is downloaded from")
	cmd.AddCommand(track)

	return cmd
}

// trackProgress advances a bar as the given tracks settle. The returned func
// finishes the bar and stops listening.
func trackProgress(a *app.App, ids []models.TrackID, description string) func() {
	bar := progressbar.NewOptions(len(ids),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	wanted := lo.SliceToMap(ids, func(id models.TrackID) (string, bool) { return id.String(), true })
	var mu sync.Mutex
	settled := make(map[string]bool)

	unsubscribe := a.State.Subscribe(func(u state.Update) {
		if u.Kind != state.KindTrack || !wanted[u.ID] {
			return
		}
		if u.Status != models.StatusComplete && u.Status != models.StatusError {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !settled[u.ID] {
			settled[u.ID] = true
			bar.Add(1)
		}
	})

	return func() {
		unsubscribe()
		bar.Finish()
	}
}

func cmdSync() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [collection-id]",
		Short: "Reconcile downloaded collections with the remote catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if len(args) == 1 {
				if err := security.ValidateCollectionID(args[0]); err != nil {
					return err
				}
				res, err := a.Reconciler.SyncCollection(cmd.Context(), args[0])
				if res != nil {
					printResults(cmd, []*reconcile.Result{res})
				}
				return err
			}

			results, err := a.Reconciler.SyncAll(cmd.Context())
			printResults(cmd, results)
			return err
		},
	}
}

func printResults(cmd *cobra.Command, results []*reconcile.Result) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tRESULT\tADDED\tREMOVED\tART")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", r.CollectionID, r.Result, len(r.Added), len(r.Removed), r.ArtRefreshed)
	}
	w.Flush()
}

func cmdPurge() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [track-id]",
		Short: "Delete one downloaded track, or every download",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if len(args) == 0 {
				if err := a.Orchestrator.PurgeAllDownloads(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All downloads removed")
				return nil
			}

			id, err := security.ParseTrackID(args[0])
			if err != nil {
				return err
			}
			if err := a.Orchestrator.PurgeDownloadedTrack(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Track %d removed\n", id)
			return nil
		},
	}
}

func cmdList() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List downloaded tracks and collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			collections, err := a.Content.ListCollections()
			if err != nil {
				return err
			}
			tracks, err := a.Lineups.OfflineTracks()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COLLECTION\tNAME\tTRACKS")
			for _, id := range collections {
				c, err := a.Content.ReadCollectionMetadata(id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", id, c.Name, len(c.TrackIDs))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "TRACK\tTITLE\tCOLLECTIONS")
			for _, t := range tracks {
				var from []string
				if t.Offline != nil {
					from = t.Offline.DownloadedFromCollection
				}
				fmt.Fprintf(w, "%d\t%s\t%v\n", t.TrackID, t.Title, from)
			}
			return w.Flush()
		},
	}
}
