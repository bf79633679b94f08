package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/types"
)

func newPruneEmptyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-empty",
		Short: "Remove cached listings with zero records",
		Long: "Known-empty listings are served from cache like any other entry.\n" +
			"Pruning them forces a live refetch the next time they are requested.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newCacheRuntime()
			if err != nil {
				return err
			}

			removed, err := rt.store.PruneEmpty()
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("Removed %d empty cache entries", removed)))
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	var (
		all   bool
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refetch stale cache entries",
		Long: "Walks the cache and refetches entries past their TTL. With --all,\n" +
			"every entry is refetched regardless of age.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newFetchRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			var targets []cache.EntryInfo
			err = rt.store.Walk(func(info cache.EntryInfo) error {
				if all || info.Stale {
					targets = append(targets, info)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Println(okStyle.Render("Nothing to refresh"))
				return nil
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Refreshing %d entries", len(targets))))

			limiter := rate.NewLimiter(rate.Every(delay), 1)
			refreshed, failed := 0, 0
			for _, info := range targets {
				if err := limiter.Wait(cmd.Context()); err != nil {
					return err
				}
				if err := refreshEntry(cmd.Context(), rt, info); err != nil {
					failed++
					fmt.Println(errStyle.Render("  failed: ") + valueStyle.Render(info.Kind+" "+info.Identity) + " " + err.Error())
					continue
				}
				refreshed++
				fmt.Println(okStyle.Render("  refreshed: ") + valueStyle.Render(info.Kind+" "+info.Identity))
			}

			fmt.Println(labelStyle.Render("Refreshed") + valueStyle.Render(fmt.Sprintf("%d", refreshed)))
			if failed > 0 {
				fmt.Println(labelStyle.Render("Failed") + errStyle.Render(fmt.Sprintf("%d", failed)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "refetch every entry, not just stale ones")
	cmd.Flags().DurationVar(&delay, "delay", 3*time.Second, "minimum gap between fetches")
	return cmd
}

// refreshEntry refetches one cache entry by kind. Manual identities encode
// manufacturer and model separated by the first underscore; sanitized
// identities never contain one otherwise.
func refreshEntry(ctx context.Context, rt *adminRuntime, info cache.EntryInfo) error {
	switch info.Kind {
	case "manufacturers":
		records, _, err := rt.fetcher.Manufacturers(ctx, "")
		if err != nil {
			return err
		}
		return rt.store.PutManufacturers(records, types.SourceLive)

	case "models":
		records, _, _, err := rt.fetcher.Models(ctx, info.Identity, "")
		if err != nil {
			return err
		}
		return rt.store.PutModels(info.Identity, records, types.SourceLive)

	case "manuals":
		manufacturer, model, ok := strings.Cut(info.Identity, "_")
		if !ok {
			return fmt.Errorf("malformed manuals identity %q", info.Identity)
		}
		records, _, err := rt.fetcher.Manuals(ctx, manufacturer, model, "")
		if err != nil {
			return err
		}
		return rt.store.PutManuals(manufacturer, model, records, types.SourceLive)

	default:
		return fmt.Errorf("unknown cache kind %q", info.Kind)
	}
}
