// Package main provides the partscout-admin maintenance CLI.
//
// The admin tool operates on the same cache directory as the service and
// can populate it ahead of time, refresh stale entries, and prune the
// known-empty ones so they get refetched.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/partscout/partscout/internal/browser"
	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/fetch"
	"github.com/partscout/partscout/internal/patterns"
	"github.com/partscout/partscout/pkg/version"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// runtime bundles everything a crawling subcommand needs. Commands that
// only touch the cache leave the browser side nil.
type adminRuntime struct {
	cfg     *config.Config
	store   *cache.Store
	pm      *patterns.Manager
	pool    *browser.Pool
	fetcher *fetch.Fetcher
}

func newCacheRuntime() (*adminRuntime, error) {
	cfg := config.Load()
	cfg.Validate()

	store, err := cache.New(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cfg.CacheDir, err)
	}
	return &adminRuntime{cfg: cfg, store: store}, nil
}

func newFetchRuntime() (*adminRuntime, error) {
	rt, err := newCacheRuntime()
	if err != nil {
		return nil, err
	}

	pm, err := patterns.NewManager(rt.cfg.PatternsPath, false)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	rt.pm = pm

	rt.pool = browser.NewPool(rt.cfg)
	ser := browser.NewSerializer(rt.cfg.SerializeDelay, rt.cfg.TrailingDelay)
	rt.fetcher = fetch.New(rt.cfg, rt.pool, ser, pm)
	return rt, nil
}

func (rt *adminRuntime) close() {
	if rt.fetcher != nil {
		rt.fetcher.Close()
	}
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
	if rt.pm != nil {
		_ = rt.pm.Close()
	}
}

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "partscout-admin",
		Short:   "Maintain the partscout catalog cache",
		Version: version.Full(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			})
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newPopulateCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newPruneEmptyCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the cache currently holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newCacheRuntime()
			if err != nil {
				return err
			}

			snap := rt.store.Snapshot()
			stale := 0
			_ = rt.store.Walk(func(info cache.EntryInfo) error {
				if info.Stale {
					stale++
				}
				return nil
			})

			fmt.Println(titleStyle.Render("Cache status"))
			fmt.Println(labelStyle.Render("Directory") + valueStyle.Render(rt.cfg.CacheDir))
			fmt.Println(labelStyle.Render("Manufacturers") + valueStyle.Render(fmt.Sprintf("%d", snap.Manufacturers)))
			fmt.Println(labelStyle.Render("Model listings") + valueStyle.Render(fmt.Sprintf("%d", snap.Models)))
			fmt.Println(labelStyle.Render("Manual listings") + valueStyle.Render(fmt.Sprintf("%d", snap.Manuals)))
			if stale > 0 {
				fmt.Println(labelStyle.Render("Stale entries") + warnStyle.Render(fmt.Sprintf("%d", stale)))
			}
			return nil
		},
	}
}
