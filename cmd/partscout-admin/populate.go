package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/partscout/partscout/internal/types"
)

// crawlStatus is the progress snapshot the crawl goroutine feeds the TUI.
type crawlStatus struct {
	phase   string
	detail  string
	done    int
	total   int
	models  int
	manuals int
	errors  int
}

type statusMsg crawlStatus

type crawlDoneMsg struct {
	status crawlStatus
	err    error
}

type populateModel struct {
	status   crawlStatus
	cancel   context.CancelFunc
	err      error
	finished bool
	canceled bool
}

func (m populateModel) Init() tea.Cmd { return nil }

func (m populateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.canceled = true
			m.cancel()
		}
		return m, nil
	case statusMsg:
		m.status = crawlStatus(msg)
		return m, nil
	case crawlDoneMsg:
		m.status = msg.status
		m.err = msg.err
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m populateModel) View() string {
	if m.finished {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Populating catalog cache") + "\n\n")
	b.WriteString(labelStyle.Render("Phase") + valueStyle.Render(m.status.phase) + "\n")
	if m.status.detail != "" {
		b.WriteString(labelStyle.Render("Current") + valueStyle.Render(m.status.detail) + "\n")
	}
	if m.status.total > 0 {
		b.WriteString(labelStyle.Render("Progress") + valueStyle.Render(progressBar(m.status.done, m.status.total)) + "\n")
	}
	b.WriteString(labelStyle.Render("Models") + valueStyle.Render(fmt.Sprintf("%d", m.status.models)) + "\n")
	if m.status.manuals > 0 {
		b.WriteString(labelStyle.Render("Manuals") + valueStyle.Render(fmt.Sprintf("%d", m.status.manuals)) + "\n")
	}
	if m.status.errors > 0 {
		b.WriteString(labelStyle.Render("Errors") + warnStyle.Render(fmt.Sprintf("%d", m.status.errors)) + "\n")
	}
	if m.canceled {
		b.WriteString("\n" + warnStyle.Render("Canceling, finishing current fetch...") + "\n")
	} else {
		b.WriteString("\n" + labelStyle.Render("") + "press q to stop\n")
	}
	return b.String()
}

func progressBar(done, total int) string {
	const width = 30
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	return fmt.Sprintf("[%s%s] %d/%d",
		strings.Repeat("█", filled),
		strings.Repeat("░", width-filled),
		done, total)
}

type populateOpts struct {
	only        []string
	withManuals bool
	delay       time.Duration
}

func newPopulateCmd() *cobra.Command {
	opts := populateOpts{}
	var maxModels int

	cmd := &cobra.Command{
		Use:   "populate",
		Short: "Crawl the catalog into the cache",
		Long: "Fetches the manufacturer index, then the model listing for each\n" +
			"manufacturer, and optionally every model's manuals. Fetches are paced\n" +
			"by --delay so the crawl stays polite.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newFetchRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			if maxModels > 0 {
				rt.cfg.ModelCap = maxModels
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			p := tea.NewProgram(populateModel{cancel: cancel})
			go func() {
				st, err := crawl(ctx, rt, opts, func(s crawlStatus) { p.Send(statusMsg(s)) })
				p.Send(crawlDoneMsg{status: st, err: err})
			}()

			final, err := p.Run()
			if err != nil {
				return err
			}

			m := final.(populateModel)
			printCrawlSummary(m.status, m.canceled)
			if m.err != nil && !errors.Is(m.err, context.Canceled) {
				return m.err
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.only, "manufacturer", nil, "restrict the crawl to these manufacturer URIs or codes")
	cmd.Flags().BoolVar(&opts.withManuals, "manuals", false, "also fetch every model's manuals")
	cmd.Flags().IntVar(&maxModels, "max-models", 0, "override the per-manufacturer model cap")
	cmd.Flags().DurationVar(&opts.delay, "delay", 3*time.Second, "minimum gap between fetches")
	return cmd
}

// crawl walks the catalog top-down, writing every listing it fetches into
// the cache. Per-manufacturer failures are counted and skipped; only a
// canceled context or a failed manufacturer index aborts the crawl.
func crawl(ctx context.Context, rt *adminRuntime, opts populateOpts, report func(crawlStatus)) (crawlStatus, error) {
	limiter := rate.NewLimiter(rate.Every(opts.delay), 1)
	st := crawlStatus{phase: "manufacturer index"}
	report(st)

	manufacturers, _, err := rt.fetcher.Manufacturers(ctx, "")
	if err != nil {
		return st, fmt.Errorf("fetch manufacturer index: %w", err)
	}
	if err := rt.store.PutManufacturers(manufacturers, types.SourceLive); err != nil {
		return st, err
	}

	selected := manufacturers
	if len(opts.only) > 0 {
		selected = selected[:0:0]
		for _, m := range manufacturers {
			for _, want := range opts.only {
				if strings.EqualFold(m.URI, want) || strings.EqualFold(m.Code, want) {
					selected = append(selected, m)
					break
				}
			}
		}
	}

	st.phase = "model listings"
	st.total = len(selected)

	for i, man := range selected {
		st.done = i
		st.detail = man.Name
		report(st)

		if err := limiter.Wait(ctx); err != nil {
			return st, err
		}

		models, _, _, err := rt.fetcher.Models(ctx, man.URI, "")
		if err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			st.errors++
			continue
		}
		if err := rt.store.PutModels(man.URI, models, types.SourceLive); err != nil {
			return st, err
		}
		st.models += len(models)

		if !opts.withManuals {
			continue
		}
		for _, model := range models {
			st.detail = man.Name + " / " + model.Code
			report(st)

			if err := limiter.Wait(ctx); err != nil {
				return st, err
			}
			manuals, _, err := rt.fetcher.Manuals(ctx, man.URI, model.Code, "")
			if err != nil {
				if ctx.Err() != nil {
					return st, ctx.Err()
				}
				st.errors++
				continue
			}
			if err := rt.store.PutManuals(man.URI, model.Code, manuals, types.SourceLive); err != nil {
				return st, err
			}
			st.manuals += len(manuals)
		}
	}

	st.done = len(selected)
	st.detail = ""
	return st, nil
}

func printCrawlSummary(st crawlStatus, canceled bool) {
	if canceled {
		fmt.Println(warnStyle.Render("Crawl canceled"))
	} else {
		fmt.Println(okStyle.Render("Crawl complete"))
	}
	fmt.Println(labelStyle.Render("Manufacturers") + valueStyle.Render(fmt.Sprintf("%d/%d", st.done, st.total)))
	fmt.Println(labelStyle.Render("Models") + valueStyle.Render(fmt.Sprintf("%d", st.models)))
	if st.manuals > 0 {
		fmt.Println(labelStyle.Render("Manuals") + valueStyle.Render(fmt.Sprintf("%d", st.manuals)))
	}
	if st.errors > 0 {
		fmt.Println(labelStyle.Render("Errors") + errStyle.Render(fmt.Sprintf("%d", st.errors)))
	}
}
