package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scraperpro/orchestrator/internal/domain"
)

func newSubmitCmd() *cobra.Command {
	var (
		country    string
		lang       string
		theme      string
		keywords   []string
		logicMode  string
		useJS      bool
		maxPages   int
		priority   int
		rotation   string
		stickyTTL  int
		rps        float64
		maxRetries int
		notes      string
	)

	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Queue a crawl job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			phases := make(map[domain.Phase]domain.PhaseState, len(domain.Phases()))
			for _, p := range domain.Phases() {
				phases[p] = domain.PhasePending
			}

			if maxRetries <= 0 {
				maxRetries = a.Config.Scheduler.DefaultMaxRetries
			}

			job := &domain.Job{
				URL:               args[0],
				CountryFilter:     country,
				LangFilter:        lang,
				Theme:             theme,
				CustomKeywords:    keywords,
				LogicMode:         domain.LogicMode(logicMode),
				UseJS:             useJS,
				MaxPagesPerDomain: maxPages,
				Priority:          priority,
				MaxRetries:        maxRetries,
				RetryStrategy:     domain.RetryExponential,
				RetryBaseSeconds:  a.Config.Scheduler.DefaultRetryBase,
				RotationMode:      domain.RotationMode(rotation),
				StickyTTLSeconds:  stickyTTL,
				RPSPerProxy:       rps,
				PhaseStatus:       phases,
				Notes:             notes,
			}

			saved, err := a.Jobs.Submit(cmd.Context(), job)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d queued (status %s)\n", saved.ID, saved.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&country, "country", "", "country filter")
	cmd.Flags().StringVar(&lang, "lang", "", "language filter")
	cmd.Flags().StringVar(&theme, "theme", "", "crawl theme")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "custom keyword (repeatable)")
	cmd.Flags().StringVar(&logicMode, "logic", string(domain.LogicOr), "keyword logic: or, and, multiple")
	cmd.Flags().BoolVar(&useJS, "js", false, "render pages with JS")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page cap per domain")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority, lower first")
	cmd.Flags().StringVar(&rotation, "rotation", string(domain.RotatePerSpider), "proxy rotation: per_spider, per_request, sticky")
	cmd.Flags().IntVar(&stickyTTL, "sticky-ttl", 0, "sticky binding TTL in seconds")
	cmd.Flags().Float64Var(&rps, "rps", 0, "per-proxy RPS override")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry attempts before terminal failure")
	cmd.Flags().StringVar(&notes, "notes", "", "operator notes")

	return cmd
}
