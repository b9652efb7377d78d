// Package cmd defines and implements the CLI commands for the bylaw-crawler
// executable.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"
)

type crawlFlags struct {
	targets     string
	sequential  bool
	concurrency int
	list        bool
	test        bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one discovery batch.
func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs document discovery over a set of targets",
		Long: `Runs one discovery batch. --targets takes ids, ranges, and names
("1,3-5,oakville"); without it every active target is crawled. --test runs
the batch without persisting results.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.targets, "targets", "", "target selection (ids, ranges, names)")
	cmd.Flags().BoolVar(&f.sequential, "sequential", false, "run jobs one at a time")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "parallel jobs (default batch.concurrency)")
	cmd.Flags().BoolVar(&f.list, "list", false, "list registered targets and exit")
	cmd.Flags().BoolVar(&f.test, "test", false, "do not persist results")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, f crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if f.list {
		return printTargets(out, appInstance.Registry().List())
	}

	ids, err := selectTargets(f.targets, appInstance.Registry().ParseSelection, appInstance.Registry().ActiveIDs)
	if err != nil {
		return err
	}
	sequential := f.sequential || (!cmd.Flags().Changed("sequential") && appInstance.Config().Batch.Sequential)

	res, err := appInstance.Runner().Run(cmd.Context(), ids, runner.Options{
		Mode:        runner.ParseMode(sequential),
		Concurrency: f.concurrency,
		Persist:     !f.test,
	})
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	appInstance.Logger().Info("crawl finished",
		zap.String("batch_id", res.ID),
		zap.String("summary", res.Summary()),
		zap.String("location", res.Location),
	)
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d crawl jobs failed", res.Failed, res.Total)
	}
	return nil
}

// selectTargets resolves a selection expression, defaulting to every active
// target.
func selectTargets(expr string, parse func(string) []int, active func() []int) ([]int, error) {
	if strings.TrimSpace(expr) == "" {
		ids := active()
		if len(ids) == 0 {
			return nil, crawler.ErrNoValidTargets
		}
		return ids, nil
	}
	ids := parse(expr)
	if len(ids) == 0 {
		return nil, fmt.Errorf("selection %q: %w", expr, crawler.ErrNoValidTargets)
	}
	return ids, nil
}

func printTargets(w io.Writer, targets []crawler.Target) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tPRIORITY\tFINDER\tENTRY URLS")
	for _, t := range targets {
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%s\t%s\n",
			t.ID, t.Name, t.Active, t.Priority, t.FinderRef, strings.Join(t.EntryURLs, " "))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write targets: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
