package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/pipeline"
)

// newPipelineCmd creates the 'pipeline' subcommand, which runs discover,
// extract, and analyze in order.
func newPipelineCmd() *cobra.Command {
	var (
		targets    string
		skip       []string
		sequential bool
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Runs the discover, extract, and analyze phases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("skip") {
				skip = appInstance.Config().Pipeline.SkipPhases
			}
			phases, err := pipeline.ParsePhases(skip)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("sequential") {
				sequential = appInstance.Config().Batch.Sequential
			}

			var res pipeline.Result
			if strings.TrimSpace(targets) == "" {
				res, err = appInstance.Pipeline().RunOnAllActive(cmd.Context(), phases, sequential)
			} else {
				ids := appInstance.Registry().ParseSelection(targets)
				res, err = appInstance.Pipeline().RunPipeline(cmd.Context(), ids, phases, sequential)
			}
			if err != nil {
				return fmt.Errorf("run pipeline: %w", err)
			}
			appInstance.Logger().Info("pipeline finished",
				zap.String("pipeline_id", res.ID),
				zap.Bool("success", res.OverallSuccess),
				zap.Int("discovered", res.Summary.Discovered),
				zap.Int("relevant", res.Summary.Relevant),
			)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OverallSuccess {
				return errors.New("pipeline did not complete successfully")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&targets, "targets", "", "target selection (ids, ranges, names); default all active")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "phases to skip (discover, extract, analyze)")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "run work one item at a time")
	return cmd
}
