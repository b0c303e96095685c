package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenderflow/pkg/retrieval"
)

func newQueryCommand(g *globalFlags) *cobra.Command {
	var (
		cf      contextFlags
		asJSON  bool
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Answer one natural-language query",
		Example: `  tenderflow query "network infrastructure requirements" --scope Technical --threshold 0.8 --max 10
  tenderflow query "fire safety compliance" --json --out results.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			qc, err := a.queryContext(cmd, &cf)
			if err != nil {
				return err
			}

			st := a.pipeline.RunPipeline(cmd.Context(), strings.Join(args, " "), qc)

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, st); err != nil {
					return err
				}
			} else {
				renderState(out, st)
				renderResultSummary(out, retrieval.Summarize(st.Results()))
			}

			if outPath != "" && st.Succeeded() {
				if err := retrieval.SaveResults(outPath, st.Results()); err != nil {
					return err
				}
				a.logger.Info("results saved", "path", outPath, "count", len(st.Results()))
			}
			if !st.Succeeded() {
				return fmt.Errorf("query failed: %w", st.Err())
			}
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run state as JSON")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "save the results as JSON to this file")
	return cmd
}
