package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/orchestrator"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job, budget and review-queue statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "stats", false)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Orchestrator.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		formatStats(cmd.OutOrStdout(), st)
		return nil
	},
}

func formatStats(w io.Writer, st *orchestrator.Stats) {
	fmt.Fprintf(w, "Queue depth:      %d\n", st.QueueDepth)
	fmt.Fprintf(w, "In flight:        %d\n", st.InFlight)

	statuses := make([]string, 0, len(st.Jobs))
	for s := range st.Jobs {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintln(w, "Jobs:")
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-12s %d\n", s, st.Jobs[model.JobStatus(s)])
	}

	fmt.Fprintf(w, "Items:            %d completed, %d failed, %d skipped\n",
		st.ItemsCompleted, st.ItemsFailed, st.ItemsSkipped)
	fmt.Fprintf(w, "Success rate:     %.1f%%\n", st.SuccessRate*100)
	fmt.Fprintf(w, "Spend (month):    $%.2f of $%.2f ($%.2f remaining)\n",
		st.SpendToDateUSD, st.MonthlyCeilingUSD, st.RemainingUSD)
	fmt.Fprintf(w, "Pending changes:  %d\n", st.PendingChanges)
}

func init() {
	statsCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(statsCmd)
}
