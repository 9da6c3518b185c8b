package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/model"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Inspect and execute record rollbacks",
}

// -- rollback list --

var rollbackListCmd = &cobra.Command{
	Use:   "list <record-id>",
	Short: "List rollback points for a record, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "rollback", false)
		if err != nil {
			return err
		}
		defer env.Close()

		points, err := env.Rollback.List(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "rollback list")
		}
		if len(points) == 0 {
			fmt.Fprintln(os.Stderr, "No rollback points found.")
			return nil
		}
		formatRollbackPoints(cmd.OutOrStdout(), points)
		return nil
	},
}

// -- rollback exec --

var rollbackExecCmd = &cobra.Command{
	Use:   "exec <point-id>",
	Short: "Restore a record to a rollback point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "rollback", false)
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")

		res, err := env.Rollback.Rollback(ctx, args[0], actor, reason)
		if err != nil {
			return eris.Wrap(err, "rollback exec")
		}
		formatRollbackResult(cmd.OutOrStdout(), res)
		if !res.Success {
			return eris.Errorf("rollback %s failed", args[0])
		}
		return nil
	},
}

// -- rollback sweep --

var rollbackSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete rollback points past the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "rollback", false)
		if err != nil {
			return err
		}
		defer env.Close()

		days, _ := cmd.Flags().GetInt("retention-days")
		if days == 0 {
			days = cfg.Rollback.RetentionDays
		}

		n, err := env.Rollback.Sweep(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		zap.L().Info("rollback sweep complete", zap.Int("deleted", n), zap.Int("retention_days", days))
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d rollback point(s) older than %d days\n", n, days)
		return nil
	},
}

func formatRollbackPoints(w io.Writer, points []model.RollbackPoint) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREQUEST\tCHANGES\tFIELDS\tCREATED BY\tCREATED")
	for _, p := range points {
		fields := make([]string, 0, len(p.SnapshotData))
		for k := range p.SnapshotData {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			p.ID,
			orDash(p.RequestID),
			len(p.AppliedChangeIDs),
			strings.Join(fields, ","),
			p.CreatedBy,
			p.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = tw.Flush()
}

func formatRollbackResult(w io.Writer, res *model.RollbackResult) {
	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "Rollback %s for record %s: %d field(s) reverted, %d change(s) rolled back\n",
		status, res.RecordID, len(res.RevertedFields), res.RolledBackChanges)
	if len(res.RevertedFields) > 0 {
		fmt.Fprintf(w, "  fields: %s\n", strings.Join(res.RevertedFields, ", "))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	fmt.Fprintf(w, "  history: %s\n", res.HistoryID)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rollbackExecCmd.Flags().String("actor", "", "actor ID (required)")
	rollbackExecCmd.Flags().String("reason", "", "reason recorded in history (required)")
	_ = rollbackExecCmd.MarkFlagRequired("actor")
	_ = rollbackExecCmd.MarkFlagRequired("reason")

	rollbackSweepCmd.Flags().Int("retention-days", 0, "retention window (default from config)")

	rollbackCmd.AddCommand(rollbackListCmd, rollbackExecCmd, rollbackSweepCmd)
	rootCmd.AddCommand(rollbackCmd)
}
