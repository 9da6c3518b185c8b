package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-curator/internal/approval"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Review pending enhancement changes",
}

// -- changes list --

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "changes", false)
		if err != nil {
			return err
		}
		defer env.Close()

		f := cmd.Flags()
		requestID, _ := f.GetString("request-id")
		recordID, _ := f.GetString("record-id")
		source, _ := f.GetString("source")
		minConf, _ := f.GetFloat64("min-confidence")
		limit, _ := f.GetInt("limit")
		offset, _ := f.GetInt("offset")
		if minConf < 0 || minConf > 1 {
			return eris.New("--min-confidence must be between 0 and 1")
		}

		filter := store.ChangeFilter{
			RequestID:     requestID,
			RecordID:      recordID,
			Source:        source,
			MinConfidence: minConf,
			Limit:         limit,
			Offset:        offset,
		}
		changes, err := env.Approval.ListPending(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "changes list")
		}
		total, err := env.Approval.CountPending(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "changes count")
		}

		if len(changes) == 0 {
			fmt.Fprintln(os.Stderr, "No pending changes.")
			return nil
		}
		formatChangesList(cmd.OutOrStdout(), changes)
		fmt.Fprintf(os.Stderr, "%d of %d pending\n", len(changes), total)
		return nil
	},
}

// -- changes approve --

var changesApproveCmd = &cobra.Command{
	Use:   "approve <change-id>...",
	Short: "Approve and apply changes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "changes", false)
		if err != nil {
			return err
		}
		defer env.Close()

		approver, _ := cmd.Flags().GetString("approver")
		res, err := env.Approval.Approve(ctx, args, approver)
		if err != nil {
			return eris.Wrap(err, "changes approve")
		}
		formatApplyResult(cmd.OutOrStdout(), res)
		return nil
	},
}

// -- changes reject --

var changesRejectCmd = &cobra.Command{
	Use:   "reject <change-id>...",
	Short: "Reject changes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "changes", false)
		if err != nil {
			return err
		}
		defer env.Close()

		approver, _ := cmd.Flags().GetString("approver")
		reason, _ := cmd.Flags().GetString("reason")
		res, err := env.Approval.Reject(ctx, args, approver, reason)
		if err != nil {
			return eris.Wrap(err, "changes reject")
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Rejected %d change(s)\n", res.RejectedCount)
		formatChangeErrors(w, res.Errors)
		return nil
	},
}

// -- changes auto-approve --

var changesAutoApproveCmd = &cobra.Command{
	Use:   "auto-approve",
	Short: "Apply every pending change at or above a confidence threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "changes", false)
		if err != nil {
			return err
		}
		defer env.Close()

		threshold, _ := cmd.Flags().GetFloat64("threshold")
		if threshold == 0 {
			threshold = cfg.Approval.AutoApproveThreshold
		}
		if threshold < 0 || threshold > 1 {
			return eris.New("--threshold must be between 0 and 1")
		}
		actor, _ := cmd.Flags().GetString("actor")

		res, err := env.Approval.AutoApprove(ctx, threshold, actor)
		if err != nil {
			return eris.Wrap(err, "changes auto-approve")
		}
		formatApplyResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func formatChangesList(w io.Writer, changes []model.EnhancementChange) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORD\tFIELD\tTYPE\tCONF\tSOURCE\tNEW VALUE\tFLAGS")
	for _, c := range changes {
		flags := ""
		if c.Flagged() {
			flags = fmt.Sprintf("%d validation error(s)", len(c.ValidationErrors))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			c.ID,
			c.RecordID,
			c.FieldName,
			c.ChangeType,
			c.ConfidenceScore,
			c.Source,
			preview(c.NewValue, 48),
			flags,
		)
	}
	_ = tw.Flush()
}

func formatApplyResult(w io.Writer, res *approval.ApplyResult) {
	fmt.Fprintf(w, "Applied %d change(s) across %d record(s)\n", res.AppliedCount, len(res.RecordIDs))
	for _, id := range res.RollbackPointIDs {
		fmt.Fprintf(w, "  rollback point: %s\n", id)
	}
	formatChangeErrors(w, res.Errors)
}

func formatChangeErrors(w io.Writer, errs []approval.ChangeError) {
	for _, e := range errs {
		fmt.Fprintf(w, "  %s: %s\n", e.ChangeID, e.Reason)
	}
}

// preview renders a value as compact JSON cut to n runes.
func preview(v any, n int) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := []rune(string(b))
	if len(s) <= n {
		return string(s)
	}
	return string(s[:n-3]) + "..."
}

func init() {
	lf := changesListCmd.Flags()
	lf.String("request-id", "", "filter by enhancement request")
	lf.String("record-id", "", "filter by record")
	lf.String("source", "", "filter by source")
	lf.Float64("min-confidence", 0, "minimum confidence score")
	lf.Int("limit", 50, "max changes to list")
	lf.Int("offset", 0, "changes to skip")

	changesApproveCmd.Flags().String("approver", "", "approver ID (required)")
	_ = changesApproveCmd.MarkFlagRequired("approver")

	changesRejectCmd.Flags().String("approver", "", "approver ID (required)")
	changesRejectCmd.Flags().String("reason", "", "rejection reason (required)")
	_ = changesRejectCmd.MarkFlagRequired("approver")
	_ = changesRejectCmd.MarkFlagRequired("reason")

	changesAutoApproveCmd.Flags().Float64("threshold", 0, "confidence threshold (default from config)")
	changesAutoApproveCmd.Flags().String("actor", "auto", "actor recorded on applied changes")

	changesCmd.AddCommand(changesListCmd, changesApproveCmd, changesRejectCmd, changesAutoApproveCmd)
	rootCmd.AddCommand(changesCmd)
}
