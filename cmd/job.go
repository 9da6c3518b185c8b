package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/store"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run and inspect bulk enhancement jobs",
}

// -- job run --

var jobRunCmd = &cobra.Command{
	Use:   "run [record-id...]",
	Short: "Enhance a set of records and wait for the job to stop",
	Long: "Creates a bulk job over the given record IDs (and/or --targets-file), runs it " +
		"in the foreground and prints the final job. Interrupting pauses the job so " +
		"`curator job resume` can continue it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		targets := append([]string(nil), args...)
		if path, _ := cmd.Flags().GetString("targets-file"); path != "" {
			fromFile, err := readTargets(path)
			if err != nil {
				return err
			}
			targets = append(targets, fromFile...)
		}
		if len(targets) == 0 {
			return eris.New("no targets: pass record IDs or --targets-file")
		}

		settings, err := jobSettingsFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, "job", true)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orchestrator.CreateJob(ctx, targets, settings)
		if err != nil {
			return eris.Wrap(err, "create job")
		}
		if err := env.Orchestrator.Start(ctx, job.ID); err != nil {
			return eris.Wrap(err, "start job")
		}
		zap.L().Info("job started", zap.String("job_id", job.ID), zap.Int("targets", len(job.Targets)))

		return waitAndPrint(ctx, env, job.ID, cmd.OutOrStdout())
	},
}

// -- job resume --

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "job", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Orchestrator.Recover(ctx); err != nil {
			return eris.Wrap(err, "recover jobs")
		}
		if err := env.Orchestrator.Resume(ctx, args[0]); err != nil {
			return eris.Wrap(err, "resume job")
		}
		return waitAndPrint(ctx, env, args[0], cmd.OutOrStdout())
	},
}

// -- job list --

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bulk jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "stats", false)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := env.Orchestrator.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "job list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobsList(cmd.OutOrStdout(), jobs)
		return nil
	},
}

// -- job show --

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "stats", false)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orchestrator.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job show")
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

// waitAndPrint blocks until the job stops. On interrupt the job is paused
// and its final state still printed.
func waitAndPrint(ctx context.Context, env *curatorEnv, jobID string, w io.Writer) error {
	job, err := env.Orchestrator.Wait(ctx, jobID)
	if err != nil && ctx.Err() != nil {
		zap.L().Info("interrupted, pausing job", zap.String("job_id", jobID))
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if perr := env.Orchestrator.Pause(bg, jobID); perr != nil {
			zap.L().Warn("pause job", zap.String("job_id", jobID), zap.Error(perr))
		}
		job, err = env.Orchestrator.Wait(bg, jobID)
	}
	if err != nil {
		return eris.Wrap(err, "wait for job")
	}

	formatJobSummary(w, job)
	if job.Status == model.JobPaused {
		fmt.Fprintf(w, "Resume with: curator job resume %s\n", job.ID)
	}
	if job.Status == model.JobFailed {
		return eris.Errorf("job %s failed", job.ID)
	}
	return nil
}

func jobSettingsFromFlags(cmd *cobra.Command) (model.JobSettings, error) {
	f := cmd.Flags()
	mode, _ := f.GetString("mode")
	sources, _ := f.GetStringSlice("sources")
	maxConc, _ := f.GetInt("max-concurrent")
	batch, _ := f.GetInt("batch-size")
	ceiling, _ := f.GetFloat64("cost-ceiling")
	threshold, _ := f.GetFloat64("confidence")
	tokens, _ := f.GetInt("token-budget")
	skipVerified, _ := f.GetBool("skip-verified")
	priority, _ := f.GetInt("priority")
	requestedBy, _ := f.GetString("requested-by")

	s := model.JobSettings{
		Mode:                model.EnhancementMode(mode),
		Sources:             sources,
		MaxConcurrent:       maxConc,
		BatchSize:           batch,
		CostCeilingUSD:      ceiling,
		ConfidenceThreshold: threshold,
		TokenBudget:         tokens,
		SkipVerified:        skipVerified,
		Priority:            priority,
		RequestedBy:         requestedBy,
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// readTargets reads one record ID per line. Blank lines and # comments are
// ignored.
func readTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open targets file")
	}
	defer f.Close() //nolint:errcheck
	return parseTargets(f)
}

func parseTargets(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read targets")
	}
	return out, nil
}

func formatJobsList(w io.Writer, jobs []model.BulkJob) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tDONE\tCOMPLETED\tFAILED\tSKIPPED\tSPENT\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t$%.4f\t%s\n",
			shortID(j.ID),
			j.Status,
			j.Settings.Mode,
			j.Progress.Done(), j.Progress.Total,
			j.Progress.Completed,
			j.Progress.Failed,
			j.Progress.Skipped,
			j.Progress.SpentUSD,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = tw.Flush()
}

func formatJobSummary(w io.Writer, job *model.BulkJob) {
	p := job.Progress
	fmt.Fprintf(w, "Job %s %s: %d/%d done (%d completed, %d failed, %d skipped), spent $%.4f\n",
		job.ID, job.Status, p.Done(), p.Total, p.Completed, p.Failed, p.Skipped, p.SpentUSD)
	for _, e := range job.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	f := jobRunCmd.Flags()
	f.String("targets-file", "", "file with one record ID per line")
	f.String("mode", string(model.ModeAnalysis), "enhancement mode: analysis, scrape or hybrid")
	f.StringSlice("sources", nil, "restrict providers (scrape and backend names)")
	f.Int("max-concurrent", 0, "parallel items (default from config)")
	f.Int("batch-size", 0, "progress checkpoint interval (default from config)")
	f.Float64("cost-ceiling", 0, "per-job spend ceiling in USD (0 = none)")
	f.Float64("confidence", 0, "minimum mean candidate confidence (default from config)")
	f.Int("token-budget", 0, "token budget per item (default from config)")
	f.Bool("skip-verified", false, "skip records already marked verified")
	f.Int("priority", 0, "job priority")
	f.String("requested-by", "cli", "requester recorded on the job")

	jobListCmd.Flags().String("status", "", "filter by status")
	jobListCmd.Flags().Int("limit", 50, "max jobs to list")

	jobCmd.AddCommand(jobRunCmd, jobResumeCmd, jobListCmd, jobShowCmd)
	rootCmd.AddCommand(jobCmd)
}
