package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/austindbirch/jiva_gateway/internal/queue"
)

// jobCmd represents the job command
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and retry AI jobs",
	Long:  `Read job records from the queue store and resubmit failed jobs.`,
}

var jobGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show one job",
	Long: `Show the state, attempts and result of a job.

Example:
  jivactl job get 6f1c2c1e-2f4b-4f0e-9a59-1f1f3d0c8a11`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, _ := cmd.Flags().GetString("queue")

		reg, err := openRegistry(false)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		job, err := reg.GetJob(ctx, queueName, args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), job)
		}
		renderJob(cmd.OutOrStdout(), job)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent completed or failed jobs",
	Long: `List the most recent jobs in a terminal state.

Example:
  jivactl job list --state failed --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, _ := cmd.Flags().GetString("queue")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		reg, err := openRegistry(false)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		jobs, err := reg.ListJobs(ctx, queueName, queue.State(state), limit)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
		return nil
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Resubmit a failed job",
	Long: `Put a failed job back on its queue with a fresh attempt budget.

Example:
  jivactl job retry 6f1c2c1e-2f4b-4f0e-9a59-1f1f3d0c8a11`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, _ := cmd.Flags().GetString("queue")

		reg, err := openRegistry(true)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		job, err := reg.Retry(ctx, queueName, args[0])
		if err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), job)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s resubmitted to %s\n", job.ID, job.Queue)
		return nil
	},
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// newTable keeps cell text as written; StyleRounded uppercases headers and footers.
func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	return t
}

func renderJob(w io.Writer, job *queue.Job) {
	t := newTable()
	t.AppendRows([]table.Row{
		{"ID", job.ID},
		{"Queue", job.Queue},
		{"Type", job.Type},
		{"State", job.State},
		{"Attempts", fmt.Sprintf("%d/%d", job.Attempt, job.MaxAttempts)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Finished", formatTime(job.FinishedAt)},
	})
	if job.LastError != "" {
		t.AppendRow(table.Row{"Last error", job.LastError})
	}
	if len(job.Result) > 0 {
		t.AppendRow(table.Row{"Result", truncate(string(job.Result), 120)})
	}
	fmt.Fprintln(w, t.Render())
}

func renderJobs(jobs []*queue.Job) string {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Type", "State", "Attempts", "Finished", "Last error"})
	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID,
			j.Type,
			j.State,
			fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
			formatTime(j.FinishedAt),
			truncate(j.LastError, 60),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d jobs", len(jobs))})
	return t.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobGetCmd, jobListCmd, jobRetryCmd)

	jobCmd.PersistentFlags().String("queue", queue.QueueLLM, "queue name")
	jobListCmd.Flags().String("state", string(queue.StateFailed), "job state: completed or failed")
	jobListCmd.Flags().Int("limit", 20, "maximum jobs to show")
}
