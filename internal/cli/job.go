package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/queue"
)

var (
	jobInputFile     string
	jobPriority      string
	jobMaxRetries    int
	jobTimeoutMs     int64
	jobIdempotentKey string
	jobListStatus    string
	jobListLimit     int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Enqueue, inspect, and cancel jobs",
	Long:  `Manage Jobs in the queue (spec §4.E): enqueue new work, list by status, and cancel jobs that have not yet completed.`,
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue <task-id>",
	Short: "Enqueue a job for the given task",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobEnqueue,
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGet,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by status",
	RunE:  runJobList,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not yet completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

func init() {
	jobEnqueueCmd.Flags().StringVar(&jobInputFile, "input", "", "path to a JSON file with the job's input (default: empty object)")
	jobEnqueueCmd.Flags().StringVar(&jobPriority, "priority", "normal", "priority: low, normal, high, urgent")
	jobEnqueueCmd.Flags().IntVar(&jobMaxRetries, "max-retries", 3, "maximum retry attempts on failure")
	jobEnqueueCmd.Flags().Int64Var(&jobTimeoutMs, "timeout-ms", 30000, "execution timeout in milliseconds")
	jobEnqueueCmd.Flags().StringVar(&jobIdempotentKey, "idempotency-key", "", "dedup key: a second enqueue with the same key is a no-op")

	jobListCmd.Flags().StringVar(&jobListStatus, "status", "queued", "status to filter by: queued, processing, completed, failed, cancelled")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 50, "maximum number of jobs to list")

	jobCmd.AddCommand(jobEnqueueCmd, jobGetCmd, jobListCmd, jobCancelCmd)
	rootCmd.AddCommand(jobCmd)
}

func runJobEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	taskID, err := ids.ParseTaskID(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	input := json.RawMessage(`{}`)
	if jobInputFile != "" {
		data, err := os.ReadFile(jobInputFile)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		input = json.RawMessage(data)
	}

	pool, _, jobs, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	opts := queue.DefaultEnqueueOptions()
	opts.Priority = queue.ParsePriority(jobPriority)
	opts.MaxRetries = jobMaxRetries
	opts.TimeoutMs = jobTimeoutMs
	opts.IdempotencyKey = jobIdempotentKey

	job, err := jobs.Enqueue(ctx, taskID, input, opts)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, job)
	}
	fmt.Printf("enqueued job %s  task=%s priority=%s status=%s\n", job.ID, job.TaskID, job.Priority, job.Status)
	return nil
}

func runJobGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := ids.ParseJobID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}

	pool, _, jobs, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	job, err := jobs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, job)
	}
	fmt.Printf("job %s\n  task:        %s\n  status:      %s\n  priority:    %s\n  retry_count: %d/%d\n  queued_at:   %s\n",
		job.ID, job.TaskID, job.Status, job.Priority, job.RetryCount, job.MaxRetries, job.QueuedAt)
	if job.LastError != "" {
		fmt.Printf("  last_error:  %s\n", job.LastError)
	}
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, _, jobs, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	status := queue.Status(jobListStatus)
	list, err := jobs.ListByStatus(ctx, status, jobListLimit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tTASK\tPRIORITY\tSTATUS\tRETRIES\tQUEUED_AT")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", j.ID, j.TaskID, j.Priority, j.Status, j.RetryCount, j.MaxRetries, j.QueuedAt)
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := ids.ParseJobID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}

	pool, _, jobs, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := jobs.Cancel(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, map[string]any{"id": id.String(), "status": "cancelled"})
	}
	fmt.Printf("cancelled job %s\n", id)
	return nil
}
