package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/schedule"
)

var (
	scheduleInputFile  string
	scheduleCron       string
	schedulePriority   string
	scheduleMaxRetries int
	scheduleTimeoutMs  int64
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron schedules",
	Long:  `Create, list, enable, disable, and delete cron Schedules (spec §3, §4.F).`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create <task-id>",
	Short: "Create a cron schedule for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCreate,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	RunE:  runScheduleList,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleSetEnabled(true),
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleSetEnabled(false),
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDelete,
}

func init() {
	scheduleCreateCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression, e.g. \"*/5 * * * *\" (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleInputFile, "input", "", "path to a JSON file with the job input each fire uses (default: empty object)")
	scheduleCreateCmd.Flags().StringVar(&schedulePriority, "priority", "normal", "priority: low, normal, high, urgent")
	scheduleCreateCmd.Flags().IntVar(&scheduleMaxRetries, "max-retries", 3, "maximum retry attempts on failure")
	scheduleCreateCmd.Flags().Int64Var(&scheduleTimeoutMs, "timeout-ms", 30000, "execution timeout in milliseconds")
	_ = scheduleCreateCmd.MarkFlagRequired("cron")

	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleListCmd, scheduleEnableCmd, scheduleDisableCmd, scheduleDeleteCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	taskID, err := ids.ParseTaskID(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	input := json.RawMessage(`{}`)
	if scheduleInputFile != "" {
		data, err := os.ReadFile(scheduleInputFile)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		input = json.RawMessage(data)
	}

	pool, _, _, schedules, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	sched, err := schedules.Create(ctx, schedule.CreateRequest{
		TaskID:         taskID,
		CronExpression: scheduleCron,
		Input:          input,
		Priority:       queue.ParsePriority(schedulePriority),
		MaxRetries:     scheduleMaxRetries,
		TimeoutMs:      scheduleTimeoutMs,
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, sched)
	}
	fmt.Printf("created schedule %s  cron=%q next_run=%s\n", sched.ID, sched.CronExpression, sched.NextRun)
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, _, _, schedules, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	list, err := schedules.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tTASK\tCRON\tENABLED\tNEXT_RUN")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.TaskID, s.CronExpression, s.Enabled, s.NextRun)
	}
	return nil
}

func runScheduleSetEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := ids.ParseScheduleID(args[0])
		if err != nil {
			return fmt.Errorf("invalid schedule id: %w", err)
		}

		pool, _, _, schedules, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := schedules.SetEnabled(ctx, id, enabled); err != nil {
			return fmt.Errorf("failed to update schedule: %w", err)
		}

		if IsJSONOutput() {
			return outputJSON(os.Stdout, map[string]any{"id": id.String(), "enabled": enabled})
		}
		fmt.Printf("schedule %s enabled=%t\n", id, enabled)
		return nil
	}
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := ids.ParseScheduleID(args[0])
	if err != nil {
		return fmt.Errorf("invalid schedule id: %w", err)
	}

	pool, _, _, schedules, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := schedules.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, map[string]any{"id": id.String(), "deleted": true})
	}
	fmt.Printf("deleted schedule %s\n", id)
	return nil
}
