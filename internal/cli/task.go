package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/task"
)

var (
	taskSourceFile string
	taskInputFile  string
	taskOutputFile string
	taskListLimit  int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage task definitions",
	Long:  `Create, list, enable and disable task definitions (spec §3).`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <name> <version>",
	Short: "Create the first version of a named task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest version of every task",
	RunE:  runTaskList,
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <task-id>",
	Short: "Mark a task disabled (the dispatcher does not check this flag when claiming jobs)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskSetEnabled(false),
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <task-id>",
	Short: "Re-enable a disabled task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskSetEnabled(true),
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskSourceFile, "source", "", "path to the task's JavaScript source (required)")
	taskCreateCmd.Flags().StringVar(&taskInputFile, "input-schema", "", "path to the JSON Schema for task input (required)")
	taskCreateCmd.Flags().StringVar(&taskOutputFile, "output-schema", "", "path to the JSON Schema for task output (required)")
	_ = taskCreateCmd.MarkFlagRequired("source")
	_ = taskCreateCmd.MarkFlagRequired("input-schema")
	_ = taskCreateCmd.MarkFlagRequired("output-schema")

	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 50, "maximum number of tasks to list")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskEnableCmd, taskDisableCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, tasks, _, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	source, err := os.ReadFile(taskSourceFile)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	inputSchema, err := os.ReadFile(taskInputFile)
	if err != nil {
		return fmt.Errorf("failed to read input schema: %w", err)
	}
	outputSchema, err := os.ReadFile(taskOutputFile)
	if err != nil {
		return fmt.Errorf("failed to read output schema: %w", err)
	}

	t, err := tasks.Create(ctx, &task.CreateRequest{
		Name:         args[0],
		Version:      args[1],
		SourceCode:   string(source),
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
	})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, t)
	}
	fmt.Printf("created task %s  name=%s version=%s fingerprint=%s\n", t.ID, t.Name, t.Version, t.Fingerprint)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, tasks, _, _, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	list, err := tasks.List(ctx, taskListLimit, nil)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tENABLED\tFINGERPRINT")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.Name, t.Version, t.Enabled, t.Fingerprint)
	}
	return nil
}

func runTaskSetEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := ids.ParseTaskID(args[0])
		if err != nil {
			return fmt.Errorf("invalid task id: %w", err)
		}

		pool, tasks, _, _, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := tasks.SetEnabled(ctx, id, enabled); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		if IsJSONOutput() {
			return outputJSON(os.Stdout, map[string]any{"id": id.String(), "enabled": enabled})
		}
		fmt.Printf("task %s enabled=%t\n", id, enabled)
		return nil
	}
}
