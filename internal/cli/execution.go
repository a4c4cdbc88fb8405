package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ratchet-run/ratchet/internal/ids"
)

var execCmd = &cobra.Command{
	Use:     "execution",
	Aliases: []string{"exec"},
	Short:   "Inspect the execution and audit trail",
	Long:    `Show Executions recorded for a job (spec §4.G): input, output, logs, and HTTP recordings.`,
}

var execListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List executions for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecList,
}

var execGetCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show a single execution, including its logs and HTTP recordings",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecGet,
}

func init() {
	execCmd.AddCommand(execListCmd, execGetCmd)
	rootCmd.AddCommand(execCmd)
}

func runExecList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID, err := ids.ParseJobID(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}

	pool, _, _, _, execs, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	list, err := execs.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tSTATUS\tWORKER\tDURATION_MS\tCOMPLETED_AT")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%v\n", e.ID, e.Status, e.WorkerID, e.DurationMs, e.CompletedAt)
	}
	return nil
}

func runExecGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := ids.ParseExecutionID(args[0])
	if err != nil {
		return fmt.Errorf("invalid execution id: %w", err)
	}

	pool, _, _, _, execs, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	e, err := execs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch execution: %w", err)
	}

	if IsJSONOutput() {
		return outputJSON(os.Stdout, e)
	}
	fmt.Printf("execution %s\n  status:      %s\n  duration_ms: %d\n", e.ID, e.Status, e.DurationMs)
	if e.Error != nil {
		fmt.Printf("  error:       %s: %s\n", e.Error.Kind, e.Error.Message)
	}
	for _, l := range e.Logs {
		fmt.Printf("  log[%s] %s\n", l.Level, l.Message)
	}
	return nil
}
