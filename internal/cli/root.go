// Package cli implements ratchetctl, a command-line client that
// exercises the core task/queue/schedule operations directly against
// Postgres, the same way the teacher's internal/cli package drives
// FinanzOnline operations directly against its own services rather
// than through an HTTP layer (spec §6: ratchetctl is an external
// collaborator alongside the REST API and MCP server).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ratchet-run/ratchet/internal/execstore"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/schedule"
	"github.com/ratchet-run/ratchet/internal/task"
)

var (
	databaseURL string
	jsonOut     bool
	verbose     bool

	Version = "dev"

	errWriter io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "ratchetctl",
	Short: "ratchetctl manages Ratchet tasks, jobs, and schedules",
	Long: `ratchetctl is a command-line client for the Ratchet task-execution
platform. It connects directly to Postgres and drives the same
task/queue/schedule services the server process uses, without going
through the REST API.`,
}

func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a context that commands
// can read via cmd.Context(), so a SIGINT/SIGTERM can cancel an
// in-flight database operation.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (default: $DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ratchetctl version %s\n", Version)
	},
}

// IsJSONOutput reports whether -j/--json was set.
func IsJSONOutput() bool { return jsonOut }

// LogVerbose prints a message to stderr if -v/--verbose was set.
func LogVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(errWriter, "[DEBUG] "+format+"\n", args...)
	}
}

// connect opens a short-lived pgxpool for one command invocation and
// wires the four core services ratchetctl commands drive.
func connect(ctx context.Context) (*pgxpool.Pool, *task.Service, *queue.Repository, *schedule.Service, *execstore.Repository, error) {
	if databaseURL == "" {
		return nil, nil, nil, nil, nil, fmt.Errorf("--database-url (or $DATABASE_URL) is required")
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connCtx, databaseURL)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	tasks := task.NewService(pool)
	jobs := queue.NewRepository(pool, nil, queue.DefaultRetryPolicy())
	schedules := schedule.NewService(schedule.NewRepository(pool, nil), nil)
	execs := execstore.NewRepository(pool)

	return pool, tasks, jobs, schedules, execs, nil
}

func outputJSON(w io.Writer, data interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
