package output

import (
	"fmt"
	"regexp"
	"time"
)

// Context supplies the variables listed in spec §6 for path/url/
// template expansion. Every field is pre-stringified by the caller
// (the dispatcher, which has the Job/Execution/Task records) so
// expansion here stays a pure string substitution — spec §8 property
// 5 requires it be a total function over registered variables.
type Context struct {
	JobID       string
	JobUUID     string
	TaskID      string
	TaskName    string
	TaskVersion string
	ExecutionID string
	Priority    string
	ScheduleID  string
	Environment string
	Timestamp   time.Time
	Status      string
	DurationMs  int64
	OutputData  string
	OutputSize  int
}

func (c Context) vars() map[string]string {
	ts := c.Timestamp.UTC()
	return map[string]string{
		"job_id":       c.JobID,
		"job_uuid":     c.JobUUID,
		"task_id":      c.TaskID,
		"task_name":    c.TaskName,
		"task_version": c.TaskVersion,
		"execution_id": c.ExecutionID,
		"priority":     c.Priority,
		"schedule_id":  c.ScheduleID,
		"environment":  c.Environment,
		"timestamp":    ts.Format(time.RFC3339),
		"date":         ts.Format("2006-01-02"),
		"time":         ts.Format("15:04:05"),
		"year":         fmt.Sprintf("%04d", ts.Year()),
		"month":        fmt.Sprintf("%02d", ts.Month()),
		"day":          fmt.Sprintf("%02d", ts.Day()),
		"hour":         fmt.Sprintf("%02d", ts.Hour()),
		"minute":       fmt.Sprintf("%02d", ts.Minute()),
		"second":       fmt.Sprintf("%02d", ts.Second()),
		"duration_ms":  fmt.Sprintf("%d", c.DurationMs),
		"status":       c.Status,
		"output_data":  c.OutputData,
		"output_size":  fmt.Sprintf("%d", c.OutputSize),
	}
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)

// Expand substitutes every {{variable}} occurrence in tmpl. A variable
// not in the registered set expands to the empty string; the caller
// may log a warning using the returned missing list (spec §4.H.1).
func Expand(tmpl string, c Context) (result string, missing []string) {
	vars := c.vars()
	seen := make(map[string]bool)
	result = templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return ""
	})
	return result, missing
}
