// Package ids defines typed identifiers for every entity in the data
// model so that a TaskID can never be passed where an ExecutionID is
// expected.
package ids

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TaskID identifies a Task.
type TaskID uuid.UUID

// JobID identifies a Job.
type JobID uuid.UUID

// ExecutionID identifies an Execution.
type ExecutionID uuid.UUID

// ScheduleID identifies a Schedule.
type ScheduleID uuid.UUID

// WorkerID identifies a worker subprocess for the lifetime of that process.
type WorkerID uuid.UUID

// DestinationID identifies an OutputDestination.
type DestinationID uuid.UUID

// CorrelationID ties an IPC request to its response and any events it emits.
type CorrelationID uuid.UUID

func NewTaskID() TaskID               { return TaskID(uuid.New()) }
func NewJobID() JobID                 { return JobID(uuid.New()) }
func NewExecutionID() ExecutionID     { return ExecutionID(uuid.New()) }
func NewScheduleID() ScheduleID       { return ScheduleID(uuid.New()) }
func NewWorkerID() WorkerID           { return WorkerID(uuid.New()) }
func NewDestinationID() DestinationID { return DestinationID(uuid.New()) }
func NewCorrelationID() CorrelationID { return CorrelationID(uuid.New()) }

func (id TaskID) String() string        { return uuid.UUID(id).String() }
func (id JobID) String() string         { return uuid.UUID(id).String() }
func (id ExecutionID) String() string   { return uuid.UUID(id).String() }
func (id ScheduleID) String() string    { return uuid.UUID(id).String() }
func (id WorkerID) String() string      { return uuid.UUID(id).String() }
func (id DestinationID) String() string { return uuid.UUID(id).String() }
func (id CorrelationID) String() string { return uuid.UUID(id).String() }

func (id TaskID) IsZero() bool        { return id == TaskID{} }
func (id JobID) IsZero() bool         { return id == JobID{} }
func (id ExecutionID) IsZero() bool   { return id == ExecutionID{} }
func (id ScheduleID) IsZero() bool    { return id == ScheduleID{} }
func (id WorkerID) IsZero() bool      { return id == WorkerID{} }
func (id DestinationID) IsZero() bool { return id == DestinationID{} }

// ParseTaskID parses a string into a TaskID.
func ParseTaskID(s string) (TaskID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TaskID{}, err
	}
	return TaskID(u), nil
}

// ParseJobID parses a string into a JobID.
func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, err
	}
	return JobID(u), nil
}

// ParseExecutionID parses a string into an ExecutionID.
func ParseExecutionID(s string) (ExecutionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ExecutionID{}, err
	}
	return ExecutionID(u), nil
}

// ParseScheduleID parses a string into a ScheduleID.
func ParseScheduleID(s string) (ScheduleID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ScheduleID{}, err
	}
	return ScheduleID(u), nil
}

// Value/Scan implement database/sql's driver.Valuer/Scanner so pgx can
// bind and read these types directly as Postgres uuid columns; each
// delegates to uuid.UUID's own implementation. MarshalJSON/UnmarshalJSON
// give the same types their canonical string form on the wire (IPC
// frames, HTTP APIs) instead of json's default byte-array encoding for
// a [16]byte-backed type.

func (id TaskID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *TaskID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan TaskID: %w", err)
	}
	*id = TaskID(u)
	return nil
}
func (id TaskID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *TaskID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal TaskID: %w", err)
	}
	*id = TaskID(u)
	return nil
}

func (id JobID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *JobID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan JobID: %w", err)
	}
	*id = JobID(u)
	return nil
}
func (id JobID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *JobID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal JobID: %w", err)
	}
	*id = JobID(u)
	return nil
}

func (id ExecutionID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *ExecutionID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan ExecutionID: %w", err)
	}
	*id = ExecutionID(u)
	return nil
}
func (id ExecutionID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *ExecutionID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal ExecutionID: %w", err)
	}
	*id = ExecutionID(u)
	return nil
}

func (id ScheduleID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *ScheduleID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan ScheduleID: %w", err)
	}
	*id = ScheduleID(u)
	return nil
}
func (id ScheduleID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *ScheduleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal ScheduleID: %w", err)
	}
	*id = ScheduleID(u)
	return nil
}

func (id WorkerID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *WorkerID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan WorkerID: %w", err)
	}
	*id = WorkerID(u)
	return nil
}
func (id WorkerID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *WorkerID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal WorkerID: %w", err)
	}
	*id = WorkerID(u)
	return nil
}

func (id DestinationID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *DestinationID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan DestinationID: %w", err)
	}
	*id = DestinationID(u)
	return nil
}
func (id DestinationID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *DestinationID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal DestinationID: %w", err)
	}
	*id = DestinationID(u)
	return nil
}

func (id CorrelationID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *CorrelationID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return fmt.Errorf("scan CorrelationID: %w", err)
	}
	*id = CorrelationID(u)
	return nil
}
func (id CorrelationID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id *CorrelationID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal CorrelationID: %w", err)
	}
	*id = CorrelationID(u)
	return nil
}
