package scheduler

// Execution represents a single execution of a scheduled job.
//
// Each firing (timer-triggered or manual) creates an Execution record that
// is closed when the handler returns, times out, or panics. The history is
// append-only and read in reverse-chronological order by the dashboard.
type Execution struct {
	// Identity
	ID      string `json:"id"`
	JobID   string `json:"jobId"`
	JobName string `json:"jobName"`

	// Execution status
	Status string `json:"status"` // "running", "success", "failed"

	// Timing. EndTime is null exactly while status == "running"; once it
	// is set the status is terminal.
	StartTime  string  `json:"startTime"`            // RFC3339 timestamp
	EndTime    *string `json:"endTime,omitempty"`    // RFC3339 timestamp (null while running)
	DurationMs *int    `json:"durationMs,omitempty"` // Milliseconds (null while running)

	// Error if failed
	Error *string `json:"error,omitempty"`

	// Metadata
	CreatedAt string `json:"createdAt"` // RFC3339 timestamp
	UpdatedAt string `json:"updatedAt"` // RFC3339 timestamp
}

// Execution status constants for type safety
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
)
